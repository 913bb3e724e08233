package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// AnalyticsSink durably records one request-level event for offline analysis
// (usage billing, per-tenant dashboards) — a different audience than the
// Prometheus gauges/counters above, which only ever hold current/windowed
// values. The teacher's go.mod already carries clickhouse-go/v2 but its own
// comment in internal/app/init.go says the open-source build never connects
// it ("not wired in the open-source build. In the managed version this
// connects to ClickHouse"); this sink is that wiring.
type AnalyticsSink interface {
	RecordEvent(ctx context.Context, ev RequestEvent)
	Close() error
}

// RequestEvent is one completed dispatch, written as a single ClickHouse row.
type RequestEvent struct {
	Timestamp    time.Time
	RequestID    string
	ApiKeyID     string
	Provider     string
	Route        string
	Model        string
	StatusCode   int
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	CacheHit     bool
	Error        string
}

// ClickHouseSink batches RequestEvents and flushes them on an interval,
// matching the async-batched-write shape the teacher's request logger
// describes in its SetLogger comment ("e.g. for ClickHouse or stdout") but
// never implements.
type ClickHouseSink struct {
	conn   clickhouse.Conn
	table  string
	log    *slog.Logger
	events chan RequestEvent
	done   chan struct{}
}

// NewClickHouseSink dials ClickHouse at dsn and starts the background batch
// writer. table must already exist; this sink does not run migrations.
func NewClickHouseSink(dsn, table string, log *slog.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	s := &ClickHouseSink{
		conn:   conn,
		table:  table,
		log:    log,
		events: make(chan RequestEvent, 4096),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *ClickHouseSink) RecordEvent(_ context.Context, ev RequestEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("clickhouse sink: event buffer full, dropping event", slog.String("request_id", ev.RequestID))
	}
}

func (s *ClickHouseSink) run() {
	const flushInterval = 2 * time.Second
	const batchSize = 500

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestEvent, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(batch); err != nil {
			s.log.Error("clickhouse sink: batch write failed", slog.Any("error", err), slog.Int("batch_size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			flush()
			return
		}
	}
}

func (s *ClickHouseSink) write(batch []RequestEvent) error {
	ctx := context.Background()
	query := "INSERT INTO " + s.table +
		" (timestamp, request_id, api_key_id, provider, route, model, status_code, latency_ms, input_tokens, output_tokens, cache_hit, error)"
	b, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	for _, ev := range batch {
		if err := b.Append(
			ev.Timestamp, ev.RequestID, ev.ApiKeyID, ev.Provider, ev.Route, ev.Model,
			ev.StatusCode, ev.LatencyMs, ev.InputTokens, ev.OutputTokens, ev.CacheHit, ev.Error,
		); err != nil {
			return err
		}
	}
	return b.Send()
}

// Close flushes any pending events and closes the ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	close(s.done)
	return s.conn.Close()
}

// SetAnalyticsSink attaches an optional durable sink. Called once during
// engine composition when ANALYTICS_CLICKHOUSE_DSN is configured.
func (r *Registry) SetAnalyticsSink(sink AnalyticsSink) {
	r.analytics = sink
}

// RecordEvent forwards to the configured AnalyticsSink, if any. A nil sink
// makes this a no-op so callers never need to nil-check.
func (r *Registry) RecordEvent(ctx context.Context, ev RequestEvent) {
	if r.analytics != nil {
		r.analytics.RecordEvent(ctx, ev)
	}
}
