// Package spawncli implements the spawn-cli AdapterRuntime variant: the
// upstream is invoked as a one-shot child process (typically inside the
// Sandbox) rather than over HTTP. The request is marshaled to JSON on the
// child's stdin; the child writes one newline-delimited JSON object per
// output chunk on stdout, the last of which carries usage totals.
//
// Grounded on BaSui01-agentflow's docker-CLI execution path
// (agent/execution/docker_exec.go) for the actual process lifecycle, wired
// here to internal/sandbox.Sandbox for the resource-capped run and to
// internal/sandbox.LineScanner for consuming the newline-delimited stdout
// protocol.
package spawncli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/internal/sandbox"
)

// wireLine is one newline-delimited JSON object the child process emits.
// "delta" lines stream partial content; the final line for a request always
// carries Done=true with cumulative Usage.
type wireLine struct {
	Delta        string           `json:"delta,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Usage        providers.Usage  `json:"usage,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// childRequest is what's written to the child's stdin.
type childRequest struct {
	RequestID   string              `json:"request_id"`
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// Client implements adapter.Runtime by running a sandboxed command per
// request.
type Client struct {
	name string
	cfg  domain.SpawnCLIConfig
	sbx  *sandbox.Sandbox
}

// New constructs a spawn-cli Runtime. sbx is shared across every spawn-cli
// provider so the host-wide concurrency ceiling applies across all of them,
// not per-provider.
func New(name string, cfg domain.SpawnCLIConfig, sbx *sandbox.Sandbox) *Client {
	return &Client{name: name, cfg: cfg, sbx: sbx}
}

func (c *Client) Name() string { return c.name }

// HealthCheck runs the command with a trivial "ping" payload and a short
// timeout; a clean exit (regardless of what it printed) counts as healthy,
// matching the spec's liveness-only contract for HealthMonitor.
func (c *Client) HealthCheck(ctx context.Context) error {
	spec := c.cfg.Sandbox
	if spec.TimeoutSeconds <= 0 || spec.TimeoutSeconds > 10 {
		spec.TimeoutSeconds = 5
	}
	payload, _ := json.Marshal(childRequest{RequestID: "healthcheck", Model: "ping"})
	res, err := c.sbx.Run(ctx, "healthcheck-"+c.name, spec, c.cfg.Command, c.cfg.Args, payload)
	if err != nil {
		return err
	}
	if res.State != sandbox.StateTerminated || res.ExitCode != 0 {
		return fmt.Errorf("spawncli: %s: health check exited %s (code %d): %s", c.name, res.State, res.ExitCode, res.Stderr)
	}
	return nil
}

func (c *Client) Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	payload, err := json.Marshal(childRequest{
		RequestID:   req.RequestID,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("spawncli: %s: encode request: %w", c.name, err)
	}

	res, err := c.sbx.Run(ctx, req.RequestID, c.cfg.Sandbox, c.cfg.Command, c.cfg.Args, payload)
	if err != nil {
		return nil, fmt.Errorf("spawncli: %s: %w", c.name, err)
	}
	if res.State != sandbox.StateTerminated {
		return nil, fmt.Errorf("spawncli: %s: %s (exit %d): %s", c.name, res.State, res.ExitCode, res.Stderr)
	}

	var content string
	var usage providers.Usage
	sc := sandbox.LineScanner(res.Stdout)
	for sc.Scan() {
		var line wireLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue // tolerate a stray non-JSON line rather than failing the whole response
		}
		if line.Error != "" {
			return nil, fmt.Errorf("spawncli: %s: child reported error: %s", c.name, line.Error)
		}
		content += line.Delta
		if line.Done {
			usage = line.Usage
		}
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("spawncli: %s: exit code %d: %s", c.name, res.ExitCode, res.Stderr)
	}

	return &providers.ProxyResponse{
		ID:      req.RequestID,
		Model:   req.Model,
		Content: content,
		Usage:   usage,
	}, nil
}
