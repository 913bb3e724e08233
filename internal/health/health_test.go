package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProber struct{ healthy bool }

func (f *fakeProber) HealthCheck(ctx context.Context) error {
	if f.healthy {
		return nil
	}
	return errors.New("down")
}

func TestMonitor_SynchronousWarmUpProbe(t *testing.T) {
	probers := map[string]Prober{"openai": &fakeProber{healthy: true}}
	m := New(probers, nil, time.Hour, time.Second)
	m.Start(context.Background())
	defer m.Stop()

	st := m.Status("openai")
	if st.Status != "healthy" {
		t.Fatalf("expected healthy after synchronous warm-up probe, got %s", st.Status)
	}
}

func TestMonitor_UnhealthyProviderReported(t *testing.T) {
	probers := map[string]Prober{"broken": &fakeProber{healthy: false}}
	m := New(probers, nil, time.Hour, time.Second)
	m.Start(context.Background())
	defer m.Stop()

	st := m.Status("broken")
	if st.Status != "unhealthy" {
		t.Fatalf("expected unhealthy, got %s", st.Status)
	}
}

func TestMonitor_UnknownProviderReturnsUnknown(t *testing.T) {
	m := New(map[string]Prober{}, nil, time.Hour, time.Second)
	m.Start(context.Background())
	defer m.Stop()

	st := m.Status("nonexistent")
	if st.Status != "unknown" {
		t.Fatalf("expected unknown for unmonitored provider, got %s", st.Status)
	}
}

func TestMonitor_StopCancelsProbeLoop(t *testing.T) {
	probers := map[string]Prober{"openai": &fakeProber{healthy: true}}
	m := New(probers, nil, time.Millisecond, time.Second)
	m.Start(context.Background())
	m.Stop()
	// Stop should return promptly without panicking or deadlocking; if this
	// test hangs, the background goroutine failed to exit.
}
