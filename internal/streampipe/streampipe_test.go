package streampipe

import (
	"testing"

	"github.com/dyadgw/gateway/pkg/apierr"
)

func TestNewCounter_FallsBackToDefaultEncoding(t *testing.T) {
	c := NewCounter("totally-unknown-model-xyz")
	if c.enc == nil {
		t.Fatal("expected fallback cl100k_base encoding, got nil")
	}
}

func TestCounter_AddAccumulates(t *testing.T) {
	c := NewCounter("gpt-4")
	c.add("hello world")
	first := c.Total()
	if first == 0 {
		t.Fatal("expected nonzero token count for non-empty text")
	}
	c.add("more content")
	if c.Total() <= first {
		t.Fatalf("expected token count to grow, got %d then %d", first, c.Total())
	}
}

func TestCounter_EmptyTextIsNoop(t *testing.T) {
	c := NewCounter("gpt-4")
	c.add("")
	if c.Total() != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", c.Total())
	}
}

func TestChunkTooLarge_IsProtocolKind(t *testing.T) {
	err := chunkTooLarge(maxChunkBytes + 1)
	e, ok := apierr.As(err)
	if !ok {
		t.Fatal("expected an *apierr.Error")
	}
	if e.Kind != apierr.KindProtocol {
		t.Fatalf("expected KindProtocol, got %s", e.Kind)
	}
}
