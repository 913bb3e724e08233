// Package streampipe implements StreamPipe (component C10): framing a
// provider's token stream as Server-Sent Events on the fasthttp response,
// flushing per chunk, bounding chunk size, and counting emitted tokens for
// the Dispatcher's post-completion accounting step.
//
// Grounded directly on the teacher's internal/proxy/gateway.go writeSSE:
// same SetBodyStreamWriter/bufio.Writer shape, same "data: <json>\n\n" ...
// "data: [DONE]\n\n" framing, same per-chunk Flush(). Two things change: a
// 64 KiB single-chunk size bound (a provider bug or adversarial upstream
// emitting one huge chunk becomes a protocol error instead of an unbounded
// allocation), and real token counting via tiktoken-go in place of the
// teacher's chars/4 estimate.
package streampipe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/pkg/apierr"
)

const maxChunkBytes = 64 * 1024

// defaultEncoding is used when a model has no specific tiktoken-go encoding
// registered; cl100k_base is the closest approximation for non-OpenAI
// providers that don't publish their own tokenizer.
const defaultEncoding = "cl100k_base"

// Counter counts emitted tokens as content streams. Held across the whole
// response so accounting reflects exactly what was sent to the client.
type Counter struct {
	enc   *tiktoken.Tiktoken
	total int
}

// NewCounter resolves the tiktoken-go encoding for model, falling back to
// cl100k_base. Never returns an error — an unresolvable model just uses the
// fallback encoding, since an approximate count is still useful and a
// streaming response must never fail because of a tokenizer lookup.
func NewCounter(model string) *Counter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			return &Counter{}
		}
	}
	return &Counter{enc: enc}
}

func (c *Counter) add(text string) {
	if c.enc == nil || text == "" {
		return
	}
	c.total += len(c.enc.Encode(text, nil, nil))
}

// Total returns the running token count.
func (c *Counter) Total() int { return c.total }

// chunkTooLarge builds the KindProtocol error Write reports when an upstream
// misbehaves badly enough that streaming cannot continue safely — currently
// only an oversized chunk.
func chunkTooLarge(size int) error {
	return apierr.New(apierr.KindProtocol, "chunk_too_large",
		fmt.Sprintf("stream chunk of %d bytes exceeds the %d byte limit", size, maxChunkBytes))
}

// Write streams resp.Stream as SSE on ctx, honoring ctx request-scoped
// cancellation (e.g. the client disconnecting mid-stream cancels the
// provider's in-flight request too, since resp.Stream's producer goroutine
// should itself watch the same context — wiring that is the adapter's job).
// onDone is called once with the final token count and the error that ended
// the stream early (an oversized chunk, a failed write, or ctx's error; nil
// when resp.Stream closed normally), so the Dispatcher can still record
// partial usage for a stream that was cut short. "data: [DONE]" is written
// in every case.
func Write(reqCtx *fasthttp.RequestCtx, ctx context.Context, model string, resp *providers.ProxyResponse, onDone func(outputTokens int, err error)) {
	reqCtx.SetContentType("text/event-stream")
	reqCtx.Response.Header.Set("Cache-Control", "no-cache")
	reqCtx.Response.Header.Set("Connection", "keep-alive")
	reqCtx.SetStatusCode(fasthttp.StatusOK)

	reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		counter := NewCounter(model)
		var streamErr error

	drain:
		for {
			select {
			case chunk, ok := <-resp.Stream:
				if !ok {
					break drain
				}
				if len(chunk.Content) > maxChunkBytes {
					streamErr = chunkTooLarge(len(chunk.Content))
					break drain
				}
				counter.add(chunk.Content)
				if err := writeChunk(w, chunk); err != nil {
					streamErr = err
					break drain
				}
			case <-ctx.Done():
				streamErr = ctx.Err()
				break drain
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()

		if onDone != nil {
			onDone(counter.Total(), streamErr)
		}
	})
}

func writeChunk(w *bufio.Writer, chunk providers.StreamChunk) error {
	delta := map[string]any{
		"id":      "chatcmpl-stream",
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"choices": []map[string]any{
			{
				"index": 0,
				"delta": map[string]string{"content": chunk.Content},
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			},
		},
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
