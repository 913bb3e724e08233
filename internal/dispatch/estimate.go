package dispatch

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/dyadgw/gateway/internal/providers"
)

const estimateFallbackEncoding = "cl100k_base"

// perMessageOverhead approximates the role/field framing tokens each chat
// message adds on top of its raw content, following the same rough
// per-message constant OpenAI's own counting cookbook uses for chat models.
const perMessageOverhead = 4

// EstimateTokens produces the speculative input-token count RateLimiter
// admits tokens against before the request is actually sent upstream. Using
// the same tiktoken-go encoding StreamPipe counts output with, rather than
// the teacher's chars/4 heuristic, means the speculative estimate and the
// eventual true-up in Account are directly comparable.
func EstimateTokens(model string, messages []providers.Message, maxTokens int) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(estimateFallbackEncoding)
		if err != nil {
			return charEstimate(messages) + maxTokens
		}
	}
	total := 0
	for _, m := range messages {
		total += len(enc.Encode(m.Content, nil, nil)) + perMessageOverhead
	}
	return total + maxTokens
}

func charEstimate(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
