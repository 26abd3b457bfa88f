package session

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/MrWong99/toolrouter/pkg/types"
)

// CostFunc returns the token cost of a single message.
type CostFunc func(types.Message) int

// messageOverhead approximates the per-message framing tokens chat models add
// for role markers and separators.
const messageOverhead = 4

// charsPerToken is the heuristic ratio used by [CharEstimate].
const charsPerToken = 4

// CharEstimate is a tokenizer-free cost: one token per four bytes of role and
// content, at least one, plus the per-message overhead.
func CharEstimate(m types.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens + messageOverhead
}

// NewTiktokenCost returns a CostFunc backed by the named tiktoken encoding
// (e.g., "cl100k_base", "o200k_base"). Loading an encoding may download its
// BPE ranks on first use.
func NewTiktokenCost(encoding string) (CostFunc, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return func(m types.Message) int {
		return len(enc.Encode(string(m.Role), nil, nil)) +
			len(enc.Encode(m.Content, nil, nil)) +
			messageOverhead
	}, nil
}

// CostFor resolves a tokenizer setting. "chars" selects [CharEstimate]; any
// other value is taken as a tiktoken encoding name and falls back to
// CharEstimate with a warning when the encoding cannot be loaded.
func CostFor(tokenizer string) CostFunc {
	if tokenizer == "" || tokenizer == "chars" {
		return CharEstimate
	}
	cost, err := NewTiktokenCost(tokenizer)
	if err != nil {
		slog.Warn("tokenizer unavailable, using character estimate", "tokenizer", tokenizer, "err", err)
		return CharEstimate
	}
	return cost
}
