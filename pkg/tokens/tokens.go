// Package tokens provides token estimation for context budgeting. The
// default estimator is tiktoken-backed (GPT-4 encoding approximates the
// hosted models well enough for budget math); a character-based
// heuristic serves as fallback and for tests that need determinism
// without the embedded vocabulary.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator maps text to an integer token estimate. Implementations
// must be pure: same input, same output.
type Estimator interface {
	Estimate(text string) int
}

// TiktokenEstimator counts tokens with the GPT-4 codec, falling back to
// the heuristic when the codec is unavailable or errors on input.
type TiktokenEstimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewTiktokenEstimator creates a tiktoken-backed estimator. Codec
// construction is deferred to first use.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{}
}

// Estimate returns the token count for text.
func (e *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		codec, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			e.codec = codec
		}
	})

	if e.codec == nil {
		return heuristic(text)
	}

	count, err := e.codec.Count(text)
	if err != nil {
		return heuristic(text)
	}
	return count
}

// HeuristicEstimator estimates ~4 characters per token. Deterministic
// and dependency-free; used by tests and as the codec fallback.
type HeuristicEstimator struct{}

// Estimate returns the heuristic token count for text.
func (HeuristicEstimator) Estimate(text string) int {
	return heuristic(text)
}

func heuristic(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}
