package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicEstimator(t *testing.T) {
	est := HeuristicEstimator{}

	assert.Equal(t, 0, est.Estimate(""))
	assert.Equal(t, 1, est.Estimate("ab"), "non-empty text is at least one token")
	assert.Equal(t, 25, est.Estimate(string(make([]byte, 100))))
}

func TestTiktokenEstimator_Deterministic(t *testing.T) {
	est := NewTiktokenEstimator()

	assert.Equal(t, 0, est.Estimate(""))

	text := "the quick brown fox jumps over the lazy dog"
	first := est.Estimate(text)
	assert.Positive(t, first)
	assert.Equal(t, first, est.Estimate(text))
}

func TestTiktokenEstimator_ScalesWithLength(t *testing.T) {
	est := NewTiktokenEstimator()

	short := est.Estimate("hello world")
	long := est.Estimate("hello world hello world hello world hello world")
	assert.Greater(t, long, short)
}
