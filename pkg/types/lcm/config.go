package lcm

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Hard limits shared between config validation and the auth registry.
const (
	MaxExpandTokensCeiling = 20000
	MaxExpandDepth         = 8
)

// Config is the engine configuration envelope. Layering is last-wins:
// built-in defaults, host app config, plugin config, then environment
// variables.
type Config struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	ContextThreshold float64 `mapstructure:"context_threshold" yaml:"context_threshold"`
	FreshTailCount   int     `mapstructure:"fresh_tail_count" yaml:"fresh_tail_count"`

	LeafChunkTokens       int `mapstructure:"leaf_chunk_tokens" yaml:"leaf_chunk_tokens"`
	LeafTargetTokens      int `mapstructure:"leaf_target_tokens" yaml:"leaf_target_tokens"`
	CondensedTargetTokens int `mapstructure:"condensed_target_tokens" yaml:"condensed_target_tokens"`
	LeafBatchSize         int `mapstructure:"leaf_batch_size" yaml:"leaf_batch_size"`
	MaxActiveMessages     int `mapstructure:"max_active_messages" yaml:"max_active_messages"`

	MaxExpandTokens         int `mapstructure:"max_expand_tokens" yaml:"max_expand_tokens"`
	LargeFileTokenThreshold int `mapstructure:"large_file_token_threshold" yaml:"large_file_token_threshold"`

	AutocompactDisabled bool `mapstructure:"autocompact_disabled" yaml:"autocompact_disabled"`

	IngestTokenThreshold     int `mapstructure:"ingest_token_threshold" yaml:"ingest_token_threshold"`
	CompactionTokenThreshold int `mapstructure:"compaction_token_threshold" yaml:"compaction_token_threshold"`
	TargetTokens             int `mapstructure:"target_tokens" yaml:"target_tokens"`
	RetrievalK               int `mapstructure:"retrieval_k" yaml:"retrieval_k"`
}

// DefaultConfig returns the built-in defaults, the bottom layer of the
// configuration stack.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		ContextThreshold:         0.75,
		FreshTailCount:           8,
		LeafChunkTokens:          2000,
		LeafTargetTokens:         400,
		CondensedTargetTokens:    600,
		LeafBatchSize:            12,
		MaxActiveMessages:        200,
		MaxExpandTokens:          4000,
		LargeFileTokenThreshold:  8000,
		IngestTokenThreshold:     1,
		CompactionTokenThreshold: 1,
		TargetTokens:             12000,
		RetrievalK:               20,
	}
}

// DefaultDatabasePath returns the conventional storage location,
// honoring OPENCLAW_BASE_PATH for relocation.
func DefaultDatabasePath() (string, error) {
	if base := os.Getenv("OPENCLAW_BASE_PATH"); base != "" {
		return filepath.Join(base, "lcm.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".openclaw", "lcm.db"), nil
}

// Validate rejects out-of-range fields with precise errors.
func (c Config) Validate() error {
	if c.ContextThreshold < 0.1 || c.ContextThreshold > 1.25 {
		return NewValidationError("context_threshold", "must be in [0.1, 1.25]")
	}
	if c.FreshTailCount < 0 {
		return NewValidationError("fresh_tail_count", "must be >= 0")
	}
	for field, v := range map[string]int{
		"leaf_chunk_tokens":          c.LeafChunkTokens,
		"leaf_target_tokens":         c.LeafTargetTokens,
		"condensed_target_tokens":    c.CondensedTargetTokens,
		"max_expand_tokens":          c.MaxExpandTokens,
		"large_file_token_threshold": c.LargeFileTokenThreshold,
	} {
		if v < 1 {
			return NewValidationError(field, "must be >= 1")
		}
	}
	if c.MaxExpandTokens > MaxExpandTokensCeiling {
		return NewValidationError("max_expand_tokens", "must be <= 20000")
	}
	if c.LeafBatchSize < 2 {
		return NewValidationError("leaf_batch_size", "must be >= 2")
	}
	if c.MaxActiveMessages < 1 {
		return NewValidationError("max_active_messages", "must be >= 1")
	}
	return nil
}
