package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnwork/kiln/enrich"
	"github.com/kilnwork/kiln/merkle"
	"github.com/kilnwork/kiln/search"
	"github.com/kilnwork/kiln/watch"
)

// Config holds all configuration for the kiln ingestion engine.
type Config struct {
	// Root is the kiln directory to ingest. Required.
	Root string `json:"root" yaml:"root"`

	// StateDir controls where the engine's own state (change-detection
	// store, Merkle store, enriched-note store) lives. If empty, defaults
	// to "<Root>/.kiln".
	StateDir string `json:"state_dir" yaml:"state_dir"`

	// Embedding is the provider used to embed changed blocks (C7) and
	// search queries (C10); it must be the same provider/model across
	// both for similarity scores to be meaningful.
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Chat is an optional provider used to infer mention relations during
	// enrichment. Leave Provider empty to disable inference entirely;
	// embeddings still run.
	Chat LLMConfig `json:"chat" yaml:"chat"`

	// EmbeddingDim is the fixed vector width for the embedding model.
	// Must match the model; changing it requires a fresh kiln state dir.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// VirtualizationThreshold is the section count above which a note's
	// Merkle tree virtualizes (spec.md §4.3). Must be positive; Validate
	// rejects zero and negative values.
	VirtualizationThreshold int `json:"virtualization_threshold" yaml:"virtualization_threshold"`

	// MinWordsForEmbedding is the minimum normalized word count a block
	// must have to be embedded (spec.md §4.7).
	MinWordsForEmbedding int `json:"min_words_for_embedding" yaml:"min_words_for_embedding"`

	// EmbeddingMaxBatch bounds how many blocks are sent to the embedding
	// provider per call.
	EmbeddingMaxBatch int `json:"embedding_max_batch" yaml:"embedding_max_batch"`

	// RetryAttempts bounds transient embedding-provider retries.
	RetryAttempts int `json:"retry_attempts" yaml:"retry_attempts"`

	// ScanConcurrency bounds how many files a full-kiln scan processes
	// concurrently (spec.md §5).
	ScanConcurrency int `json:"scan_concurrency" yaml:"scan_concurrency"`

	// MerkleCacheSize bounds the in-memory LRU of hot Merkle trees C5
	// keeps warm.
	MerkleCacheSize int `json:"merkle_cache_size" yaml:"merkle_cache_size"`

	// WatchDebounce is the coalescing window C9 applies to rapid
	// successive events on the same path.
	WatchDebounce time.Duration `json:"watch_debounce" yaml:"watch_debounce"`

	// SearchFanOut is the multiplier applied to the caller's requested k
	// to get how many vector-search candidates C10 retrieves before
	// narrowing to k.
	SearchFanOut int `json:"search_fan_out" yaml:"search_fan_out"`

	// SearchDedupePerNote keeps only the best-scoring block per note in
	// search results when true.
	SearchDedupePerNote bool `json:"search_dedupe_per_note" yaml:"search_dedupe_per_note"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local
// inference, mirroring spec.md §9's configuration surface.
func DefaultConfig() Config {
	return Config{
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:            768,
		VirtualizationThreshold: merkle.DefaultVirtualizationThreshold,
		MinWordsForEmbedding:    enrich.DefaultConfig().MinWordsForEmbedding,
		EmbeddingMaxBatch:       enrich.DefaultConfig().EmbeddingMaxBatch,
		RetryAttempts:           enrich.DefaultConfig().RetryAttempts,
		ScanConcurrency:         16,
		MerkleCacheSize:         64,
		WatchDebounce:           watch.DefaultDebounceWindow,
		SearchFanOut:            search.DefaultConfig().FanOut,
	}
}

// Validate rejects configuration that would make the engine impossible to
// construct or misbehave silently (spec.md §9's typed configuration
// surface requires explicit validation since Config is a public,
// user-assembled struct rather than an internal-only one).
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: Root is required", ErrInvalidConfig)
	}
	if c.Embedding.Provider == "" {
		return fmt.Errorf("%w: Embedding.Provider is required", ErrInvalidConfig)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: EmbeddingDim must be positive", ErrInvalidConfig)
	}
	if c.VirtualizationThreshold <= 0 {
		return fmt.Errorf("%w: VirtualizationThreshold must be positive", ErrInvalidConfig)
	}
	if c.MinWordsForEmbedding < 0 {
		return fmt.Errorf("%w: MinWordsForEmbedding must not be negative", ErrInvalidConfig)
	}
	if c.EmbeddingMaxBatch <= 0 {
		return fmt.Errorf("%w: EmbeddingMaxBatch must be positive", ErrInvalidConfig)
	}
	return nil
}

// resolveStateDir computes the directory holding the engine's own SQLite
// state, defaulting to a dot-directory under Root (spec.md §6).
func (c *Config) resolveStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.Root, ".kiln")
}

// resolveDBPath joins the resolved state directory with a file name,
// creating the directory if it does not already exist.
func (c *Config) resolveDBPath(name string) (string, error) {
	dir := c.resolveStateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating state directory %q: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}
