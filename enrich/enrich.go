// Package enrich drives embedding generation over the blocks a Merkle diff
// marked as changed, records a note-level block-count property, and
// (optionally) runs LLM-based mention-relation inference. It is the only component in the pipeline that talks to an
// embedding provider, and it owns the embedding cache-key invariant:
// a block is skipped iff a persisted embedding's content_used_hash already
// equals the block's current BlockHash.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/hash"
	"github.com/kilnwork/kiln/llm"
)

// BlockEmbedding is one embedded vector produced for a block.
type BlockEmbedding struct {
	BlockID   string
	BlockHash hash.BlockHash
	Vector    []float32
}

// EnrichedDelta is the output of a single enrichment pass: new embeddings
// plus whatever metadata and relations the enricher was able to infer.
// FailedBlocks records blocks whose embedding failed permanently (after
// retry exhaustion); the pipeline persists the rest of the delta anyway.
type EnrichedDelta struct {
	BlockEmbeddings   []BlockEmbedding
	InferredMetadata  []graphstore.Property
	InferredRelations []graphstore.Relation
	FailedBlocks      map[string]error
}

// EmbeddingCache is the subset of graphstore.Store the enricher needs to
// evaluate the cache-key invariant, kept narrow so enrich does not depend
// on the concrete store implementation.
type EmbeddingCache interface {
	EmbeddingContentHash(ctx context.Context, blockID string) (string, error)
}

// Config controls enrichment policy (spec.md §9's configuration surface).
type Config struct {
	MinWordsForEmbedding int
	EmbeddingMaxBatch    int
	RetryAttempts        int
}

// DefaultConfig returns sensible enrichment defaults.
func DefaultConfig() Config {
	return Config{MinWordsForEmbedding: 3, EmbeddingMaxBatch: 32, RetryAttempts: 3}
}

// Enricher drives embedding generation via an llm.Provider. A nil Chat
// disables mention-relation inference; embeddings and the block_count
// metadata property are still produced.
type Enricher struct {
	Embed  llm.Provider
	Chat   llm.Provider
	Config Config
}

// NewEnricher constructs an Enricher. chat may be nil to skip inference.
func NewEnricher(embed, chat llm.Provider, cfg Config) *Enricher {
	return &Enricher{Embed: embed, Chat: chat, Config: cfg}
}

// EnrichWithTree implements C7's enrich_with_tree contract: embed the
// blocks named by changedBlockIDs (skipping any already cached under an
// unchanged BlockHash and any below the minimum word count), always record
// a core block_count property for the note, and, if a chat provider is
// configured and at least one block needed embedding, infer mention
// relations from the note as a whole.
func (e *Enricher) EnrichWithTree(ctx context.Context, note *block.ParsedNote, changedBlockIDs []string, cache EmbeddingCache) (EnrichedDelta, error) {
	delta := EnrichedDelta{FailedBlocks: map[string]error{}}

	byID := make(map[string]block.Block, len(note.Blocks))
	for _, b := range note.Blocks {
		byID[b.ID] = b
	}

	var candidates []block.Block
	for _, id := range changedBlockIDs {
		b, ok := byID[id]
		if !ok {
			continue
		}
		if wordCount(b.Content) < e.Config.MinWordsForEmbedding {
			continue
		}
		cachedHash, err := cache.EmbeddingContentHash(ctx, id)
		if err != nil {
			return EnrichedDelta{}, fmt.Errorf("enrich: checking embedding cache for %q: %w", id, err)
		}
		if cachedHash != "" && cachedHash == b.ContentHash.String() {
			continue
		}
		candidates = append(candidates, b)
	}

	batchSize := e.Config.EmbeddingMaxBatch
	if batchSize <= 0 {
		batchSize = DefaultConfig().EmbeddingMaxBatch
	}
	retryCfg := defaultRetryConfig()
	if e.Config.RetryAttempts > 0 {
		retryCfg.MaxAttempts = e.Config.RetryAttempts
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		if len(batch) == 0 {
			continue
		}

		texts := make([]string, len(batch))
		for i, b := range batch {
			texts[i] = b.Content
		}

		var vectors [][]float32
		err := withRetry(ctx, retryCfg, func() error {
			v, embedErr := e.Embed.Embed(ctx, texts)
			if embedErr != nil {
				return Transient(embedErr)
			}
			vectors = v
			return nil
		})
		if err != nil {
			slog.Warn("enrich: batch embedding failed permanently", "batch_size", len(batch), "error", err)
			for _, b := range batch {
				delta.FailedBlocks[b.ID] = err
			}
			continue
		}
		if len(vectors) != len(batch) {
			err := fmt.Errorf("enrich: provider returned %d vectors for %d inputs", len(vectors), len(batch))
			for _, b := range batch {
				delta.FailedBlocks[b.ID] = err
			}
			continue
		}

		for i, b := range batch {
			delta.BlockEmbeddings = append(delta.BlockEmbeddings, BlockEmbedding{
				BlockID: b.ID, BlockHash: b.ContentHash, Vector: vectors[i],
			})
		}
	}

	delta.InferredMetadata = append(delta.InferredMetadata, graphstore.Property{
		Namespace: "core", Key: "block_count", ValueType: "number", Value: float64(len(note.Blocks)),
	})

	if e.Chat != nil && len(candidates) > 0 {
		relations, err := e.inferMentionRelations(ctx, note)
		if err != nil {
			slog.Warn("enrich: mention inference failed, continuing without it", "path", note.Path, "error", err)
		} else {
			delta.InferredRelations = relations
		}
	}

	return delta, nil
}

func wordCount(content string) int {
	return len(strings.Fields(content))
}
