// Package search implements C10: block-level semantic search over the
// embeddings enrich/ produced. Consumers only ever see this package's
// ranked Result contract; the underlying KNN query, query embedding, and
// optional re-ranking are not exposed. Per spec.md's Non-goal on
// full-text search as a first-class index, this is pure vector search
// with no FTS or graph-traversal fan-in.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/llm"
)

// Result is one ranked hit: a block, its similarity score, the note it
// belongs to, and a snippet extracted around the query terms.
type Result struct {
	BlockID  string  `json:"block_id"`
	NotePath string  `json:"note_path"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet"`
}

// Filters narrows a search to a subset of notes. A nil or zero-value
// Filters applies no restriction.
type Filters struct {
	// NotePathPrefix restricts results to notes whose path starts with
	// this prefix (e.g. "projects/").
	NotePathPrefix string
}

// Config controls retrieval breadth and deduplication.
type Config struct {
	// FanOut is the multiplier applied to k to get how many candidates are
	// retrieved from the vector index before filtering/deduplication
	// narrows down to k (spec.md §4.10:
	// "retrieve top-N (N > k)").
	FanOut int
	// DedupePerNote keeps only the single best-scoring block per note
	// when true.
	DedupePerNote bool
}

// DefaultConfig returns sensible defaults: a 4x fan-out, no per-note
// dedupe (callers doing note-level answers should opt in).
func DefaultConfig() Config {
	return Config{FanOut: 4, DedupePerNote: false}
}

// Engine embeds the query with the same provider used for indexing and
// retrieves top-k blocks by vector similarity.
type Engine struct {
	graph    *graphstore.Store
	embedder llm.Provider
	cfg      Config
}

// New creates a search Engine over an already-open graphstore, using
// embedder for query embedding (must be the same provider/model enrich
// used to index, or scores are meaningless).
func New(graph *graphstore.Store, embedder llm.Provider, cfg Config) *Engine {
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultConfig().FanOut
	}
	return &Engine{graph: graph, embedder: embedder, cfg: cfg}
}

// Search embeds query, retrieves the top fan-out*k blocks by vector
// distance (see graphstore.VectorSearch for the score), applies filters and optional per-note dedupe, and returns
// the best k ranked results with snippets.
func (e *Engine) Search(ctx context.Context, query string, k int, filters Filters) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("search: embedding query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("search: embedding provider returned an empty vector")
	}

	fanOut := k * e.cfg.FanOut
	if fanOut < k {
		fanOut = k
	}

	hits, err := e.graph.VectorSearch(ctx, embeddings[0], fanOut)
	if err != nil {
		return nil, fmt.Errorf("search: vector search: %w", err)
	}

	queryWords := significantWords(query)

	results := make([]Result, 0, len(hits))
	bestByNote := make(map[string]int) // note path -> index in results
	for _, hit := range hits {
		notePath := strings.TrimPrefix(hit.EntityID, "note:")
		if filters.NotePathPrefix != "" && !strings.HasPrefix(notePath, filters.NotePathPrefix) {
			continue
		}

		r := Result{
			BlockID:  hit.BlockID,
			NotePath: notePath,
			Score:    hit.Score,
			Snippet:  extractSnippet(hit.Content, hit.Kind, queryWords),
		}

		if e.cfg.DedupePerNote {
			if idx, ok := bestByNote[notePath]; ok {
				if r.Score > results[idx].Score {
					results[idx] = r
				}
				continue
			}
			bestByNote[notePath] = len(results)
		}

		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
