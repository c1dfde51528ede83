package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/hash"
	"github.com/kilnwork/kiln/llm"
)

type fakeProvider struct {
	embedCalls  int
	embedFn     func(texts []string) ([][]float32, error)
	chatContent string
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: f.chatContent}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.embedCalls++
	if f.embedFn != nil {
		return f.embedFn(texts)
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 2, 3}
	}
	return vectors, nil
}

type fakeCache struct {
	hashes map[string]string
}

func (c *fakeCache) EmbeddingContentHash(ctx context.Context, blockID string) (string, error) {
	return c.hashes[blockID], nil
}

func mkBlock(id string, content string) block.Block {
	normalized := hash.Normalize(content)
	return block.Block{ID: id, Kind: block.KindParagraph, Content: normalized, ContentHash: hash.HashBlockContent(normalized)}
}

func TestEnrichSkipsBlocksBelowMinWordCount(t *testing.T) {
	embed := &fakeProvider{}
	e := NewEnricher(embed, nil, Config{MinWordsForEmbedding: 3, EmbeddingMaxBatch: 10, RetryAttempts: 1})

	short := mkBlock("p0", "hi")
	note := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{short}}
	cache := &fakeCache{hashes: map[string]string{}}

	delta, err := e.EnrichWithTree(context.Background(), note, []string{"p0"}, cache)
	if err != nil {
		t.Fatalf("EnrichWithTree: %v", err)
	}
	if len(delta.BlockEmbeddings) != 0 {
		t.Fatalf("expected no embeddings for a below-threshold block, got %d", len(delta.BlockEmbeddings))
	}
	if embed.embedCalls != 0 {
		t.Fatalf("expected zero embed calls, got %d", embed.embedCalls)
	}
}

func TestEnrichSkipsCachedUnchangedBlock(t *testing.T) {
	embed := &fakeProvider{}
	e := NewEnricher(embed, nil, Config{MinWordsForEmbedding: 1, EmbeddingMaxBatch: 10, RetryAttempts: 1})

	b := mkBlock("p0", "hello world")
	note := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{b}}
	cache := &fakeCache{hashes: map[string]string{"p0": b.ContentHash.String()}}

	delta, err := e.EnrichWithTree(context.Background(), note, []string{"p0"}, cache)
	if err != nil {
		t.Fatalf("EnrichWithTree: %v", err)
	}
	if len(delta.BlockEmbeddings) != 0 || embed.embedCalls != 0 {
		t.Fatalf("expected cached block to be skipped entirely, got %d embeddings / %d calls", len(delta.BlockEmbeddings), embed.embedCalls)
	}
}

func TestEnrichEmbedsChangedUncachedBlock(t *testing.T) {
	embed := &fakeProvider{}
	e := NewEnricher(embed, nil, Config{MinWordsForEmbedding: 1, EmbeddingMaxBatch: 10, RetryAttempts: 1})

	b := mkBlock("p0", "hello world")
	note := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{b}}
	cache := &fakeCache{hashes: map[string]string{"p0": "stale-hash"}}

	delta, err := e.EnrichWithTree(context.Background(), note, []string{"p0"}, cache)
	if err != nil {
		t.Fatalf("EnrichWithTree: %v", err)
	}
	if len(delta.BlockEmbeddings) != 1 {
		t.Fatalf("expected 1 embedding, got %d", len(delta.BlockEmbeddings))
	}
	if delta.BlockEmbeddings[0].BlockID != "p0" {
		t.Fatalf("unexpected block id %q", delta.BlockEmbeddings[0].BlockID)
	}
}

func TestEnrichRecordsPermanentFailurePerBlockAndContinues(t *testing.T) {
	embed := &fakeProvider{embedFn: func(texts []string) ([][]float32, error) {
		return nil, errors.New("boom")
	}}
	e := NewEnricher(embed, nil, Config{MinWordsForEmbedding: 1, EmbeddingMaxBatch: 1, RetryAttempts: 1})

	b1 := mkBlock("p0", "hello world")
	b2 := mkBlock("p1", "goodbye world")
	note := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{b1, b2}}
	cache := &fakeCache{hashes: map[string]string{}}

	delta, err := e.EnrichWithTree(context.Background(), note, []string{"p0", "p1"}, cache)
	if err != nil {
		t.Fatalf("EnrichWithTree must not fail the whole file on a permanent per-block error: %v", err)
	}
	if len(delta.FailedBlocks) != 2 {
		t.Fatalf("expected both blocks recorded as failed, got %d", len(delta.FailedBlocks))
	}
	if len(delta.BlockEmbeddings) != 0 {
		t.Fatalf("expected zero successful embeddings, got %d", len(delta.BlockEmbeddings))
	}
}

func TestEnrichEmptyCandidateSetMakesNoEmbedCall(t *testing.T) {
	embed := &fakeProvider{}
	e := NewEnricher(embed, nil, Config{MinWordsForEmbedding: 1, EmbeddingMaxBatch: 10, RetryAttempts: 1})

	note := &block.ParsedNote{Path: "a.md"}
	cache := &fakeCache{hashes: map[string]string{}}

	if _, err := e.EnrichWithTree(context.Background(), note, nil, cache); err != nil {
		t.Fatalf("EnrichWithTree: %v", err)
	}
	if embed.embedCalls != 0 {
		t.Fatalf("expected no embed call for empty batch, got %d", embed.embedCalls)
	}
}
