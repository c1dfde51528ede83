//go:build cgo

package graphstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kilnwork/kiln/block"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertEntityCreateThenUpdate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if id != "note:a.md" {
		t.Fatalf("expected id note:a.md, got %q", id)
	}

	e, err := s.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e.Version != 1 || e.ContentHash != "h1" {
		t.Fatalf("unexpected entity state: %+v", e)
	}

	if _, err := s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h2"}); err != nil {
		t.Fatalf("UpsertEntity (update): %v", err)
	}
	e2, err := s.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e2.Version != 2 || e2.ContentHash != "h2" {
		t.Fatalf("expected version bump and new hash, got %+v", e2)
	}
}

func TestReplacePropertiesScopedByNamespace(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})

	if err := s.ReplaceProperties(ctx, "note:a.md", "frontmatter", []Property{
		{Namespace: "frontmatter", Key: "title", ValueType: "text", Value: "A"},
	}); err != nil {
		t.Fatalf("ReplaceProperties frontmatter: %v", err)
	}
	if err := s.ReplaceProperties(ctx, "note:a.md", "user", []Property{
		{Namespace: "user", Key: "pinned", ValueType: "bool", Value: true},
	}); err != nil {
		t.Fatalf("ReplaceProperties user: %v", err)
	}

	// Re-ingest wipes only the frontmatter namespace.
	if err := s.ReplaceProperties(ctx, "note:a.md", "frontmatter", []Property{
		{Namespace: "frontmatter", Key: "title", ValueType: "text", Value: "A2"},
	}); err != nil {
		t.Fatalf("ReplaceProperties frontmatter (2nd): %v", err)
	}

	props, err := s.Properties(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("expected 2 properties (1 frontmatter + 1 user), got %d: %+v", len(props), props)
	}
	for _, p := range props {
		if p.Namespace == "frontmatter" && p.Value != "A2" {
			t.Fatalf("expected frontmatter.title to be replaced, got %v", p.Value)
		}
		if p.Namespace == "user" && p.Value != true {
			t.Fatalf("expected user namespace to survive untouched, got %v", p.Value)
		}
	}
}

func TestReplaceRelationsScopedBySource(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})

	if err := s.ReplaceRelations(ctx, "note:a.md", "parser", []Relation{
		{FromID: "note:a.md", ToID: "note:b.md", RelType: "wikilink", Directed: true, Source: "parser"},
	}); err != nil {
		t.Fatalf("ReplaceRelations: %v", err)
	}

	rels, err := s.Relations(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("Relations: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 relation, got %d", len(rels))
	}

	backlinks, err := s.Backlinks(ctx, "note:b.md")
	if err != nil {
		t.Fatalf("Backlinks: %v", err)
	}
	if len(backlinks) != 1 || backlinks[0].FromID != "note:a.md" {
		t.Fatalf("expected backlink from note:a.md, got %+v", backlinks)
	}

	// Wikilink removed: re-ingest with an empty parser-sourced relation set.
	if err := s.ReplaceRelations(ctx, "note:a.md", "parser", nil); err != nil {
		t.Fatalf("ReplaceRelations (empty): %v", err)
	}
	rels, err = s.Relations(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("Relations: %v", err)
	}
	if len(rels) != 0 {
		t.Fatalf("expected relation gone after re-ingest without it, got %+v", rels)
	}
}

func TestUpsertBlocksReplacesFullSet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})

	b1 := block.Block{ID: "blocks:note:a.md:h0", Kind: block.KindHeading, Content: "H1"}
	b2 := block.Block{ID: "blocks:note:a.md:p0", Kind: block.KindParagraph, Content: "hello"}
	if err := s.UpsertBlocks(ctx, "note:a.md", []block.Block{b1, b2}); err != nil {
		t.Fatalf("UpsertBlocks: %v", err)
	}

	blocks, err := s.QueryBlocks(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("QueryBlocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}

	// Re-ingest with only one block: the other must be gone, not merely stale.
	if err := s.UpsertBlocks(ctx, "note:a.md", []block.Block{b1}); err != nil {
		t.Fatalf("UpsertBlocks (shrink): %v", err)
	}
	blocks, err = s.QueryBlocks(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("QueryBlocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block after shrink, got %d", len(blocks))
	}
}

func TestDeleteEntityCascades(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})
	s.UpsertBlocks(ctx, "note:a.md", []block.Block{{ID: "blocks:note:a.md:h0", Kind: block.KindHeading, Content: "H1"}})
	s.ReplaceProperties(ctx, "note:a.md", "frontmatter", []Property{{Namespace: "frontmatter", Key: "title", ValueType: "text", Value: "A"}})
	s.ReplaceRelations(ctx, "note:a.md", "parser", []Relation{{FromID: "note:a.md", ToID: "note:b.md", RelType: "wikilink", Source: "parser"}})

	if err := s.DeleteEntity(ctx, "note:a.md"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	e, err := s.GetEntity(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e == nil || e.DeletedAt == nil {
		t.Fatalf("expected entity row to survive with deleted_at set, got %+v", e)
	}

	blocks, err := s.QueryBlocks(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("QueryBlocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected blocks gone after delete_entity, got %d", len(blocks))
	}

	props, err := s.Properties(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("expected properties gone after delete_entity, got %d", len(props))
	}

	rels, err := s.Relations(ctx, "note:a.md")
	if err != nil {
		t.Fatalf("Relations: %v", err)
	}
	if len(rels) != 0 {
		t.Fatalf("expected relations gone after delete_entity, got %d", len(rels))
	}
}

func TestEmbeddingCacheKeyCheck(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})
	s.UpsertBlocks(ctx, "note:a.md", []block.Block{{ID: "blocks:note:a.md:p0", Kind: block.KindParagraph, Content: "hello"}})

	hash, err := s.EmbeddingContentHash(ctx, "blocks:note:a.md:p0")
	if err != nil {
		t.Fatalf("EmbeddingContentHash: %v", err)
	}
	if hash != "" {
		t.Fatalf("expected no embedding recorded yet, got %q", hash)
	}

	vec := make([]float32, 8)
	if err := s.PutEmbedding(ctx, Embedding{
		BlockID: "blocks:note:a.md:p0", Vector: vec, Dimensions: 8,
		Model: "test-model", ModelVersion: "v1", ContentUsedHash: "contenthash1",
	}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	hash, err = s.EmbeddingContentHash(ctx, "blocks:note:a.md:p0")
	if err != nil {
		t.Fatalf("EmbeddingContentHash: %v", err)
	}
	if hash != "contenthash1" {
		t.Fatalf("expected contenthash1, got %q", hash)
	}
}

func TestVectorSearchReturnsNearest(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, EntityDescriptor{ID: "note:a.md", Type: "note", ContentHash: "h1"})
	s.UpsertBlocks(ctx, "note:a.md", []block.Block{
		{ID: "blocks:note:a.md:p0", Kind: block.KindParagraph, Content: "hello world"},
		{ID: "blocks:note:a.md:p1", Kind: block.KindParagraph, Content: "goodbye world"},
	})

	near := make([]float32, 8)
	near[0] = 1.0
	far := make([]float32, 8)
	far[7] = 1.0

	if err := s.PutEmbedding(ctx, Embedding{BlockID: "blocks:note:a.md:p0", Vector: near, Dimensions: 8, Model: "m", ModelVersion: "v1", ContentUsedHash: "h"}); err != nil {
		t.Fatalf("PutEmbedding p0: %v", err)
	}
	if err := s.PutEmbedding(ctx, Embedding{BlockID: "blocks:note:a.md:p1", Vector: far, Dimensions: 8, Model: "m", ModelVersion: "v1", ContentUsedHash: "h"}); err != nil {
		t.Fatalf("PutEmbedding p1: %v", err)
	}

	results, err := s.VectorSearch(ctx, near, 1)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(results) != 1 || results[0].BlockID != "blocks:note:a.md:p0" {
		t.Fatalf("expected nearest block p0, got %+v", results)
	}
}
