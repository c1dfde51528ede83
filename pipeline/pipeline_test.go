//go:build cgo

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/changestore"
	"github.com/kilnwork/kiln/enrich"
	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/llm"
	"github.com/kilnwork/kiln/merkle"
	"github.com/kilnwork/kiln/merklestore"
)

const testEmbeddingDim = 3

type stubProvider struct {
	calls int
}

func (s *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: `{"mentions":[]}`}, nil
}

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()

	changes, err := changestore.Open(filepath.Join(dir, "changes.db"))
	if err != nil {
		t.Fatalf("changestore.Open: %v", err)
	}
	t.Cleanup(func() { changes.Close() })

	trees, err := merklestore.Open(filepath.Join(dir, "trees.db"), 16)
	if err != nil {
		t.Fatalf("merklestore.Open: %v", err)
	}
	t.Cleanup(func() { trees.Close() })

	graph, err := graphstore.Open(filepath.Join(dir, "graph.db"), testEmbeddingDim)
	if err != nil {
		t.Fatalf("graphstore.Open: %v", err)
	}
	t.Cleanup(func() { graph.Close() })

	embed := &stubProvider{}
	enricher := enrich.NewEnricher(embed, embed, enrich.Config{MinWordsForEmbedding: 1, EmbeddingMaxBatch: 10, RetryAttempts: 1})

	engine := NewEngine(dir, block.NewMarkdownParser(), changes, trees, graph, enricher, merkle.DefaultVirtualizationConfig())
	return engine, dir
}

func writeNote(t *testing.T, dir, relPath, content string) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestProcessFileNewNotePersistsEverything(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Hello\n\nworld of notes\n")

	outcome := engine.ProcessFile(context.Background(), "a.md", false)
	if outcome.Kind != OutcomeProcessed {
		t.Fatalf("expected processed, got %+v", outcome)
	}
	if outcome.ChangedBlocks == 0 {
		t.Fatalf("expected changed blocks on first ingest, got 0")
	}

	entity, err := engine.Graph.GetEntity(context.Background(), "note:a.md")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity == nil {
		t.Fatal("expected entity to be persisted")
	}

	fs, err := engine.Changes.Get(context.Background(), "a.md")
	if err != nil {
		t.Fatalf("Changes.Get: %v", err)
	}
	if fs == nil {
		t.Fatal("expected FileState to be persisted last")
	}
}

func TestProcessFileUnchangedFileSkips(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Hello\n\nworld of notes\n")

	first := engine.ProcessFile(context.Background(), "a.md", false)
	if first.Kind != OutcomeProcessed {
		t.Fatalf("expected first run processed, got %+v", first)
	}

	second := engine.ProcessFile(context.Background(), "a.md", false)
	if second.Kind != OutcomeSkipped {
		t.Fatalf("expected second run on unchanged file to skip, got %+v", second)
	}
}

func TestProcessFileModifiedNoteReingests(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Hello\n\nworld of notes\n")

	if outcome := engine.ProcessFile(context.Background(), "a.md", false); outcome.Kind != OutcomeProcessed {
		t.Fatalf("expected processed, got %+v", outcome)
	}

	writeNote(t, dir, "a.md", "# Hello\n\na very different body entirely\n")
	outcome := engine.ProcessFile(context.Background(), "a.md", false)
	if outcome.Kind != OutcomeProcessed {
		t.Fatalf("expected re-ingest to process, got %+v", outcome)
	}
	if outcome.ChangedBlocks == 0 {
		t.Fatalf("expected at least one changed block after content edit")
	}
}

func TestProcessFileHeadingRenameStillReingestsWithoutDuplication(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Original\n\nbody text here\n")
	engine.ProcessFile(context.Background(), "a.md", false)

	writeNote(t, dir, "a.md", "# Renamed\n\nbody text here\n")
	outcome := engine.ProcessFile(context.Background(), "a.md", false)
	if outcome.Kind != OutcomeProcessed {
		t.Fatalf("expected heading rename to be processed, got %+v", outcome)
	}

	blocks, err := engine.Graph.QueryBlocks(context.Background(), "note:a.md")
	if err != nil {
		t.Fatalf("QueryBlocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected exactly 2 blocks (heading + paragraph), got %d", len(blocks))
	}
}

func TestProcessFileDeletionCascades(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Hello\n\nworld of notes\n")
	engine.ProcessFile(context.Background(), "a.md", false)

	if err := os.Remove(filepath.Join(dir, "a.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	outcome := engine.ProcessFile(context.Background(), "a.md", false)
	if outcome.Kind != OutcomeDeleted {
		t.Fatalf("expected deleted outcome, got %+v", outcome)
	}

	entity, err := engine.Graph.GetEntity(context.Background(), "note:a.md")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity == nil || entity.DeletedAt == nil {
		t.Fatal("expected entity to be soft-deleted, not absent and not live")
	}

	fs, err := engine.Changes.Get(context.Background(), "a.md")
	if err != nil {
		t.Fatalf("Changes.Get: %v", err)
	}
	if fs != nil {
		t.Fatal("expected FileState removed after deletion cascade")
	}
}

func TestProcessKilnDetectsNewAndDeletedFiles(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# A\n\nfirst note\n")
	writeNote(t, dir, "sub/b.md", "# B\n\nsecond note\n")

	metrics, err := engine.ProcessKiln(context.Background(), false)
	if err != nil {
		t.Fatalf("ProcessKiln: %v", err)
	}
	if metrics.FilesProcessed != 2 {
		t.Fatalf("expected 2 files processed, got %+v", metrics)
	}

	if err := os.Remove(filepath.Join(dir, "a.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	metrics, err = engine.ProcessKiln(context.Background(), false)
	if err != nil {
		t.Fatalf("ProcessKiln: %v", err)
	}
	if metrics.FilesDeleted != 1 {
		t.Fatalf("expected 1 file deleted, got %+v", metrics)
	}
	if metrics.FilesSkipped != 1 {
		t.Fatalf("expected the untouched remaining file to be skipped, got %+v", metrics)
	}
}

func TestProcessFileConcurrentSamePathIsSerialized(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Hello\n\nworld of notes\n")

	done := make(chan ProcessingOutcome, 2)
	go func() { done <- engine.ProcessFile(context.Background(), "a.md", false) }()
	go func() { done <- engine.ProcessFile(context.Background(), "a.md", false) }()

	first := <-done
	second := <-done
	if first.Kind == OutcomeFailed || second.Kind == OutcomeFailed {
		t.Fatalf("expected no failures from concurrent same-path calls, got %+v and %+v", first, second)
	}
}

func sectionedNote(n int, editSection int, editedText string) string {
	var b []byte
	for i := 0; i < n; i++ {
		body := "original body text"
		if i == editSection && editedText != "" {
			body = editedText
		}
		b = append(b, []byte("# Section "+string(rune('A'+i%26))+string(rune('0'+i/26))+"\n\n"+body+"\n\n")...)
	}
	return string(b)
}

func TestProcessFileVirtualizedNoteEditSingleSectionReportsOneChange(t *testing.T) {
	engine, dir := newTestEngine(t)
	engine.VirtualizationConfig = merkle.VirtualizationConfig{Threshold: 5}

	const sectionCount = 20
	writeNote(t, dir, "big.md", sectionedNote(sectionCount, -1, ""))

	first := engine.ProcessFile(context.Background(), "big.md", false)
	if first.Kind != OutcomeProcessed {
		t.Fatalf("expected first run processed, got %+v", first)
	}

	tree, err := engine.Trees.Get(context.Background(), "big.md")
	if err != nil {
		t.Fatalf("Trees.Get: %v", err)
	}
	if tree == nil || !tree.IsVirtualized {
		t.Fatalf("expected a virtualized tree, got %+v", tree)
	}

	writeNote(t, dir, "big.md", sectionedNote(sectionCount, 12, "a single edited paragraph"))
	second := engine.ProcessFile(context.Background(), "big.md", false)
	if second.Kind != OutcomeProcessed {
		t.Fatalf("expected second run processed, got %+v", second)
	}
	if second.ChangedBlocks != 1 {
		t.Fatalf("expected exactly 1 changed block after editing one paragraph in a virtualized note, got %d", second.ChangedBlocks)
	}
}

func TestStatusReflectsProcessedFiles(t *testing.T) {
	engine, dir := newTestEngine(t)
	writeNote(t, dir, "a.md", "# Hello\n\nworld of notes\n")
	engine.ProcessFile(context.Background(), "a.md", false)

	status, err := engine.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.TrackedFiles != 1 {
		t.Fatalf("expected 1 tracked file, got %d", status.TrackedFiles)
	}
	if status.EntityCount != 1 {
		t.Fatalf("expected 1 entity, got %d", status.EntityCount)
	}
}
