//go:build cgo

package merklestore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/hash"
	"github.com/kilnwork/kiln/merkle"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "merkle.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkBlock(id string, kind block.Kind, content string, parent string, depth int, level int) block.Block {
	normalized := hash.Normalize(content)
	return block.Block{
		ID: id, Kind: kind, Content: normalized, ParentID: parent,
		Depth: depth, HeadingLevel: level, ContentHash: hash.HashBlockContent(normalized),
	}
}

func sampleNote() *block.ParsedNote {
	h1 := mkBlock("h0", block.KindHeading, "H1", "", 0, 1)
	p1 := mkBlock("p0", block.KindParagraph, "hello world", h1.ID, 1, 0)
	return &block.ParsedNote{Path: "a.md", Blocks: []block.Block{h1, p1}}
}

func TestSanitizeKeyRejectsTooLong(t *testing.T) {
	if _, err := SanitizeKey(strings.Repeat("a", MaxKeyLength+1)); err == nil {
		t.Fatal("expected error for overlong key")
	}
}

func TestSanitizeKeyRejectsControlChars(t *testing.T) {
	if _, err := SanitizeKey("notes/a\x01b.md"); err == nil {
		t.Fatal("expected error for control character")
	}
}

func TestSanitizeKeyRejectsQuotesAndSemicolons(t *testing.T) {
	for _, bad := range []string{"a';DROP", `a"b`, "a;b", `a\b`} {
		if _, err := SanitizeKey(bad); err == nil {
			t.Fatalf("expected error for key %q", bad)
		}
	}
}

func TestSanitizeKeyRejectsEmpty(t *testing.T) {
	if _, err := SanitizeKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestPutGetRoundTripMaterialized(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	note := sampleNote()
	tree := merkle.FromParsedNote(note, nil)
	if err := s.Put(ctx, "a.md", tree, merkle.NewNoteSectionLoader(note)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "a.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a tree, got nil")
	}
	if got.RootHash != tree.RootHash {
		t.Fatalf("root hash mismatch: got %v want %v", got.RootHash, tree.RootHash)
	}
	if len(got.Sections) != len(tree.Sections) {
		t.Fatalf("expected %d sections, got %d", len(tree.Sections), len(got.Sections))
	}
	if got.Sections[0].BinaryTree.RootHash != tree.Sections[0].BinaryTree.RootHash {
		t.Fatal("section binary tree root hash did not round-trip")
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := openTest(t)
	got, err := s.Get(context.Background(), "missing.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}
}

func TestLoadSectionForVirtualizedTree(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var blocks []block.Block
	for i := 0; i < 150; i++ {
		h := mkBlock(blockID(i, "h"), block.KindHeading, "Section", "", 0, 1)
		p := mkBlock(blockID(i, "p"), block.KindParagraph, "content", h.ID, 1, 0)
		blocks = append(blocks, h, p)
	}
	note := &block.ParsedNote{Path: "big.md", Blocks: blocks}
	tree := merkle.FromParsedNote(note, nil)
	if !tree.IsVirtualized {
		t.Fatal("expected test fixture to virtualize")
	}

	if err := s.Put(ctx, "big.md", tree, merkle.NewNoteSectionLoader(note)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	loader := s.LoadSectionFor(ctx, "big.md")
	section, err := loader.LoadSection(10)
	if err != nil {
		t.Fatalf("LoadSection: %v", err)
	}
	if section.SectionHash != tree.VirtualSections[10].SectionHash {
		t.Fatal("loaded section hash does not match virtual summary")
	}
	if len(section.BinaryTree.LeafHashes) != 2 {
		t.Fatalf("expected 2 real leaf hashes persisted for virtualized section, got %d", len(section.BinaryTree.LeafHashes))
	}
	if section.BlockRange.End-section.BlockRange.Start != 2 {
		t.Fatalf("expected block range of width 2, got %d", section.BlockRange.End-section.BlockRange.Start)
	}
}

func TestUpdateIncrementalRejectsOutOfBoundsIndex(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	note := sampleNote()
	tree := merkle.FromParsedNote(note, nil)
	if err := s.Put(ctx, "a.md", tree, merkle.NewNoteSectionLoader(note)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	diff := merkle.HybridDiff{ChangedSections: []int{5}}
	if err := s.UpdateIncremental(ctx, "a.md", tree, diff, merkle.NewNoteSectionLoader(note)); err == nil {
		t.Fatal("expected error for out-of-bounds section index")
	}
}

func TestDeleteRemovesTreeAndSections(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	note := sampleNote()
	tree := merkle.FromParsedNote(note, nil)
	if err := s.Put(ctx, "a.md", tree, merkle.NewNoteSectionLoader(note)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.Get(ctx, "a.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func blockID(i int, kind string) string {
	return kind + string(rune('0'+i%10)) + string(rune('a'+i/10))
}
