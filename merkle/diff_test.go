package merkle

import (
	"testing"

	"github.com/kilnwork/kiln/block"
)

func TestDiffFastPathEmptyWhenRootsMatch(t *testing.T) {
	note := simpleNote()
	a := FromParsedNote(note, nil)
	b := FromParsedNote(note, nil)

	diff, err := Diff(a, b, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty diff for identical trees, got %+v", diff)
	}
}

func TestDiffDetectsBlockChangeWithinSection(t *testing.T) {
	noteA := simpleNote()
	a := FromParsedNote(noteA, nil)

	h1 := mkBlock("h0", block.KindHeading, "H1", "", 0, 1)
	p1 := mkBlock("p0", block.KindParagraph, "goodbye world", h1.ID, 1, 0)
	noteB := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{h1, p1}}
	b := FromParsedNote(noteB, nil)

	diff, err := Diff(a, b, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.ChangedSections) != 1 || diff.ChangedSections[0] != 0 {
		t.Fatalf("expected section 0 changed, got %+v", diff.ChangedSections)
	}
	if changed := diff.PerSectionChangedBlocks[0]; len(changed) != 1 || changed[0] != 1 {
		t.Fatalf("expected only the paragraph (leaf index 1) to have changed, got %+v", changed)
	}
}

func TestDiffHeadingRenameIsSectionChangeNotAddRemove(t *testing.T) {
	noteA := simpleNote()
	a := FromParsedNote(noteA, nil)

	h1 := mkBlock("h0", block.KindHeading, "Renamed", "", 0, 1)
	p1 := mkBlock("p0", block.KindParagraph, "hello world", h1.ID, 1, 0)
	noteB := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{h1, p1}}
	b := FromParsedNote(noteB, nil)

	diff, err := Diff(a, b, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.AddedSections) != 0 || len(diff.RemovedSections) != 0 {
		t.Fatalf("heading rename must not be reported as add+remove, got %+v", diff)
	}
	if len(diff.ChangedSections) != 1 {
		t.Fatalf("expected exactly one changed section for a heading rename, got %+v", diff.ChangedSections)
	}
	// The heading block is leaf 0 of its section, so renaming it changes
	// that leaf's hash; the paragraph's leaf (index 1) is unchanged.
	if changed := diff.PerSectionChangedBlocks[0]; len(changed) != 1 || changed[0] != 0 {
		t.Fatalf("expected only the heading (leaf index 0) to have changed, got %+v", changed)
	}
}

func TestDiffAddedSection(t *testing.T) {
	noteA := simpleNote()
	a := FromParsedNote(noteA, nil)

	h1 := mkBlock("h0", block.KindHeading, "H1", "", 0, 1)
	p1 := mkBlock("p0", block.KindParagraph, "hello world", h1.ID, 1, 0)
	h2 := mkBlock("h1", block.KindHeading, "H2", "", 0, 1)
	p2 := mkBlock("p1", block.KindParagraph, "second section", h2.ID, 1, 0)
	noteB := &block.ParsedNote{Path: "a.md", Blocks: []block.Block{h1, p1, h2, p2}}
	b := FromParsedNote(noteB, nil)

	diff, err := Diff(a, b, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.AddedSections) != 1 || diff.AddedSections[0] != 1 {
		t.Fatalf("expected section 1 added, got %+v", diff.AddedSections)
	}
	if len(diff.ChangedSections) != 0 {
		t.Fatalf("unchanged leading section must not be reported as changed, got %+v", diff.ChangedSections)
	}
}

func TestDiffVirtualizationTransparency(t *testing.T) {
	makeBig := func(paragraphText string) *block.ParsedNote {
		var blocks []block.Block
		for i := 0; i < 150; i++ {
			h := mkBlock(blockID(i, "h"), block.KindHeading, "Section", "", 0, 1)
			text := "content"
			if i == 100 {
				text = paragraphText
			}
			p := mkBlock(blockID(i, "p"), block.KindParagraph, text, h.ID, 1, 0)
			blocks = append(blocks, h, p)
		}
		return &block.ParsedNote{Path: "big.md", Blocks: blocks}
	}

	a := FromParsedNote(makeBig("content"), nil)
	b := FromParsedNote(makeBig("changed"), nil)

	loaderA := &fakeLoader{tree: a, note: makeBig("content")}
	loaderB := &fakeLoader{tree: b, note: makeBig("changed")}

	diff, err := Diff(a, b, loaderA, loaderB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.ChangedSections) != 1 || diff.ChangedSections[0] != 100 {
		t.Fatalf("expected exactly section 100 changed, got %+v", diff.ChangedSections)
	}
}

// fakeLoader materializes sections for a virtualized tree by recomputing
// them from the original note, standing in for a real MerkleStore-backed
// loader in tests.
type fakeLoader struct {
	tree HybridMerkleTree
	note *block.ParsedNote
}

func (f *fakeLoader) LoadSection(index int) (SectionNode, error) {
	full := FromParsedNote(f.note, &VirtualizationConfig{Threshold: 1 << 30})
	return full.Sections[index], nil
}
