// Package merkle implements the hybrid Merkle tree described in spec.md
// §4.3: an n-ary grouping by section over a binary tree of block hashes
// within each section, with virtualization for large documents and a
// position-aligned diff algorithm.
package merkle

import (
	"fmt"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/hash"
)

// DefaultVirtualizationThreshold is the section count above which a tree
// virtualizes its section nodes (spec.md §4.3).
const DefaultVirtualizationThreshold = 100

// HeadingSummary identifies a section by its opening heading.
type HeadingSummary struct {
	Level       int
	PrimaryText string
}

// BlockRange is the half-open [Start, End) index range into the note's
// block slice that a section spans.
type BlockRange struct {
	Start int
	End   int
}

// BinaryTree is the block-level binary tree within one section.
type BinaryTree struct {
	RootHash  hash.NodeHash
	LeafHashes []hash.BlockHash
}

// SectionNode is the mid-level node of the hybrid tree: one per top-level
// heading scope (or the leading pre-heading section).
type SectionNode struct {
	Heading     HeadingSummary
	BlockRange  BlockRange
	BinaryTree  BinaryTree
	SectionHash hash.NodeHash
}

// VirtualSection is the lightweight summary kept in memory once a tree
// virtualizes; the full SectionNode is loaded from a MerkleStore on demand.
type VirtualSection struct {
	Heading     HeadingSummary
	SectionHash hash.NodeHash
	BlockCount  int
}

// HybridMerkleTree is a value type: no interior mutation. No lock wraps a
// tree; concurrent processing of the same note is serialized by the
// pipeline's per-path mutex (see pipeline.Engine.pathLock), never by
// aliased mutation of a tree itself.
type HybridMerkleTree struct {
	RootHash        hash.NodeHash
	Sections        []SectionNode // nil when IsVirtualized
	VirtualSections []VirtualSection
	TotalBlocks     int
	IsVirtualized   bool
}

// VirtualizationConfig controls when a tree switches to the virtualized
// representation.
type VirtualizationConfig struct {
	Threshold int
}

// DefaultVirtualizationConfig returns the spec's default threshold.
func DefaultVirtualizationConfig() VirtualizationConfig {
	return VirtualizationConfig{Threshold: DefaultVirtualizationThreshold}
}

// SectionCount returns the number of sections regardless of virtualization.
func (t HybridMerkleTree) SectionCount() int {
	if t.IsVirtualized {
		return len(t.VirtualSections)
	}
	return len(t.Sections)
}

// RealSectionCount returns the number of fully materialized SectionNodes
// currently held in memory (0 when virtualized and nothing has been loaded
// on demand yet).
func (t HybridMerkleTree) RealSectionCount() int {
	return len(t.Sections)
}

// sectionHashOf computes section_hash = combine(heading_hash, binary_tree.root_hash).
func sectionHashOf(h HeadingSummary, binRoot hash.NodeHash) hash.NodeHash {
	headingHash := hash.CombineLeaf(hash.HashBlockContent(hash.Normalize(h.PrimaryText)))
	return hash.Combine(headingHash, binRoot)
}

// buildBinaryTree folds leaf BlockHashes into a NodeHash root via
// CombineMany over their leaf-combined forms.
func buildBinaryTree(leaves []hash.BlockHash) BinaryTree {
	nodeLeaves := make([]hash.NodeHash, len(leaves))
	for i, l := range leaves {
		nodeLeaves[i] = hash.CombineLeaf(l)
	}
	return BinaryTree{RootHash: hash.CombineMany(nodeLeaves), LeafHashes: leaves}
}

// FromParsedNote builds a HybridMerkleTree from a parsed note's block
// sequence. Sections are carved at each heading boundary (content before
// the first heading becomes an implicit section with an empty heading
// summary). VirtualizationConfig is optional; a nil cfg uses the default
// threshold.
func FromParsedNote(note *block.ParsedNote, cfg *VirtualizationConfig) HybridMerkleTree {
	threshold := DefaultVirtualizationThreshold
	if cfg != nil {
		threshold = cfg.Threshold
	}

	sections := carveSections(note.Blocks)

	sectionHashes := make([]hash.NodeHash, len(sections))
	for i, s := range sections {
		sectionHashes[i] = s.SectionHash
	}

	tree := HybridMerkleTree{
		RootHash:    hash.CombineMany(sectionHashes),
		TotalBlocks: len(note.Blocks),
	}

	if len(sections) > threshold {
		tree.IsVirtualized = true
		tree.VirtualSections = make([]VirtualSection, len(sections))
		for i, s := range sections {
			tree.VirtualSections[i] = VirtualSection{
				Heading:     s.Heading,
				SectionHash: s.SectionHash,
				BlockCount:  s.BlockRange.End - s.BlockRange.Start,
			}
		}
	} else {
		tree.Sections = sections
	}

	return tree
}

// carveSections groups blocks into sections at every depth-0 heading
// boundary (only top-level headings start a new section; subordinate
// headings stay within their enclosing section, matching spec.md's
// section/heading glossary: "span from a top-level heading through all
// content until the next equal-or-shallower heading").
func carveSections(blocks []block.Block) []SectionNode {
	if len(blocks) == 0 {
		return nil
	}

	var boundaries []int
	for i, b := range blocks {
		if b.Kind == block.KindHeading && b.Depth == 0 {
			boundaries = append(boundaries, i)
		}
	}

	var sections []SectionNode
	addSection := func(start, end int, heading HeadingSummary) {
		if end <= start {
			return
		}
		leaves := make([]hash.BlockHash, end-start)
		for i := start; i < end; i++ {
			leaves[i-start] = blocks[i].ContentHash
		}
		bt := buildBinaryTree(leaves)
		sections = append(sections, SectionNode{
			Heading:     heading,
			BlockRange:  BlockRange{Start: start, End: end},
			BinaryTree:  bt,
			SectionHash: sectionHashOf(heading, bt.RootHash),
		})
	}

	if len(boundaries) == 0 || boundaries[0] != 0 {
		end := len(blocks)
		if len(boundaries) > 0 {
			end = boundaries[0]
		}
		addSection(0, end, HeadingSummary{})
	}

	for i, start := range boundaries {
		end := len(blocks)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		addSection(start, end, HeadingSummary{
			Level:       blocks[start].HeadingLevel,
			PrimaryText: blocks[start].Content,
		})
	}

	return sections
}

// NoteSectionLoader satisfies SectionLoader over an in-memory ParsedNote by
// rebuilding its full section structure with virtualization disabled on
// demand. It gives a caller holding only a note, no round trip through a
// MerkleStore, access to real per-block leaf hashes for a section whether
// or not the note's own tree virtualized. Both Diff's new-tree side and a
// MerkleStore write path that must persist real leaf data for a
// virtualized section use it for exactly that reason.
type NoteSectionLoader struct {
	note *block.ParsedNote
}

// NewNoteSectionLoader wraps note for on-demand section materialization.
func NewNoteSectionLoader(note *block.ParsedNote) *NoteSectionLoader {
	return &NoteSectionLoader{note: note}
}

func (l *NoteSectionLoader) LoadSection(index int) (SectionNode, error) {
	full := FromParsedNote(l.note, &VirtualizationConfig{Threshold: 1 << 30})
	if index < 0 || index >= len(full.Sections) {
		return SectionNode{}, fmt.Errorf("merkle: section index %d out of range", index)
	}
	return full.Sections[index], nil
}
