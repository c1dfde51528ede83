package merkle

import "github.com/kilnwork/kiln/hash"

// HybridDiff is a struct of lists, not an iterator of events, because
// Phase 5 of the pipeline needs full visibility into what changed before it
// can decide between store_tree and update_incremental (spec.md §9).
type HybridDiff struct {
	ChangedSections        []int
	AddedSections          []int
	RemovedSections        []int
	PerSectionChangedBlocks map[int][]int // section index -> block indices within that section
}

// Empty reports whether the diff represents no structural change at all.
func (d HybridDiff) Empty() bool {
	return len(d.ChangedSections) == 0 && len(d.AddedSections) == 0 && len(d.RemovedSections) == 0
}

// SectionLoader materializes a full SectionNode on demand for a virtualized
// tree. MerkleStore implementations satisfy this during diff.
type SectionLoader interface {
	LoadSection(index int) (SectionNode, error)
}

// Diff compares two trees and reports the position-aligned structural
// difference (spec.md §4.3). The O(1) fast path applies when both root
// hashes match. Sections are aligned by position, not heading text, so a
// heading rename surfaces as "section changed" rather than
// "removed + added" — the per-section block diff then reveals exactly
// which blocks moved.
func Diff(a, b HybridMerkleTree, aLoader, bLoader SectionLoader) (HybridDiff, error) {
	if a.RootHash == b.RootHash {
		return HybridDiff{}, nil
	}

	diff := HybridDiff{PerSectionChangedBlocks: map[int][]int{}}

	countA, countB := a.SectionCount(), b.SectionCount()
	common := countA
	if countB < common {
		common = countB
	}

	for i := 0; i < common; i++ {
		hashA := sectionHashAt(a, i)
		hashB := sectionHashAt(b, i)
		if hashA == hashB {
			continue
		}
		diff.ChangedSections = append(diff.ChangedSections, i)

		secA, err := materializeSection(a, i, aLoader)
		if err != nil {
			return HybridDiff{}, err
		}
		secB, err := materializeSection(b, i, bLoader)
		if err != nil {
			return HybridDiff{}, err
		}
		diff.PerSectionChangedBlocks[i] = diffLeaves(secA.BinaryTree.LeafHashes, secB.BinaryTree.LeafHashes)
	}

	for i := common; i < countB; i++ {
		diff.AddedSections = append(diff.AddedSections, i)
	}
	for i := common; i < countA; i++ {
		diff.RemovedSections = append(diff.RemovedSections, i)
	}

	return diff, nil
}

func sectionHashAt(t HybridMerkleTree, i int) hash.NodeHash {
	if t.IsVirtualized {
		return t.VirtualSections[i].SectionHash
	}
	return t.Sections[i].SectionHash
}

func materializeSection(t HybridMerkleTree, i int, loader SectionLoader) (SectionNode, error) {
	if !t.IsVirtualized {
		return t.Sections[i], nil
	}
	if loader == nil {
		return SectionNode{}, ErrNoSectionLoader
	}
	return loader.LoadSection(i)
}

// diffLeaves returns the indices of leaves whose BlockHash differs between
// the two binary trees, comparing position-aligned with trailing leaves on
// the longer side reported as changed too (they are, by construction,
// additions/removals within the section).
func diffLeaves(a, b []hash.BlockHash) []int {
	var changed []int
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	for i := 0; i < max; i++ {
		var ha, hb hash.BlockHash
		if i < len(a) {
			ha = a[i]
		}
		if i < len(b) {
			hb = b[i]
		}
		if ha != hb {
			changed = append(changed, i)
		}
	}
	return changed
}
