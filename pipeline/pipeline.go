// Package pipeline implements the five-phase per-file ingestion state
// machine (quick filter, parse, Merkle diff, enrich, persist) that turns a
// single file-system change into persisted, enriched, block-addressed
// state, and the full-kiln scan that drives it across every file.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/changestore"
	"github.com/kilnwork/kiln/enrich"
	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/hash"
	"github.com/kilnwork/kiln/merkle"
	"github.com/kilnwork/kiln/merklestore"
)

// Engine composes the storage traits and capabilities into the per-file
// state machine. One Engine owns exclusive write access to its stores,
// matching the single-writer-per-kiln discipline.
type Engine struct {
	Root    string
	Parser  block.Parser
	Changes *changestore.Store
	Trees   *merklestore.Store
	Graph   *graphstore.Store
	Enrich  *enrich.Enricher

	VirtualizationConfig merkle.VirtualizationConfig

	events chan ProcessingOutcome

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine wires an Engine from already-open stores and capabilities. The
// caller owns the lifetime of root and the stores; Engine has no Close
// method and never closes them (the facade that constructs them owns that).
func NewEngine(root string, parser block.Parser, changes *changestore.Store, trees *merklestore.Store, graph *graphstore.Store, enricher *enrich.Enricher, vcfg merkle.VirtualizationConfig) *Engine {
	return &Engine{
		Root: root, Parser: parser, Changes: changes, Trees: trees, Graph: graph, Enrich: enricher,
		VirtualizationConfig: vcfg,
		events:               make(chan ProcessingOutcome, 256),
		locks:                make(map[string]*sync.Mutex),
	}
}

// Events returns the channel subscribe_events() exposes to consumers. The
// channel is never closed by the Engine; callers stop reading when they
// choose to.
func (e *Engine) Events() <-chan ProcessingOutcome {
	return e.events
}

func (e *Engine) emit(o ProcessingOutcome) {
	select {
	case e.events <- o:
	default:
		slog.Warn("pipeline: event channel full, dropping outcome", "path", o.Path, "kind", o.Kind)
	}
}

// pathLock serializes concurrent ProcessFile calls on the same path so a
// rapid modify-modify sequence cannot interleave mid-phase (spec.md §5).
func (e *Engine) pathLock(path string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[path]
	if !ok {
		m = &sync.Mutex{}
		e.locks[path] = m
	}
	return m
}

// ProcessFile runs the five-phase pipeline for one kiln-relative path. A
// missing file is treated as a deletion. force bypasses Phase 1's
// short-circuit.
func (e *Engine) ProcessFile(ctx context.Context, relPath string, force bool) ProcessingOutcome {
	lock := e.pathLock(relPath)
	lock.Lock()
	defer lock.Unlock()

	outcome := e.processFileLocked(ctx, relPath, force)
	e.emit(outcome)
	return outcome
}

func (e *Engine) processFileLocked(ctx context.Context, relPath string, force bool) ProcessingOutcome {
	absPath := filepath.Join(e.Root, relPath)

	info, statErr := os.Stat(absPath)
	if os.IsNotExist(statErr) {
		if err := e.deleteFile(ctx, relPath); err != nil {
			return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhasePersist, err)}
		}
		return ProcessingOutcome{Path: relPath, Kind: OutcomeDeleted}
	}
	if statErr != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseQuickFilter, statErr)}
	}

	// Phase 1: quick filter. mtime+size alone decide whether the file is
	// worth opening at all; the content hash (which requires a full read)
	// is only computed when they disagree with the recorded FileState, or
	// when force bypasses the shortcut entirely.
	prior, err := e.Changes.Get(ctx, relPath)
	if err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseQuickFilter, err)}
	}

	candidate := changestore.FileState{Path: relPath, ModifiedAt: info.ModTime(), Size: info.Size()}
	if !force && prior != nil && prior.ModifiedAt.Equal(candidate.ModifiedAt) && prior.Size == candidate.Size {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeSkipped}
	}

	fileHash, err := streamFileHash(absPath)
	if err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseQuickFilter, err)}
	}
	fresh := changestore.FileState{Path: relPath, ModifiedAt: info.ModTime(), Size: info.Size(), ContentHash: fileHash.String()}

	if !force && prior != nil && prior.ContentHash == fresh.ContentHash {
		if err := e.Changes.Put(ctx, fresh); err != nil {
			return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseQuickFilter, err)}
		}
		return ProcessingOutcome{Path: relPath, Kind: OutcomeSkipped}
	}

	// Phase 2: parse.
	data, err := os.ReadFile(absPath)
	if err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseParse, err)}
	}
	parsed, err := e.Parser.Parse(ctx, relPath, data)
	if err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseParse, err)}
	}

	// Phase 3: Merkle diff.
	newTree := merkle.FromParsedNote(parsed, &e.VirtualizationConfig)

	entityID := entityIDForPath(relPath)
	oldTree, err := e.Trees.Get(ctx, relPath)
	if err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseDiff, err)}
	}

	noteLoader := merkle.NewNoteSectionLoader(parsed)

	var diff merkle.HybridDiff
	if oldTree == nil {
		diff = allAddedDiff(newTree)
	} else {
		loaderOld := e.Trees.LoadSectionFor(ctx, relPath)
		diff, err = merkle.Diff(*oldTree, newTree, loaderOld, noteLoader)
		if err != nil {
			return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseDiff, err)}
		}
	}

	changedBlockIDs := changedBlockIDs(parsed, newTree, diff)

	// A raw-byte change (whitespace, line endings) that normalizes away to
	// no structural difference still needs FileState refreshed so the next
	// run's mtime+size shortcut applies, but nothing else in Phase 5 runs.
	if diff.Empty() && oldTree != nil {
		if err := e.Changes.Put(ctx, fresh); err != nil {
			return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhasePersist, err)}
		}
		return ProcessingOutcome{Path: relPath, Kind: OutcomeSkipped}
	}

	// Phase 4: enrich.
	delta, err := e.Enrich.EnrichWithTree(ctx, parsed, changedBlockIDs, e.Graph)
	if err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhaseEnrich, err)}
	}

	// Phase 5: persist.
	if err := e.persist(ctx, entityID, relPath, parsed, newTree, oldTree, diff, delta, noteLoader); err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhasePersist, err)}
	}
	if err := e.Changes.Put(ctx, fresh); err != nil {
		return ProcessingOutcome{Path: relPath, Kind: OutcomeFailed, Err: phaseErr(PhasePersist, err)}
	}

	return ProcessingOutcome{
		Path: relPath, Kind: OutcomeProcessed,
		ChangedBlocks: len(changedBlockIDs), Embeddings: len(delta.BlockEmbeddings),
	}
}

// persist implements Phase 5's seven ordered sub-steps, FileState is
// written by the caller afterward so it is always last. noteLoader
// materializes real per-block data for newTree's sections when it
// virtualized, so a virtualized note's store rows never lose leaf hashes.
func (e *Engine) persist(ctx context.Context, entityID, relPath string, parsed *block.ParsedNote, newTree merkle.HybridMerkleTree, oldTree *merkle.HybridMerkleTree, diff merkle.HybridDiff, delta enrich.EnrichedDelta, noteLoader merkle.SectionLoader) error {
	contentHash := newTree.RootHash.String()

	if _, err := e.Graph.UpsertEntity(ctx, graphstore.EntityDescriptor{
		ID: entityID, Type: "note", ContentHash: contentHash,
	}); err != nil {
		return fmt.Errorf("upsert_entity: %w", err)
	}

	if err := e.Graph.UpsertBlocks(ctx, entityID, parsed.Blocks); err != nil {
		return fmt.Errorf("upsert_blocks: %w", err)
	}

	if err := e.Graph.ReplaceProperties(ctx, entityID, "frontmatter", frontmatterProperties(parsed.Frontmatter)); err != nil {
		return fmt.Errorf("replace_properties frontmatter: %w", err)
	}
	if err := e.Graph.ReplaceProperties(ctx, entityID, "merkle", merkleProperties(newTree)); err != nil {
		return fmt.Errorf("replace_properties merkle: %w", err)
	}
	if err := e.Graph.ReplaceProperties(ctx, entityID, "core", delta.InferredMetadata); err != nil {
		return fmt.Errorf("replace_properties core: %w", err)
	}

	if err := e.Graph.ReplaceRelations(ctx, entityID, "parser", parserRelations(parsed)); err != nil {
		return fmt.Errorf("replace_relations parser: %w", err)
	}
	if len(delta.InferredRelations) > 0 {
		if err := e.Graph.ReplaceRelations(ctx, entityID, "enrich", delta.InferredRelations); err != nil {
			return fmt.Errorf("replace_relations enrich: %w", err)
		}
	}

	for _, be := range delta.BlockEmbeddings {
		if err := e.Graph.PutEmbedding(ctx, graphstore.Embedding{
			BlockID: be.BlockID, Vector: be.Vector, Dimensions: len(be.Vector),
			Model: "kiln-embed", ModelVersion: "v1", ContentUsedHash: be.BlockHash.String(),
		}); err != nil {
			return fmt.Errorf("persisting embedding for %q: %w", be.BlockID, err)
		}
	}

	if oldTree == nil || oldTree.SectionCount() == 0 {
		if err := e.Trees.Put(ctx, relPath, newTree, noteLoader); err != nil {
			return fmt.Errorf("store_tree: %w", err)
		}
	} else if shouldUpdateIncremental(diff, newTree) {
		if err := e.Trees.UpdateIncremental(ctx, relPath, newTree, diff, noteLoader); err != nil {
			return fmt.Errorf("update_incremental: %w", err)
		}
	} else {
		if err := e.Trees.Put(ctx, relPath, newTree, noteLoader); err != nil {
			return fmt.Errorf("store_tree: %w", err)
		}
	}

	return nil
}

// shouldUpdateIncremental chooses the cheaper persistence path when only a
// minority of sections changed.
func shouldUpdateIncremental(diff merkle.HybridDiff, newTree merkle.HybridMerkleTree) bool {
	touched := len(diff.ChangedSections) + len(diff.AddedSections) + len(diff.RemovedSections)
	total := newTree.SectionCount()
	return total > 0 && touched*4 < total // touched < 25% of sections
}

// deleteFile implements the deletion cascade: C6 delete_entity, C5
// delete_tree, C4 delete_file_state, in that order, so a crash leaves a
// soft-deleted entity recoverable until FileState is gone.
func (e *Engine) deleteFile(ctx context.Context, relPath string) error {
	entityID := entityIDForPath(relPath)
	if err := e.Graph.DeleteEntity(ctx, entityID); err != nil {
		return fmt.Errorf("delete_entity: %w", err)
	}
	if err := e.Trees.Delete(ctx, relPath); err != nil {
		return fmt.Errorf("delete_tree: %w", err)
	}
	if err := e.Changes.Delete(ctx, relPath); err != nil {
		return fmt.Errorf("delete_file_state: %w", err)
	}
	return nil
}

func entityIDForPath(relPath string) string {
	return "note:" + filepath.ToSlash(relPath)
}

func streamFileHash(path string) (hash.FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return hash.FileHash{}, err
	}
	defer f.Close()
	return hash.FileHashStreaming(f)
}

// allAddedDiff treats every block as added when no prior tree exists.
func allAddedDiff(tree merkle.HybridMerkleTree) merkle.HybridDiff {
	diff := merkle.HybridDiff{PerSectionChangedBlocks: map[int][]int{}}
	for i := 0; i < tree.SectionCount(); i++ {
		diff.AddedSections = append(diff.AddedSections, i)
	}
	return diff
}

// changedBlockIDs derives the union of per-section changed block IDs plus
// every block in an added section, as Phase 3 specifies.
func changedBlockIDs(parsed *block.ParsedNote, tree merkle.HybridMerkleTree, diff merkle.HybridDiff) []string {
	ranges := sectionBlockRanges(tree)
	seen := make(map[int]struct{})

	for _, sectionIdx := range diff.AddedSections {
		if sectionIdx >= len(ranges) {
			continue
		}
		r := ranges[sectionIdx]
		for i := r.Start; i < r.End; i++ {
			seen[i] = struct{}{}
		}
	}
	for sectionIdx, blockIdxs := range diff.PerSectionChangedBlocks {
		if sectionIdx >= len(ranges) {
			continue
		}
		r := ranges[sectionIdx]
		for _, li := range blockIdxs {
			abs := r.Start + li
			if abs < r.End {
				seen[abs] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for idx := range seen {
		if idx >= 0 && idx < len(parsed.Blocks) {
			ids = append(ids, parsed.Blocks[idx].ID)
		}
	}
	return ids
}

func sectionBlockRanges(tree merkle.HybridMerkleTree) []merkle.BlockRange {
	ranges := make([]merkle.BlockRange, tree.SectionCount())
	if tree.IsVirtualized {
		start := 0
		for i, vs := range tree.VirtualSections {
			ranges[i] = merkle.BlockRange{Start: start, End: start + vs.BlockCount}
			start += vs.BlockCount
		}
		return ranges
	}
	for i, s := range tree.Sections {
		ranges[i] = s.BlockRange
	}
	return ranges
}
