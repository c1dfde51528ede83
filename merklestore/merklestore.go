// Package merklestore persists HybridMerkleTree values keyed by note path,
// sharding each tree's sections into their own rows so a virtualized tree's
// individual sections can be loaded on demand (merkle.SectionLoader) without
// ever materializing the whole document in memory.
package merklestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kilnwork/kiln/hash"
	"github.com/kilnwork/kiln/merkle"
)

// MaxKeyLength bounds a note key's length; keys come from filesystem paths
// relative to the kiln root and must stay usable as SQL parameters and, if
// ever exposed, as safe identifiers in log lines and URLs.
const MaxKeyLength = 255

// invalidKeyChars are rejected outright in a note key: NUL, the quote and
// semicolon characters SQLite string literals treat specially, and the
// backslash. The forward slash is allowed, since keys are kiln-relative
// paths normalized to forward slashes.
const invalidKeyChars = "'\";\\\x00"

// SanitizeKey validates and normalizes a note key (kiln-relative path).
// It rejects empty keys, keys over MaxKeyLength, and keys containing
// control characters or characters that could break out of a SQL literal.
func SanitizeKey(key string) (string, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: length %d out of range [1,%d]", ErrInvalidKey, len(key), MaxKeyLength)
	}
	for _, r := range key {
		if r < 0x20 || strings.ContainsRune(invalidKeyChars, r) {
			return "", fmt.Errorf("%w: contains disallowed character %q", ErrInvalidKey, r)
		}
	}
	return filepath.ToSlash(key), nil
}

// Store persists hybrid Merkle trees, one row of metadata plus N rows of
// section shards per note, with an LRU cache of recently touched trees in
// front of the database.
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, merkle.HybridMerkleTree]
}

// Open creates or opens the Merkle persistence database at dbPath. cacheSize
// bounds the number of full trees kept warm in memory.
func Open(dbPath string, cacheSize int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("merklestore: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("merklestore: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("merklestore: pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("merklestore: creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, merkle.HybridMerkleTree](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("merklestore: creating cache: %w", err)
	}

	return &Store{db: db, cache: cache}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS merkle_trees (
	note_key TEXT PRIMARY KEY,
	root_hash BLOB NOT NULL,
	total_blocks INTEGER NOT NULL,
	is_virtualized INTEGER NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS merkle_sections (
	note_key TEXT NOT NULL REFERENCES merkle_trees(note_key) ON DELETE CASCADE,
	section_index INTEGER NOT NULL,
	heading_level INTEGER NOT NULL,
	heading_text TEXT NOT NULL,
	block_start INTEGER NOT NULL,
	block_end INTEGER NOT NULL,
	section_hash BLOB NOT NULL,
	leaf_hashes BLOB NOT NULL,
	PRIMARY KEY (note_key, section_index)
);
`

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores tree under key, replacing whatever was previously stored for
// that note. The metadata row and section rows are written in one
// transaction so a reader never observes a partially updated tree. When
// tree is virtualized, loader materializes each section's real per-block
// data for the row (tree.VirtualSections carries only a summary); callers
// with a non-virtualized tree may pass a nil loader.
func (s *Store) Put(ctx context.Context, key string, tree merkle.HybridMerkleTree, loader merkle.SectionLoader) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merklestore: begin put %q: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merkle_trees (note_key, root_hash, total_blocks, is_virtualized, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(note_key) DO UPDATE SET
			root_hash = excluded.root_hash,
			total_blocks = excluded.total_blocks,
			is_virtualized = excluded.is_virtualized,
			updated_at = CURRENT_TIMESTAMP
	`, key, tree.RootHash[:], tree.TotalBlocks, tree.IsVirtualized); err != nil {
		return fmt.Errorf("merklestore: writing tree metadata for %q: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM merkle_sections WHERE note_key = ?", key); err != nil {
		return fmt.Errorf("merklestore: clearing old sections for %q: %w", key, err)
	}

	for i := 0; i < tree.SectionCount(); i++ {
		row, err := sectionRow(tree, i, loader)
		if err != nil {
			return fmt.Errorf("merklestore: materializing section %d for %q: %w", i, key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO merkle_sections
				(note_key, section_index, heading_level, heading_text, block_start, block_end, section_hash, leaf_hashes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, key, i, row.headingLevel, row.headingText, row.blockStart, row.blockEnd, row.sectionHash[:], row.leafHashes); err != nil {
			return fmt.Errorf("merklestore: writing section %d for %q: %w", i, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("merklestore: committing put %q: %w", key, err)
	}

	s.cache.Add(key, tree)
	return nil
}

// Get returns the full tree for key, or (nil, nil) if none is stored. A
// virtualized tree is returned with only its VirtualSections populated;
// callers needing a specific section call LoadSectionFor.
func (s *Store) Get(ctx context.Context, key string) (*merkle.HybridMerkleTree, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return nil, err
	}

	if tree, ok := s.cache.Get(key); ok {
		return &tree, nil
	}

	var rootHashBytes []byte
	var totalBlocks int
	var isVirtualized bool
	row := s.db.QueryRowContext(ctx,
		"SELECT root_hash, total_blocks, is_virtualized FROM merkle_trees WHERE note_key = ?", key)
	if err := row.Scan(&rootHashBytes, &totalBlocks, &isVirtualized); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("merklestore: reading tree metadata for %q: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT section_index, heading_level, heading_text, block_start, block_end, section_hash, leaf_hashes
		FROM merkle_sections WHERE note_key = ? ORDER BY section_index
	`, key)
	if err != nil {
		return nil, fmt.Errorf("merklestore: reading sections for %q: %w", key, err)
	}
	defer rows.Close()

	tree := merkle.HybridMerkleTree{TotalBlocks: totalBlocks, IsVirtualized: isVirtualized}
	copy(tree.RootHash[:], rootHashBytes)

	for rows.Next() {
		var idx, headingLevel, blockStart, blockEnd int
		var headingText string
		var sectionHashBytes, leafHashBytes []byte
		if err := rows.Scan(&idx, &headingLevel, &headingText, &blockStart, &blockEnd, &sectionHashBytes, &leafHashBytes); err != nil {
			return nil, fmt.Errorf("merklestore: scanning section for %q: %w", key, err)
		}

		section := decodeSection(headingLevel, headingText, blockStart, blockEnd, sectionHashBytes, leafHashBytes)
		if isVirtualized {
			tree.VirtualSections = append(tree.VirtualSections, merkle.VirtualSection{
				Heading:     section.Heading,
				SectionHash: section.SectionHash,
				BlockCount:  blockEnd - blockStart,
			})
		} else {
			tree.Sections = append(tree.Sections, section)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("merklestore: iterating sections for %q: %w", key, err)
	}

	s.cache.Add(key, tree)
	return &tree, nil
}

// Delete removes all persisted state for key (metadata row plus sections,
// the latter via ON DELETE CASCADE).
func (s *Store) Delete(ctx context.Context, key string) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM merkle_trees WHERE note_key = ?", key); err != nil {
		return fmt.Errorf("merklestore: deleting %q: %w", key, err)
	}
	s.cache.Remove(key)
	return nil
}

// UpdateIncremental replaces only the sections named by diff.ChangedSections
// and appends diff.AddedSections from newTree, rather than rewriting the
// whole tree, the bounds-checked fast path Phase 5 uses when a diff reports
// only a handful of sections out of a large document. loader materializes
// real per-block data for a touched section when newTree is virtualized,
// exactly as Put's loader does.
func (s *Store) UpdateIncremental(ctx context.Context, key string, newTree merkle.HybridMerkleTree, diff merkle.HybridDiff, loader merkle.SectionLoader) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merklestore: begin incremental update %q: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE merkle_trees SET root_hash = ?, total_blocks = ?, is_virtualized = ?, updated_at = CURRENT_TIMESTAMP
		WHERE note_key = ?
	`, newTree.RootHash[:], newTree.TotalBlocks, newTree.IsVirtualized, key); err != nil {
		return fmt.Errorf("merklestore: updating tree metadata for %q: %w", key, err)
	}

	touched := append(append([]int{}, diff.ChangedSections...), diff.AddedSections...)
	for _, idx := range touched {
		if idx < 0 || idx >= newTree.SectionCount() {
			return fmt.Errorf("merklestore: section index %d out of bounds for %q (count %d)", idx, key, newTree.SectionCount())
		}
		row, err := sectionRow(newTree, idx, loader)
		if err != nil {
			return fmt.Errorf("merklestore: materializing section %d for %q: %w", idx, key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO merkle_sections
				(note_key, section_index, heading_level, heading_text, block_start, block_end, section_hash, leaf_hashes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(note_key, section_index) DO UPDATE SET
				heading_level = excluded.heading_level,
				heading_text = excluded.heading_text,
				block_start = excluded.block_start,
				block_end = excluded.block_end,
				section_hash = excluded.section_hash,
				leaf_hashes = excluded.leaf_hashes
		`, key, idx, row.headingLevel, row.headingText, row.blockStart, row.blockEnd, row.sectionHash[:], row.leafHashes); err != nil {
			return fmt.Errorf("merklestore: writing section %d for %q: %w", idx, key, err)
		}
	}

	for _, idx := range diff.RemovedSections {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM merkle_sections WHERE note_key = ? AND section_index = ?", key, idx); err != nil {
			return fmt.Errorf("merklestore: removing section %d for %q: %w", idx, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("merklestore: committing incremental update %q: %w", key, err)
	}

	s.cache.Remove(key)
	return nil
}

// LoadSectionFor returns a SectionLoader bound to key, satisfying
// merkle.SectionLoader so Diff can materialize virtualized sections lazily.
func (s *Store) LoadSectionFor(ctx context.Context, key string) merkle.SectionLoader {
	return &loader{ctx: ctx, store: s, key: key}
}

type loader struct {
	ctx   context.Context
	store *Store
	key   string
}

func (l *loader) LoadSection(index int) (merkle.SectionNode, error) {
	key, err := SanitizeKey(l.key)
	if err != nil {
		return merkle.SectionNode{}, err
	}

	var headingLevel, blockStart, blockEnd int
	var headingText string
	var sectionHashBytes, leafHashBytes []byte
	row := l.store.db.QueryRowContext(l.ctx, `
		SELECT heading_level, heading_text, block_start, block_end, section_hash, leaf_hashes
		FROM merkle_sections WHERE note_key = ? AND section_index = ?
	`, key, index)
	if err := row.Scan(&headingLevel, &headingText, &blockStart, &blockEnd, &sectionHashBytes, &leafHashBytes); err != nil {
		if err == sql.ErrNoRows {
			return merkle.SectionNode{}, fmt.Errorf("merklestore: section %d not found for %q", index, key)
		}
		return merkle.SectionNode{}, fmt.Errorf("merklestore: loading section %d for %q: %w", index, key, err)
	}

	return decodeSection(headingLevel, headingText, blockStart, blockEnd, sectionHashBytes, leafHashBytes), nil
}

type sectionRowData struct {
	headingLevel int
	headingText  string
	blockStart   int
	blockEnd     int
	sectionHash  hash.NodeHash
	leafHashes   []byte
}

// sectionRow extracts persistable fields from a tree's section at index i.
// A non-virtualized tree already holds the full SectionNode. A virtualized
// tree's VirtualSections entry carries only a summary (no leaf hashes), so
// the real per-block data must come from loader, the same SectionLoader
// contract Diff uses to materialize a virtualized section on demand,
// reused here so a section is never persisted with empty leaf_hashes.
func sectionRow(tree merkle.HybridMerkleTree, i int, loader merkle.SectionLoader) (sectionRowData, error) {
	if tree.IsVirtualized {
		if loader == nil {
			return sectionRowData{}, merkle.ErrNoSectionLoader
		}
		sec, err := loader.LoadSection(i)
		if err != nil {
			return sectionRowData{}, err
		}
		return sectionRowData{
			headingLevel: sec.Heading.Level,
			headingText:  sec.Heading.PrimaryText,
			blockStart:   sec.BlockRange.Start,
			blockEnd:     sec.BlockRange.End,
			sectionHash:  sec.SectionHash,
			leafHashes:   encodeLeafHashes(sec.BinaryTree.LeafHashes),
		}, nil
	}
	sec := tree.Sections[i]
	return sectionRowData{
		headingLevel: sec.Heading.Level,
		headingText:  sec.Heading.PrimaryText,
		blockStart:   sec.BlockRange.Start,
		blockEnd:     sec.BlockRange.End,
		sectionHash:  sec.SectionHash,
		leafHashes:   encodeLeafHashes(sec.BinaryTree.LeafHashes),
	}, nil
}

func encodeLeafHashes(leaves []hash.BlockHash) []byte {
	buf := make([]byte, 0, len(leaves)*32)
	for _, l := range leaves {
		buf = append(buf, l[:]...)
	}
	return buf
}

func decodeLeafHashes(buf []byte) []hash.BlockHash {
	n := len(buf) / 32
	leaves := make([]hash.BlockHash, n)
	for i := 0; i < n; i++ {
		copy(leaves[i][:], buf[i*32:(i+1)*32])
	}
	return leaves
}

func decodeSection(headingLevel int, headingText string, blockStart, blockEnd int, sectionHashBytes, leafHashBytes []byte) merkle.SectionNode {
	var sh hash.NodeHash
	copy(sh[:], sectionHashBytes)

	leaves := decodeLeafHashes(leafHashBytes)
	nodeLeaves := make([]hash.NodeHash, len(leaves))
	for i, l := range leaves {
		nodeLeaves[i] = hash.CombineLeaf(l)
	}

	return merkle.SectionNode{
		Heading:     merkle.HeadingSummary{Level: headingLevel, PrimaryText: headingText},
		BlockRange:  merkle.BlockRange{Start: blockStart, End: blockEnd},
		BinaryTree:  merkle.BinaryTree{RootHash: hash.CombineMany(nodeLeaves), LeafHashes: leaves},
		SectionHash: sh,
	}
}
