// Package graphstore is the enriched-note store: the entity/property/
// relation/block (EAV) schema that Phase 5 of the pipeline persists into,
// and that search and readers query back out of. It generalizes the
// document/chunk/entity/relationship schema of an earlier RAG store into
// a note-centric graph where every row traces back to a stable string ID.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kilnwork/kiln/block"
)

func init() {
	sqlite_vec.Auto()
}

// EntityDescriptor is the input to UpsertEntity: the note-level facts that
// survive across enrichment runs.
type EntityDescriptor struct {
	ID          string // stable string id, e.g. "note:notes/a.md"
	Type        string // "note", "tag", "block", ...
	ContentHash string
	Data        map[string]any
}

// Entity is a row of the entities table as read back by callers.
type Entity struct {
	ID          string
	Type        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
	Version     int
	ContentHash string
	Data        map[string]any
}

// Property is one (namespace, key) -> value fact about an entity.
// Value carries its original Go type (string, float64, bool, or a JSON
// value for "json"-typed properties); ValueType records which.
type Property struct {
	Namespace string
	Key       string
	ValueType string // text|number|bool|date|json
	Value     any
}

// Relation is a typed, directed edge between two entities.
type Relation struct {
	FromID     string
	ToID       string
	RelType    string
	Directed   bool
	Weight     *float64
	Confidence *float64
	Context    string
	Position   *int
	Source     string // parser|enrich|user|plugin
}

// Block is the persisted form of block.Block, with its owning entity.
type Block struct {
	block.Block
	EntityID string
}

// Embedding is a persisted vector for a block, valid iff ContentUsedHash
// equals the block's current ContentHash.
type Embedding struct {
	BlockID         string
	Vector          []float32
	Dimensions      int
	Model           string
	ModelVersion    string
	ContentUsedHash string
}

// Store wraps the SQLite database backing the EAV graph, including the
// sqlite-vec virtual table used for block embedding search.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// Open creates or opens the graph database at dbPath with the given
// embedding vector dimension (fixed for the lifetime of the database; a
// dimension change requires a fresh store).
func Open(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("graphstore: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("graphstore: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphstore: pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphstore: creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db, embeddingDim: embeddingDim}, nil
}

func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME,
	version INTEGER NOT NULL DEFAULT 1,
	content_hash TEXT NOT NULL,
	data JSON
);

CREATE TABLE IF NOT EXISTS properties (
	id INTEGER PRIMARY KEY,
	entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value_type TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_properties_entity_ns ON properties(entity_id, namespace);

CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY,
	from_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_id TEXT NOT NULL,
	rel_type TEXT NOT NULL,
	directed INTEGER NOT NULL DEFAULT 1,
	weight REAL,
	confidence REAL,
	context TEXT,
	position INTEGER,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relations_from_source ON relations(from_id, source);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);

CREATE TABLE IF NOT EXISTS blocks (
	rowid_id INTEGER PRIMARY KEY AUTOINCREMENT,
	block_id TEXT UNIQUE NOT NULL,
	entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	parent_block_id TEXT,
	depth INTEGER NOT NULL DEFAULT 0,
	heading_level INTEGER NOT NULL DEFAULT 0,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	metadata JSON
);
CREATE INDEX IF NOT EXISTS idx_blocks_entity ON blocks(entity_id);

CREATE TABLE IF NOT EXISTS embeddings (
	block_id TEXT PRIMARY KEY REFERENCES blocks(block_id) ON DELETE CASCADE,
	dimensions INTEGER NOT NULL,
	model TEXT NOT NULL,
	model_version TEXT NOT NULL,
	content_used_hash TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_blocks USING vec0(
	block_rowid INTEGER PRIMARY KEY,
	embedding float[%d]
);
`, embeddingDim)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding vector width.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// UpsertEntity creates the entity row on first sight or updates its
// content hash, data, and updated_at on re-ingest, un-deleting it if it
// had been soft-deleted by a prior delete_entity call.
func (s *Store) UpsertEntity(ctx context.Context, desc EntityDescriptor) (string, error) {
	data, err := json.Marshal(desc.Data)
	if err != nil {
		return "", fmt.Errorf("graphstore: marshaling entity data for %q: %w", desc.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, content_hash, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			data = excluded.data,
			version = entities.version + 1,
			updated_at = CURRENT_TIMESTAMP,
			deleted_at = NULL
	`, desc.ID, desc.Type, desc.ContentHash, string(data))
	if err != nil {
		return "", fmt.Errorf("graphstore: upserting entity %q: %w", desc.ID, err)
	}
	return desc.ID, nil
}

// GetEntity returns the entity row for id, or (nil, nil) if not found. It
// returns soft-deleted entities too; callers filter on DeletedAt as needed.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	var deletedAt sql.NullTime
	var data sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, created_at, updated_at, deleted_at, version, content_hash, data
		FROM entities WHERE id = ?
	`, id)
	if err := row.Scan(&e.ID, &e.Type, &e.CreatedAt, &e.UpdatedAt, &deletedAt, &e.Version, &e.ContentHash, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("graphstore: reading entity %q: %w", id, err)
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	if data.Valid && data.String != "" && data.String != "null" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("graphstore: decoding data for entity %q: %w", id, err)
		}
	}
	return &e, nil
}

// ReplaceProperties atomically replaces every property in (entityID,
// namespace) with props, leaving properties in other namespaces untouched.
func (s *Store) ReplaceProperties(ctx context.Context, entityID, namespace string, props []Property) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin replace_properties %q/%q: %w", entityID, namespace, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM properties WHERE entity_id = ? AND namespace = ?", entityID, namespace); err != nil {
		return fmt.Errorf("graphstore: clearing properties %q/%q: %w", entityID, namespace, err)
	}

	for _, p := range props {
		valStr, err := encodePropertyValue(p.ValueType, p.Value)
		if err != nil {
			return fmt.Errorf("graphstore: encoding property %q.%q: %w", namespace, p.Key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO properties (entity_id, namespace, key, value_type, value)
			VALUES (?, ?, ?, ?, ?)
		`, entityID, namespace, p.Key, p.ValueType, valStr); err != nil {
			return fmt.Errorf("graphstore: inserting property %q.%q: %w", namespace, p.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graphstore: committing replace_properties %q/%q: %w", entityID, namespace, err)
	}
	return nil
}

// Properties returns every property currently recorded for an entity,
// across all namespaces.
func (s *Store) Properties(ctx context.Context, entityID string) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT namespace, key, value_type, value FROM properties WHERE entity_id = ?", entityID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: listing properties for %q: %w", entityID, err)
	}
	defer rows.Close()

	var props []Property
	for rows.Next() {
		var p Property
		var valStr string
		if err := rows.Scan(&p.Namespace, &p.Key, &p.ValueType, &valStr); err != nil {
			return nil, fmt.Errorf("graphstore: scanning property for %q: %w", entityID, err)
		}
		p.Value, err = decodePropertyValue(p.ValueType, valStr)
		if err != nil {
			return nil, fmt.Errorf("graphstore: decoding property %q.%q: %w", p.Namespace, p.Key, err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// ReplaceRelations atomically replaces every relation from entityID
// attributed to source, leaving relations from other sources untouched.
func (s *Store) ReplaceRelations(ctx context.Context, entityID, source string, rels []Relation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin replace_relations %q/%q: %w", entityID, source, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM relations WHERE from_id = ? AND source = ?", entityID, source); err != nil {
		return fmt.Errorf("graphstore: clearing relations %q/%q: %w", entityID, source, err)
	}

	for _, r := range rels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relations (from_id, to_id, rel_type, directed, weight, confidence, context, position, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entityID, r.ToID, r.RelType, r.Directed, r.Weight, r.Confidence, r.Context, r.Position, source); err != nil {
			return fmt.Errorf("graphstore: inserting relation %q->%q: %w", entityID, r.ToID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graphstore: committing replace_relations %q/%q: %w", entityID, source, err)
	}
	return nil
}

// Backlinks returns every relation whose ToID is id, computed on demand by
// reverse traversal rather than stored separately.
func (s *Store) Backlinks(ctx context.Context, id string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, rel_type, directed, weight, confidence, context, position, source
		FROM relations WHERE to_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("graphstore: listing backlinks for %q: %w", id, err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

// Relations returns every relation from entityID, across all sources.
func (s *Store) Relations(ctx context.Context, entityID string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, rel_type, directed, weight, confidence, context, position, source
		FROM relations WHERE from_id = ?
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: listing relations for %q: %w", entityID, err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

func scanRelations(rows *sql.Rows) ([]Relation, error) {
	var rels []Relation
	for rows.Next() {
		var r Relation
		var weight, confidence sql.NullFloat64
		var context sql.NullString
		var position sql.NullInt64
		if err := rows.Scan(&r.FromID, &r.ToID, &r.RelType, &r.Directed, &weight, &confidence, &context, &position, &r.Source); err != nil {
			return nil, fmt.Errorf("graphstore: scanning relation: %w", err)
		}
		if weight.Valid {
			r.Weight = &weight.Float64
		}
		if confidence.Valid {
			r.Confidence = &confidence.Float64
		}
		r.Context = context.String
		if position.Valid {
			v := int(position.Int64)
			r.Position = &v
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// UpsertBlocks replaces the full block set owned by entityID with blocks,
// the pipeline always passes the complete current block list so stale
// blocks from a shrunk document are removed, not merely left stale.
func (s *Store) UpsertBlocks(ctx context.Context, entityID string, blocks []block.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin upsert_blocks %q: %w", entityID, err)
	}
	defer tx.Rollback()

	keep := make([]string, len(blocks))
	for i, b := range blocks {
		keep[i] = b.ID
	}

	if len(keep) == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM blocks WHERE entity_id = ?", entityID); err != nil {
			return fmt.Errorf("graphstore: clearing blocks for %q: %w", entityID, err)
		}
	} else {
		query, args := deleteStaleBlocksQuery(entityID, keep)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("graphstore: clearing stale blocks for %q: %w", entityID, err)
		}
	}

	for _, b := range blocks {
		metadata, err := json.Marshal(b.Metadata)
		if err != nil {
			return fmt.Errorf("graphstore: marshaling metadata for block %q: %w", b.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (block_id, entity_id, kind, content, parent_block_id, depth, heading_level,
				start_offset, end_offset, start_line, end_line, content_hash, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(block_id) DO UPDATE SET
				entity_id = excluded.entity_id,
				kind = excluded.kind,
				content = excluded.content,
				parent_block_id = excluded.parent_block_id,
				depth = excluded.depth,
				heading_level = excluded.heading_level,
				start_offset = excluded.start_offset,
				end_offset = excluded.end_offset,
				start_line = excluded.start_line,
				end_line = excluded.end_line,
				content_hash = excluded.content_hash,
				metadata = excluded.metadata
		`, b.ID, entityID, string(b.Kind), b.Content, nullableString(b.ParentID), b.Depth, b.HeadingLevel,
			b.Position.StartOffset, b.Position.EndOffset, b.Position.StartLine, b.Position.EndLine,
			b.ContentHash.String(), string(metadata)); err != nil {
			return fmt.Errorf("graphstore: upserting block %q: %w", b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graphstore: committing upsert_blocks %q: %w", entityID, err)
	}
	return nil
}

func deleteStaleBlocksQuery(entityID string, keep []string) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(keep)+1)
	args = append(args, entityID)
	for i, id := range keep {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	return fmt.Sprintf("DELETE FROM blocks WHERE entity_id = ? AND block_id NOT IN (%s)", placeholders), args
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// QueryBlocks returns every live block belonging to entityID, ordered by
// position within the document.
func (s *Store) QueryBlocks(ctx context.Context, entityID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_id, entity_id, kind, content, parent_block_id, depth, heading_level,
			start_offset, end_offset, start_line, end_line, content_hash
		FROM blocks WHERE entity_id = ? ORDER BY start_offset
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: querying blocks for %q: %w", entityID, err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var parent sql.NullString
		var contentHash string
		if err := rows.Scan(&b.ID, &b.EntityID, &b.Kind, &b.Content, &parent, &b.Depth, &b.HeadingLevel,
			&b.Position.StartOffset, &b.Position.EndOffset, &b.Position.StartLine, &b.Position.EndLine, &contentHash); err != nil {
			return nil, fmt.Errorf("graphstore: scanning block for %q: %w", entityID, err)
		}
		b.ParentID = parent.String
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// DeleteEntity soft-deletes the entity (setting deleted_at) and hard-deletes
// its blocks, properties, and outgoing relations (from_id = entityID) via
// explicit statements. Relations from other entities that point at it
// (to_id = entityID) are left in place.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin delete_entity %q: %w", entityID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE entities SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", entityID); err != nil {
		return fmt.Errorf("graphstore: soft-deleting entity %q: %w", entityID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blocks WHERE entity_id = ?", entityID); err != nil {
		return fmt.Errorf("graphstore: deleting blocks for %q: %w", entityID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM properties WHERE entity_id = ?", entityID); err != nil {
		return fmt.Errorf("graphstore: deleting properties for %q: %w", entityID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM relations WHERE from_id = ?", entityID); err != nil {
		return fmt.Errorf("graphstore: deleting relations for %q: %w", entityID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graphstore: committing delete_entity %q: %w", entityID, err)
	}
	return nil
}

// BlockContentHash returns the current content hash recorded for blockID,
// used by the enrichment cache-key check (embedding valid iff
// content_used_hash == current BlockHash).
func (s *Store) BlockContentHash(ctx context.Context, blockID string) (string, error) {
	var hash string
	row := s.db.QueryRowContext(ctx, "SELECT content_hash FROM blocks WHERE block_id = ?", blockID)
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("graphstore: reading content hash for block %q: %w", blockID, err)
	}
	return hash, nil
}

// EmbeddingContentHash returns the content_used_hash persisted for blockID,
// or "" if no embedding exists yet for that block.
func (s *Store) EmbeddingContentHash(ctx context.Context, blockID string) (string, error) {
	var hash string
	row := s.db.QueryRowContext(ctx, "SELECT content_used_hash FROM embeddings WHERE block_id = ?", blockID)
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("graphstore: reading embedding hash for block %q: %w", blockID, err)
	}
	return hash, nil
}

// PutEmbedding persists (or replaces) the embedding for a block. The block
// must already exist via UpsertBlocks.
func (s *Store) PutEmbedding(ctx context.Context, e Embedding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin put_embedding %q: %w", e.BlockID, err)
	}
	defer tx.Rollback()

	var rowid int64
	row := tx.QueryRowContext(ctx, "SELECT rowid_id FROM blocks WHERE block_id = ?", e.BlockID)
	if err := row.Scan(&rowid); err != nil {
		return fmt.Errorf("graphstore: looking up block rowid for %q: %w", e.BlockID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (block_id, dimensions, model, model_version, content_used_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			dimensions = excluded.dimensions,
			model = excluded.model,
			model_version = excluded.model_version,
			content_used_hash = excluded.content_used_hash
	`, e.BlockID, e.Dimensions, e.Model, e.ModelVersion, e.ContentUsedHash); err != nil {
		return fmt.Errorf("graphstore: writing embedding metadata for %q: %w", e.BlockID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_blocks (block_rowid, embedding) VALUES (?, ?)",
		rowid, serializeFloat32(e.Vector)); err != nil {
		return fmt.Errorf("graphstore: writing embedding vector for %q: %w", e.BlockID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graphstore: committing put_embedding %q: %w", e.BlockID, err)
	}
	return nil
}

// VectorResult is one hit from VectorSearch.
type VectorResult struct {
	BlockID  string
	EntityID string
	Content  string
	Kind     block.Kind
	Score    float64
}

// VectorSearch performs a KNN search over block embeddings, returning the
// top-k nearest blocks by the vec0 table's default L2 (Euclidean) distance;
// Score is 1 - distance, so closer blocks score higher. Kind is
// included so a caller can tailor snippet extraction to the block's type
// (e.g. a code block isn't made of sentences).
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]VectorResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.block_id, b.entity_id, b.content, b.kind, v.distance
		FROM vec_blocks v
		JOIN blocks b ON b.rowid_id = v.block_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, fmt.Errorf("graphstore: vector search: %w", err)
	}
	defer rows.Close()

	var results []VectorResult
	for rows.Next() {
		var r VectorResult
		var kind string
		var distance float64
		if err := rows.Scan(&r.BlockID, &r.EntityID, &r.Content, &kind, &distance); err != nil {
			return nil, fmt.Errorf("graphstore: scanning vector search result: %w", err)
		}
		r.Kind = block.Kind(kind)
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// Stats aggregates the counts behind status().
type Stats struct {
	EntityCount    int
	BlockCount     int
	EmbeddingCount int
}

// Stats returns the current aggregate counts across live (non-deleted)
// entities.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	queries := []struct {
		sql string
		dst *int
	}{
		{"SELECT COUNT(*) FROM entities WHERE deleted_at IS NULL", &stats.EntityCount},
		{"SELECT COUNT(*) FROM blocks", &stats.BlockCount},
		{"SELECT COUNT(*) FROM embeddings", &stats.EmbeddingCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("graphstore: computing stats: %w", err)
		}
	}
	return stats, nil
}
