package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratamem/strata/internal/model"
	strataotel "github.com/stratamem/strata/internal/otel"
)

var tracer = strataotel.Tracer("github.com/stratamem/strata/internal/store")

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'custom',
    tags TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL,
    modified_at TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP,
    access_count INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT '',
    project_context TEXT NOT NULL DEFAULT '',
    file_path TEXT NOT NULL DEFAULT '',
    importance REAL NOT NULL DEFAULT 0,
    related_memories TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL DEFAULT 'active',
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(state);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_context);
CREATE INDEX IF NOT EXISTS idx_memories_modified ON memories(modified_at);
`

// SQLiteStore persists memories in SQLite. It implements the same Store
// contract as MemStore; serve wires this adapter so the population survives
// restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath with WAL and a
// busy timeout, and initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const memoryColumns = `id, content, type, tags, created_at, modified_at, last_accessed,
       access_count, created_by, project_context, file_path, importance,
       related_memories, state, metadata`

// Put inserts or replaces a memory row.
func (s *SQLiteStore) Put(ctx context.Context, m *model.Memory) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "store.put",
		trace.WithAttributes(attribute.String("memory.id", m.ID)))
	defer span.End()

	if m.ID == "" {
		return nil, fmt.Errorf("memory id is required")
	}
	cp := m.Clone()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.ModifiedAt = now
	if cp.State == "" {
		cp.State = model.StateActive
	}
	if cp.Type == "" {
		cp.Type = model.TypeCustom
	}

	tagsJSON, relatedJSON, metaJSON := memoryJSONBlobs(cp)
	var lastAccessed any
	if !cp.LastAccessed.IsZero() {
		lastAccessed = cp.LastAccessed
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Content, string(cp.Type), tagsJSON, cp.CreatedAt, cp.ModifiedAt,
		lastAccessed, cp.AccessCount, cp.CreatedBy, cp.ProjectContext, cp.FilePath,
		cp.Importance, relatedJSON, string(cp.State), metaJSON)
	if err != nil {
		return nil, fmt.Errorf("writing memory: %w", err)
	}
	return cp, nil
}

// Get retrieves a memory by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "store.get",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}
	return m, nil
}

// Update reads the row, applies the patch in a transaction, and writes it
// back with a fresh ModifiedAt.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "store.update",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}

	applyPatch(m, patch)
	m.ModifiedAt = time.Now().UTC()

	tagsJSON, relatedJSON, metaJSON := memoryJSONBlobs(m)
	_, err = tx.ExecContext(ctx, `UPDATE memories SET
		content = ?, tags = ?, modified_at = ?, project_context = ?, file_path = ?,
		importance = ?, related_memories = ?, state = ?, metadata = ?
		WHERE id = ?`,
		m.Content, tagsJSON, m.ModifiedAt, m.ProjectContext, m.FilePath,
		m.Importance, relatedJSON, string(m.State), metaJSON, id)
	if err != nil {
		return nil, fmt.Errorf("updating memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}
	return m, nil
}

// Delete removes the row. Returns false when the id was absent.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "store.delete",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting memory: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Query filters on indexed columns in SQL, then applies the shared predicate
// for tag and text matching (tags live in a JSON blob).
func (s *SQLiteStore) Query(ctx context.Context, f Filter) (*QueryResult, error) {
	ctx, span := tracer.Start(ctx, "store.query")
	defer span.End()

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE 1=1`
	args := []any{}

	states := f.States
	if len(states) == 0 {
		states = []model.State{model.StateActive}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	query += ` AND state IN (` + placeholders + `)`
	for _, st := range states {
		args = append(args, string(st))
	}
	if f.Project != "" {
		query += ` AND project_context = ?`
		args = append(args, f.Project)
	}
	if !f.ModifiedSince.IsZero() {
		query += ` AND modified_at >= ?`
		args = append(args, f.ModifiedSince)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var matched []*model.Memory
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := scanMemory(rows.Scan)
		if err != nil {
			continue
		}
		if !matchesFilter(m, f) {
			continue
		}
		matched = append(matched, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning memories: %w", err)
	}

	total := len(matched)
	matched = paginate(matched, f.Offset, f.Limit)
	span.SetAttributes(attribute.Int("store.matched", total))
	return &QueryResult{Items: matched, TotalCount: total}, nil
}

// RecordAccess bumps access_count and stamps last_accessed/modified_at.
func (s *SQLiteStore) RecordAccess(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "store.record_access",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ?, modified_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("recording access: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func memoryJSONBlobs(m *model.Memory) (tagsJSON, relatedJSON, metaJSON string) {
	tags, _ := json.Marshal(m.Tags)
	if m.Tags == nil {
		tags = []byte("[]")
	}
	related, _ := json.Marshal(m.RelatedMemories)
	if m.RelatedMemories == nil {
		related = []byte("[]")
	}
	meta, _ := json.Marshal(m.Metadata)
	if m.Metadata == nil {
		meta = []byte("{}")
	}
	return string(tags), string(related), string(meta)
}

// scanMemory scans one row via the provided Scan func (works for both
// *sql.Row and *sql.Rows).
func scanMemory(scan func(dest ...any) error) (*model.Memory, error) {
	var m model.Memory
	var typ, state, tagsJSON, relatedJSON, metaJSON string
	var lastAccessed sql.NullTime
	err := scan(&m.ID, &m.Content, &typ, &tagsJSON, &m.CreatedAt, &m.ModifiedAt,
		&lastAccessed, &m.AccessCount, &m.CreatedBy, &m.ProjectContext,
		&m.FilePath, &m.Importance, &relatedJSON, &state, &metaJSON)
	if err != nil {
		return nil, err
	}
	m.Type = model.Type(typ)
	m.State = model.State(state)
	if lastAccessed.Valid {
		m.LastAccessed = lastAccessed.Time
	}
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	_ = json.Unmarshal([]byte(relatedJSON), &m.RelatedMemories)
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return &m, nil
}
