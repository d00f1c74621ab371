// Package storage is Tract's persisted storage layer: the SQL schema from
// SPEC_FULL.md §6 and a database/sql access layer over it. The reference
// backend is modernc.org/sqlite (pure Go, no cgo), matching the teacher's
// cgo-free dependency posture; any SQL store with JSON and blob capability
// would satisfy the same Store contract.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/WilliamJin123/tract/pkg/logger"
	_ "modernc.org/sqlite"
)

var log = logger.New("tract:storage")

// ErrNotFound is returned by single-row lookups that find nothing. Callers
// typically translate this into a *tracterr.CommitNotFound or similar.
var ErrNotFound = errors.New("storage: not found")

// Tx aliases database/sql's transaction handle so callers outside this
// package (internal/dag, internal/commitengine, internal/history) can
// thread a caller-managed transaction through Store's write methods
// without importing database/sql themselves.
type Tx = sql.Tx

const timeLayout = time.RFC3339Nano

// BlobRow is a stored content payload, deduplicated by ContentHash.
type BlobRow struct {
	ContentHash string
	PayloadJSON []byte
	ByteSize    int64
	TokenCount  int
	CreatedAt   time.Time
}

// CommitRow is a DAG node.
type CommitRow struct {
	CommitHash       string
	TractID          string
	ParentHash       string // empty for a root commit
	ContentHash      string
	ContentType      string
	Operation        string // "APPEND" | "EDIT"
	ResponseTo       string // empty unless Operation == "EDIT"
	Message          string
	TokenCount       int
	MetadataJSON     []byte
	GenerationConfig []byte
	Archived         bool
	CreatedAt        time.Time
}

// RefRow is a named pointer, direct (CommitHash set) or symbolic
// (SymbolicTarget set), never both.
type RefRow struct {
	TractID        string
	RefName        string
	CommitHash     string
	SymbolicTarget string
}

// AnnotationRow is one append-only priority assignment.
type AnnotationRow struct {
	ID            int64
	TractID       string
	TargetHash    string
	Priority      string
	RetentionJSON []byte
	Reason        string
	CreatedAt     time.Time
}

// ToolDefinitionRow is a content-addressed tool/function schema.
type ToolDefinitionRow struct {
	ContentHash string
	Name        string
	SchemaJSON  []byte
	CreatedAt   time.Time
}

// CompileRecordRow is a persisted record of a generate()/chat() compile event.
type CompileRecordRow struct {
	RecordID    string
	TractID     string
	HeadHash    string
	TokenCount  int
	CommitCount int
	TokenSource string
	ParamsJSON  []byte
	CreatedAt   time.Time
}

// Store wraps a *sql.DB with Tract's schema and query surface.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite-backed store at path. Use
// ":memory:" for an ephemeral, process-local database — the convention
// tests and Config.Path = ":memory:" both rely on.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		// A bare ":memory:" DSN gives each *sql.DB connection its own
		// database; since database/sql may open more than one connection,
		// pin the pool to a single connection so all callers share state.
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	log.Printf("opened store: path=%s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for callers (e.g. internal/history) that need
// to run a multi-statement operation inside one transaction via WithTx.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, committing on success and rolling
// back if fn returns an error or panics, matching the single-transaction
// top-level-mutation discipline SPEC_FULL.md §5 requires.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// ---- blobs ----

// SaveBlobIfAbsent inserts a blob row, doing nothing if content_hash already
// exists (content-addressed dedup).
func (s *Store) SaveBlobIfAbsent(ctx context.Context, b BlobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (content_hash, payload_json, byte_size, token_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		b.ContentHash, string(b.PayloadJSON), b.ByteSize, b.TokenCount, b.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("storage: save blob %s: %w", b.ContentHash, err)
	}
	return nil
}

// GetBlob looks up a blob by content hash.
func (s *Store) GetBlob(ctx context.Context, contentHash string) (*BlobRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, payload_json, byte_size, token_count, created_at
		FROM blobs WHERE content_hash = ?`, contentHash)

	var b BlobRow
	var payload, createdAt string
	if err := row.Scan(&b.ContentHash, &payload, &b.ByteSize, &b.TokenCount, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get blob %s: %w", contentHash, err)
	}
	b.PayloadJSON = []byte(payload)
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: parse blob timestamp: %w", err)
	}
	b.CreatedAt = t
	return &b, nil
}

// ---- commits ----

// InsertCommit persists a commit row plus its side-table extra parents
// (position >= 1; position 0 is parent_hash itself, duplicated into
// commit_parents for uniform traversal).
func (s *Store) InsertCommit(ctx context.Context, tx *sql.Tx, c CommitRow, extraParents []string) error {
	exec := s.execer(tx)

	_, err := exec.ExecContext(ctx, `
		INSERT INTO commits (commit_hash, tract_id, parent_hash, content_hash, content_type,
			operation, response_to, message, token_count, metadata_json, generation_config_json,
			archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommitHash, c.TractID, nullable(c.ParentHash), c.ContentHash, c.ContentType,
		c.Operation, nullable(c.ResponseTo), nullableStr(c.Message), c.TokenCount,
		nullableBytes(c.MetadataJSON), nullableBytes(c.GenerationConfig), boolToInt(c.Archived),
		c.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("storage: insert commit %s: %w", c.CommitHash, err)
	}

	if c.ParentHash != "" {
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO commit_parents (commit_hash, position, parent_hash) VALUES (?, 0, ?)`,
			c.CommitHash, c.ParentHash); err != nil {
			return fmt.Errorf("storage: insert first parent for %s: %w", c.CommitHash, err)
		}
	}
	for i, p := range extraParents {
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO commit_parents (commit_hash, position, parent_hash) VALUES (?, ?, ?)`,
			c.CommitHash, i+1, p); err != nil {
			return fmt.Errorf("storage: insert extra parent %d for %s: %w", i+1, c.CommitHash, err)
		}
	}
	return nil
}

// GetCommit looks up a commit by its full hash.
func (s *Store) GetCommit(ctx context.Context, commitHash string) (*CommitRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT commit_hash, tract_id, parent_hash, content_hash, content_type, operation,
			response_to, message, token_count, metadata_json, generation_config_json, archived, created_at
		FROM commits WHERE commit_hash = ?`, commitHash)
	return scanCommit(row)
}

func scanCommit(row *sql.Row) (*CommitRow, error) {
	var c CommitRow
	var parentHash, responseTo, message, metadata, genConfig sql.NullString
	var archived int
	var createdAt string

	err := row.Scan(&c.CommitHash, &c.TractID, &parentHash, &c.ContentHash, &c.ContentType,
		&c.Operation, &responseTo, &message, &c.TokenCount, &metadata, &genConfig, &archived, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan commit: %w", err)
	}

	c.ParentHash = parentHash.String
	c.ResponseTo = responseTo.String
	c.Message = message.String
	if metadata.Valid {
		c.MetadataJSON = []byte(metadata.String)
	}
	if genConfig.Valid {
		c.GenerationConfig = []byte(genConfig.String)
	}
	c.Archived = archived != 0

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: parse commit timestamp: %w", err)
	}
	c.CreatedAt = t
	return &c, nil
}

// GetCommitParents returns every parent hash for commitHash in position
// order (position 0 is the first parent, matching commits.parent_hash).
func (s *Store) GetCommitParents(ctx context.Context, commitHash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_hash FROM commit_parents WHERE commit_hash = ? ORDER BY position ASC`, commitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: get commit parents for %s: %w", commitHash, err)
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage: scan commit parent: %w", err)
		}
		parents = append(parents, p)
	}
	return parents, rows.Err()
}

// GetCommitChildren returns every commit whose first parent is parentHash,
// for gc()'s chain-splicing when removing an archived commit that is still
// part of a live branch's history.
func (s *Store) GetCommitChildren(ctx context.Context, parentHash string) ([]CommitRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_hash, tract_id, parent_hash, content_hash, content_type, operation,
			response_to, message, token_count, metadata_json, generation_config_json, archived, created_at
		FROM commits WHERE parent_hash = ? ORDER BY created_at ASC`, parentHash)
	if err != nil {
		return nil, fmt.Errorf("storage: get commit children of %s: %w", parentHash, err)
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		c, err := scanCommitRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountExtraParentReferences reports how many commit_parents rows reference
// commitHash as a non-first (merge) parent, so gc() can refuse to splice a
// commit that is load-bearing for a merge's second-parent lineage.
func (s *Store) CountExtraParentReferences(ctx context.Context, commitHash string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commit_parents WHERE parent_hash = ? AND position >= 1`, commitHash).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count extra parent references to %s: %w", commitHash, err)
	}
	return count, nil
}

// RepointParent rewrites childHash's first-parent link to newParent, both in
// commits.parent_hash and the corresponding commit_parents position-0 row.
func (s *Store) RepointParent(ctx context.Context, tx *sql.Tx, childHash, newParent string) error {
	exec := s.execer(tx)
	if _, err := exec.ExecContext(ctx, `UPDATE commits SET parent_hash = ? WHERE commit_hash = ?`, nullable(newParent), childHash); err != nil {
		return fmt.Errorf("storage: repoint commit %s parent: %w", childHash, err)
	}
	if newParent == "" {
		if _, err := exec.ExecContext(ctx, `DELETE FROM commit_parents WHERE commit_hash = ? AND position = 0`, childHash); err != nil {
			return fmt.Errorf("storage: remove parent-0 row for %s: %w", childHash, err)
		}
		return nil
	}
	res, err := exec.ExecContext(ctx, `UPDATE commit_parents SET parent_hash = ? WHERE commit_hash = ? AND position = 0`, newParent, childHash)
	if err != nil {
		return fmt.Errorf("storage: repoint commit_parents for %s: %w", childHash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO commit_parents (commit_hash, position, parent_hash) VALUES (?, 0, ?)`, childHash, newParent); err != nil {
			return fmt.Errorf("storage: insert parent-0 row for %s: %w", childHash, err)
		}
	}
	return nil
}

// FindByPrefix returns every commit hash in tractID starting with prefix,
// for hash-prefix resolution (AmbiguousPrefix if more than one matches).
func (s *Store) FindByPrefix(ctx context.Context, tractID, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT commit_hash FROM commits WHERE tract_id = ? AND commit_hash LIKE ? ORDER BY commit_hash ASC`,
		tractID, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: find by prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan prefix match: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListEditsOf returns every commit whose response_to == target, in
// created_at order, for edit-history and latest-edit resolution.
func (s *Store) ListEditsOf(ctx context.Context, tractID, target string) ([]CommitRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_hash, tract_id, parent_hash, content_hash, content_type, operation,
			response_to, message, token_count, metadata_json, generation_config_json, archived, created_at
		FROM commits WHERE tract_id = ? AND response_to = ? ORDER BY created_at ASC`, tractID, target)
	if err != nil {
		return nil, fmt.Errorf("storage: list edits of %s: %w", target, err)
	}
	defer rows.Close()

	var out []CommitRow
	for rows.Next() {
		c, err := scanCommitRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCommitRows(rows *sql.Rows) (*CommitRow, error) {
	var c CommitRow
	var parentHash, responseTo, message, metadata, genConfig sql.NullString
	var archived int
	var createdAt string

	err := rows.Scan(&c.CommitHash, &c.TractID, &parentHash, &c.ContentHash, &c.ContentType,
		&c.Operation, &responseTo, &message, &c.TokenCount, &metadata, &genConfig, &archived, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: scan commit row: %w", err)
	}
	c.ParentHash = parentHash.String
	c.ResponseTo = responseTo.String
	c.Message = message.String
	if metadata.Valid {
		c.MetadataJSON = []byte(metadata.String)
	}
	if genConfig.Valid {
		c.GenerationConfig = []byte(genConfig.String)
	}
	c.Archived = archived != 0
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: parse commit timestamp: %w", err)
	}
	c.CreatedAt = t
	return &c, nil
}

// MarkArchived flags a set of commits as archived (compression's source
// commits) without deleting them; GC removes archived rows later once
// retention windows expire.
func (s *Store) MarkArchived(ctx context.Context, tx *sql.Tx, hashes []string) error {
	exec := s.execer(tx)
	for _, h := range hashes {
		if _, err := exec.ExecContext(ctx, `UPDATE commits SET archived = 1 WHERE commit_hash = ?`, h); err != nil {
			return fmt.Errorf("storage: mark archived %s: %w", h, err)
		}
	}
	return nil
}

// DeleteCommit removes a commit row and its commit_parents entries. Callers
// (GC) are responsible for checking reachability first.
func (s *Store) DeleteCommit(ctx context.Context, tx *sql.Tx, commitHash string) error {
	exec := s.execer(tx)
	if _, err := exec.ExecContext(ctx, `DELETE FROM commit_parents WHERE commit_hash = ?`, commitHash); err != nil {
		return fmt.Errorf("storage: delete commit_parents for %s: %w", commitHash, err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM commit_tools WHERE commit_hash = ?`, commitHash); err != nil {
		return fmt.Errorf("storage: delete commit_tools for %s: %w", commitHash, err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM commits WHERE commit_hash = ?`, commitHash); err != nil {
		return fmt.Errorf("storage: delete commit %s: %w", commitHash, err)
	}
	return nil
}

// DeleteBlobIfUnreferenced removes a blob row if no remaining commit
// references its content hash.
func (s *Store) DeleteBlobIfUnreferenced(ctx context.Context, tx *sql.Tx, contentHash string) (bool, error) {
	exec := s.execer(tx)

	var count int
	if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits WHERE content_hash = ?`, contentHash).Scan(&count); err != nil {
		return false, fmt.Errorf("storage: count referrers for blob %s: %w", contentHash, err)
	}
	if count > 0 {
		return false, nil
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM blobs WHERE content_hash = ?`, contentHash); err != nil {
		return false, fmt.Errorf("storage: delete blob %s: %w", contentHash, err)
	}
	return true, nil
}

// ListAllCommitHashes returns every commit hash in a tract, for GC's
// orphan-candidate scan.
func (s *Store) ListAllCommitHashes(ctx context.Context, tractID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT commit_hash FROM commits WHERE tract_id = ?`, tractID)
	if err != nil {
		return nil, fmt.Errorf("storage: list commit hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan commit hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- refs ----

// UpsertRef creates or updates a ref (direct or symbolic; exactly one of
// CommitHash/SymbolicTarget should be set).
func (s *Store) UpsertRef(ctx context.Context, tx *sql.Tx, r RefRow) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO refs (tract_id, ref_name, commit_hash, symbolic_target)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tract_id, ref_name) DO UPDATE SET commit_hash = excluded.commit_hash, symbolic_target = excluded.symbolic_target`,
		r.TractID, r.RefName, nullable(r.CommitHash), nullable(r.SymbolicTarget))
	if err != nil {
		return fmt.Errorf("storage: upsert ref %s: %w", r.RefName, err)
	}
	return nil
}

// GetRef looks up a ref by name; returns ErrNotFound if absent.
func (s *Store) GetRef(ctx context.Context, tractID, refName string) (*RefRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tract_id, ref_name, commit_hash, symbolic_target FROM refs WHERE tract_id = ? AND ref_name = ?`,
		tractID, refName)

	var r RefRow
	var commitHash, symbolicTarget sql.NullString
	if err := row.Scan(&r.TractID, &r.RefName, &commitHash, &symbolicTarget); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get ref %s: %w", refName, err)
	}
	r.CommitHash = commitHash.String
	r.SymbolicTarget = symbolicTarget.String
	return &r, nil
}

// DeleteRef removes a ref by name.
func (s *Store) DeleteRef(ctx context.Context, tx *sql.Tx, tractID, refName string) error {
	exec := s.execer(tx)
	if _, err := exec.ExecContext(ctx, `DELETE FROM refs WHERE tract_id = ? AND ref_name = ?`, tractID, refName); err != nil {
		return fmt.Errorf("storage: delete ref %s: %w", refName, err)
	}
	return nil
}

// ListBranches returns every branch ref name (stripped of the
// "refs/heads/" prefix) for a tract.
func (s *Store) ListBranches(ctx context.Context, tractID, branchRefPrefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_name FROM refs WHERE tract_id = ? AND ref_name LIKE ? ORDER BY ref_name ASC`,
		tractID, branchRefPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: list branches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan branch ref: %w", err)
		}
		out = append(out, name[len(branchRefPrefix):])
	}
	return out, rows.Err()
}

// ---- annotations ----

// InsertAnnotation appends an annotation row, returning its autoincrement id.
func (s *Store) InsertAnnotation(ctx context.Context, tx *sql.Tx, a AnnotationRow) (int64, error) {
	exec := s.execer(tx)
	res, err := exec.ExecContext(ctx, `
		INSERT INTO annotations (tract_id, target_hash, priority, retention_json, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TractID, a.TargetHash, a.Priority, nullableBytes(a.RetentionJSON), nullableStr(a.Reason), a.CreatedAt.Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("storage: insert annotation for %s: %w", a.TargetHash, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: read annotation id: %w", err)
	}
	return id, nil
}

// LatestAnnotation returns the most recent annotation row for targetHash
// with created_at <= atTime (nil means "no limit"), or ErrNotFound if none.
func (s *Store) LatestAnnotation(ctx context.Context, tractID, targetHash string, atTime *time.Time) (*AnnotationRow, error) {
	query := `
		SELECT id, tract_id, target_hash, priority, retention_json, reason, created_at
		FROM annotations WHERE tract_id = ? AND target_hash = ?`
	args := []any{tractID, targetHash}
	if atTime != nil {
		query += ` AND created_at <= ?`
		args = append(args, atTime.Format(timeLayout))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	var a AnnotationRow
	var retention, reason sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.TractID, &a.TargetHash, &a.Priority, &retention, &reason, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: latest annotation for %s: %w", targetHash, err)
	}
	if retention.Valid {
		a.RetentionJSON = []byte(retention.String)
	}
	a.Reason = reason.String
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: parse annotation timestamp: %w", err)
	}
	a.CreatedAt = t
	return &a, nil
}

// ---- tool definitions ----

// SaveToolDefinitionIfAbsent inserts a tool schema row, deduplicated by
// content hash of its canonical JSON.
func (s *Store) SaveToolDefinitionIfAbsent(ctx context.Context, tx *sql.Tx, t ToolDefinitionRow) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO tool_definitions (content_hash, name, schema_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		t.ContentHash, t.Name, string(t.SchemaJSON), t.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("storage: save tool definition %s: %w", t.ContentHash, err)
	}
	return nil
}

// GetToolDefinition looks up a tool schema row by its content hash.
func (s *Store) GetToolDefinition(ctx context.Context, contentHash string) (*ToolDefinitionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_hash, name, schema_json, created_at FROM tool_definitions WHERE content_hash = ?`, contentHash)

	var t ToolDefinitionRow
	var schemaJSON, createdAt string
	if err := row.Scan(&t.ContentHash, &t.Name, &schemaJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get tool definition %s: %w", contentHash, err)
	}
	t.SchemaJSON = []byte(schemaJSON)
	tm, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("storage: parse tool definition timestamp: %w", err)
	}
	t.CreatedAt = tm
	return &t, nil
}

// LinkCommitTools records the ordered list of tool schema hashes active at commitHash.
func (s *Store) LinkCommitTools(ctx context.Context, tx *sql.Tx, commitHash string, schemaHashes []string) error {
	exec := s.execer(tx)
	for i, h := range schemaHashes {
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO commit_tools (commit_hash, position, schema_hash) VALUES (?, ?, ?)`,
			commitHash, i, h); err != nil {
			return fmt.Errorf("storage: link commit tool %d for %s: %w", i, commitHash, err)
		}
	}
	return nil
}

// GetCommitTools returns the ordered list of tool schema hashes for a commit.
func (s *Store) GetCommitTools(ctx context.Context, commitHash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schema_hash FROM commit_tools WHERE commit_hash = ? ORDER BY position ASC`, commitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: get commit tools for %s: %w", commitHash, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan commit tool: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- compile records ----

// InsertCompileRecord persists a generate()/chat() compile event plus its
// effective-commit ordering.
func (s *Store) InsertCompileRecord(ctx context.Context, tx *sql.Tx, r CompileRecordRow, commitHashes []string) error {
	exec := s.execer(tx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO compile_records (record_id, tract_id, head_hash, token_count, commit_count, token_source, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RecordID, r.TractID, r.HeadHash, r.TokenCount, r.CommitCount, r.TokenSource, nullableBytes(r.ParamsJSON), r.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("storage: insert compile record %s: %w", r.RecordID, err)
	}
	for i, h := range commitHashes {
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO compile_record_commits (record_id, position, commit_hash) VALUES (?, ?, ?)`,
			r.RecordID, i, h); err != nil {
			return fmt.Errorf("storage: insert compile record commit %d: %w", i, err)
		}
	}
	return nil
}

// ---- meta ----

// SetMeta sets a `_trace_meta` key-value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _trace_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads a `_trace_meta` value, or ErrNotFound if absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _trace_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get meta %s: %w", key, err)
	}
	return value, nil
}

// ---- helpers ----

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execer returns tx if non-nil, else the store's pooled *sql.DB, so every
// write method can optionally participate in a caller-managed transaction.
func (s *Store) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.db
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
