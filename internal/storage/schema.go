package storage

// schemaDDL creates every table in SPEC_FULL.md §6's storage table list,
// plus the indexes it names. CREATE TABLE/INDEX IF NOT EXISTS makes Open
// idempotent across repeated opens of the same database file.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS blobs (
	content_hash TEXT PRIMARY KEY,
	payload_json TEXT NOT NULL,
	byte_size    INTEGER NOT NULL,
	token_count  INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	commit_hash            TEXT PRIMARY KEY,
	tract_id               TEXT NOT NULL,
	parent_hash             TEXT,
	content_hash           TEXT NOT NULL,
	content_type           TEXT NOT NULL,
	operation              TEXT NOT NULL,
	response_to            TEXT,
	message                TEXT,
	token_count            INTEGER NOT NULL,
	metadata_json          TEXT,
	generation_config_json TEXT,
	archived               INTEGER NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commit_parents (
	commit_hash TEXT NOT NULL,
	position    INTEGER NOT NULL,
	parent_hash TEXT NOT NULL,
	PRIMARY KEY (commit_hash, position)
);

CREATE TABLE IF NOT EXISTS refs (
	tract_id        TEXT NOT NULL,
	ref_name        TEXT NOT NULL,
	commit_hash     TEXT,
	symbolic_target TEXT,
	PRIMARY KEY (tract_id, ref_name)
);

CREATE TABLE IF NOT EXISTS annotations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tract_id      TEXT NOT NULL,
	target_hash   TEXT NOT NULL,
	priority      TEXT NOT NULL,
	retention_json TEXT,
	reason        TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_definitions (
	content_hash TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	schema_json  TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commit_tools (
	commit_hash TEXT NOT NULL,
	position    INTEGER NOT NULL,
	schema_hash TEXT NOT NULL,
	PRIMARY KEY (commit_hash, position)
);

CREATE TABLE IF NOT EXISTS compile_records (
	record_id     TEXT PRIMARY KEY,
	tract_id      TEXT NOT NULL,
	head_hash     TEXT NOT NULL,
	token_count   INTEGER NOT NULL,
	commit_count  INTEGER NOT NULL,
	token_source  TEXT NOT NULL,
	params_json   TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS compile_record_commits (
	record_id   TEXT NOT NULL,
	position    INTEGER NOT NULL,
	commit_hash TEXT NOT NULL,
	PRIMARY KEY (record_id, position)
);

CREATE TABLE IF NOT EXISTS _trace_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_tract_created ON commits(tract_id, created_at);
CREATE INDEX IF NOT EXISTS idx_commits_tract_type ON commits(tract_id, content_type);
CREATE INDEX IF NOT EXISTS idx_commits_response_to ON commits(response_to);
CREATE INDEX IF NOT EXISTS idx_annotations_target_created ON annotations(target_hash, created_at);
`
