// Package db provides database connection management and operations.
package db

// schemaV1 is the initial schema, applied through the migrator.
//
// The operations table carries a monotonic seq (AUTOINCREMENT, never
// reused even after completed rows are swept) that orders the drain loop
// FIFO per record; status/retry fields are updated with atomic single-row
// writes.
const schemaV1 = `
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK(kind IN ('create','update','delete','sync')),
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','processing','completed','failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		field_name TEXT NOT NULL,
		local_value TEXT NOT NULL,
		local_timestamp INTEGER NOT NULL,
		server_value TEXT NOT NULL,
		server_timestamp INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'unresolved'
			CHECK(status IN ('unresolved','resolved')),
		resolution TEXT NOT NULL DEFAULT '',
		detected_at INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS record_cache (
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		field_name TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, record_id, field_name)
	);

	CREATE TABLE IF NOT EXISTS watermarks (
		scope TEXT NOT NULL,
		collection TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, collection)
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_record
		ON operations(collection, record_id, seq);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_coords
		ON conflicts(collection, record_id, field_name, status);
	CREATE INDEX IF NOT EXISTS idx_record_cache_dirty
		ON record_cache(collection, record_id, dirty);
	`

// InitSchema brings the database to the current schema version.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	m := NewMigrator(db.DB)
	if err := m.Initialize(); err != nil {
		return err
	}
	return m.Up()
}
