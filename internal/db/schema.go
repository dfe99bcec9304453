package db

// migrations holds the embedded schema scripts, applied in version
// order. Keep each migration additive: existing tables from earlier
// versions must remain intact.
var migrations = []migrationScript{
	{
		Version:     1,
		Description: "initial_schema",
		SQL: `
CREATE TABLE IF NOT EXISTS captures (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	pole_number TEXT NOT NULL DEFAULT '',
	drop_number TEXT NOT NULL DEFAULT '',
	customer_name TEXT NOT NULL DEFAULT '',
	customer_address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	sync_status TEXT NOT NULL DEFAULT 'pending',
	sync_error TEXT NOT NULL DEFAULT '',
	remote_id TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	local_version INTEGER NOT NULL DEFAULT 1,
	workflow TEXT NOT NULL DEFAULT '{}',
	photos TEXT NOT NULL DEFAULT '[]',
	required_photos TEXT NOT NULL DEFAULT '[]',
	completed_photos TEXT NOT NULL DEFAULT '[]',
	pole_location TEXT,
	gps_location TEXT,
	installation TEXT,
	approval TEXT,
	requires_rework INTEGER NOT NULL DEFAULT 0,
	captured_at INTEGER NOT NULL DEFAULT 0,
	synced_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_captures_project_status ON captures(project_id, status);
CREATE INDEX IF NOT EXISTS idx_captures_pole_status ON captures(pole_number, status);
CREATE INDEX IF NOT EXISTS idx_captures_sync_status ON captures(sync_status);

CREATE TABLE IF NOT EXISTS photos (
	id TEXT PRIMARY KEY,
	capture_id TEXT NOT NULL,
	type TEXT NOT NULL,
	upload_status TEXT NOT NULL DEFAULT 'pending',
	upload_url TEXT NOT NULL DEFAULT '',
	upload_error TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	original_size INTEGER NOT NULL DEFAULT 0,
	compressed INTEGER NOT NULL DEFAULT 0,
	captured_at INTEGER NOT NULL DEFAULT 0,
	uploaded_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_photos_capture_type ON photos(capture_id, type);
CREATE INDEX IF NOT EXISTS idx_photos_upload_status ON photos(upload_status);

CREATE TABLE IF NOT EXISTS assignments (
	id TEXT PRIMARY KEY,
	capture_id TEXT NOT NULL,
	technician_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	notes TEXT NOT NULL DEFAULT '',
	due_at INTEGER NOT NULL DEFAULT 0,
	accepted_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_capture ON assignments(capture_id);
CREATE INDEX IF NOT EXISTS idx_assignments_technician_status ON assignments(technician_id, status);

CREATE TABLE IF NOT EXISTS sync_queue (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'medium',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_attempt INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status_priority ON sync_queue(status, priority);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status_next_attempt ON sync_queue(status, next_attempt);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity_action ON sync_queue(entity_id, action);
`,
	},
}
