package tracker

// Schema DDL applied at startup (and by integration tests). The original
// deployments created these tables on boot rather than through a migration
// tool, and both sides keep that behavior.

// BatchSchema is the consumer-side tracker table.
const BatchSchema = `
CREATE TABLE IF NOT EXISTS batch_tracker (
	request_id          TEXT PRIMARY KEY,
	status              TEXT NOT NULL,
	last_part_processed INTEGER NOT NULL DEFAULT 0,
	last_index          INTEGER,
	last_run            TIMESTAMPTZ NOT NULL,
	request_payload     JSONB
);
CREATE INDEX IF NOT EXISTS idx_batch_tracker_status ON batch_tracker (status);
`

// RequestSchema is the provider-side tracker table.
const RequestSchema = `
CREATE TABLE IF NOT EXISTS request_tracker (
	tenant_id            TEXT NOT NULL,
	request_id           TEXT NOT NULL,
	status               TEXT NOT NULL,
	files                JSONB NOT NULL DEFAULT '[]',
	error                TEXT,
	created_at           TIMESTAMPTZ NOT NULL,
	last_processed_index INTEGER NOT NULL DEFAULT 0,
	request_payload      JSONB,
	PRIMARY KEY (tenant_id, request_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_request_tracker_request ON request_tracker (request_id);
CREATE INDEX IF NOT EXISTS idx_request_tracker_status ON request_tracker (status);
`
