package batch

const (
	// BatchTable holds batch headers keyed by (batch_id, node_id).
	BatchTable = "cdc_outgoing_batch"

	// EventTable holds the ordered change ids of each batch.
	EventTable = "cdc_data_event"

	// SequenceTable allocates batch ids.
	SequenceTable = "cdc_sequence"

	batchSequence = "outgoing_batch"
)

// Schema returns the DDL for the batch tables.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + BatchTable + ` (
    batch_id               INTEGER NOT NULL,
    node_id                TEXT NOT NULL,
    channel_id             TEXT NOT NULL,
    status                 TEXT NOT NULL,
    original_batch_id      INTEGER NOT NULL,
    attempt                INTEGER NOT NULL DEFAULT 1,
    row_count              INTEGER NOT NULL DEFAULT 0,
    byte_count             INTEGER NOT NULL DEFAULT 0,
    first_data_id          INTEGER NOT NULL DEFAULT 0,
    last_data_id           INTEGER NOT NULL DEFAULT 0,
    create_time            INTEGER NOT NULL,
    sealed_time            INTEGER NOT NULL DEFAULT 0,
    sent_time              INTEGER NOT NULL DEFAULT 0,
    ack_time               INTEGER NOT NULL DEFAULT 0,
    failed_row             INTEGER NOT NULL DEFAULT 0,
    error_code             TEXT,
    error_message          TEXT,
    next_retry_time        INTEGER NOT NULL DEFAULT 0,
    stalled                INTEGER NOT NULL DEFAULT 0,
    superseded             INTEGER NOT NULL DEFAULT 0,
    buffered_status        TEXT,
    buffered_failed_row    INTEGER NOT NULL DEFAULT 0,
    buffered_error_code    TEXT,
    buffered_error_message TEXT,
    PRIMARY KEY(batch_id, node_id)
);`,
		`CREATE INDEX IF NOT EXISTS ` + BatchTable + `_lane ON ` + BatchTable + `(node_id, channel_id, original_batch_id);`,
		`CREATE INDEX IF NOT EXISTS ` + BatchTable + `_status ON ` + BatchTable + `(channel_id, status);`,
		`CREATE TABLE IF NOT EXISTS ` + EventTable + ` (
    batch_id  INTEGER NOT NULL,
    node_id   TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    data_id   INTEGER NOT NULL,
    byte_size INTEGER NOT NULL,
    PRIMARY KEY(batch_id, node_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS ` + SequenceTable + ` (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);`,
	}
}
