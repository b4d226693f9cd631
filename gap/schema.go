package gap

const (
	// GapTable persists gaps keyed by (channel_id, start_id).
	GapTable = "cdc_data_gap"

	// CursorTable persists the highest processed id per channel.
	CursorTable = "cdc_channel_cursor"
)

// Schema returns the DDL for the gap and cursor tables.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + GapTable + ` (
    channel_id       TEXT NOT NULL,
    start_id         INTEGER NOT NULL,
    end_id           INTEGER NOT NULL,
    status           TEXT NOT NULL,
    create_time      INTEGER NOT NULL,
    last_update_time INTEGER NOT NULL,
    PRIMARY KEY(channel_id, start_id)
);`,
		`CREATE INDEX IF NOT EXISTS ` + GapTable + `_status ON ` + GapTable + `(channel_id, status);`,
		`CREATE TABLE IF NOT EXISTS ` + CursorTable + ` (
    channel_id       TEXT PRIMARY KEY,
    last_data_id     INTEGER NOT NULL,
    last_update_time INTEGER NOT NULL
);`,
	}
}
