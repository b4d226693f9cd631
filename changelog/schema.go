package changelog

import (
	"fmt"
	"strings"
)

const (
	// DataTable holds captured changes keyed by (channel_id, data_id).
	DataTable = "cdc_data"

	// SeqTable stores the last allocated data id per channel.
	SeqTable = "cdc_channel_seq"

	// ContextTable carries the originating node for changes written by a
	// loader session so they are not routed back to it.
	ContextTable = "cdc_capture_context"
)

// Schema returns the DDL for the change log tables.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + DataTable + ` (
    channel_id     TEXT NOT NULL,
    data_id        INTEGER NOT NULL,
    event_type     TEXT NOT NULL,
    table_name     TEXT NOT NULL,
    row_data       TEXT,
    old_data       TEXT,
    pk_data        TEXT,
    transaction_id TEXT,
    source_node_id TEXT,
    external_data  TEXT,
    create_time    INTEGER NOT NULL,
    PRIMARY KEY(channel_id, data_id)
);`,
		`CREATE TABLE IF NOT EXISTS ` + SeqTable + ` (
    channel_id TEXT PRIMARY KEY,
    next_id    INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS ` + ContextTable + ` (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    source_node_id TEXT
);`,
	}
}

// TriggerSpec describes a source table captured into one channel.
type TriggerSpec struct {
	Channel   string
	Table     string
	Columns   []string
	PKColumns []string
}

// nowMillis is the SQLite expression for the current unix time in milliseconds.
const nowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// SQLiteCaptureTriggers returns the trigger DDL statements required to
// capture inserts, updates and deletes against spec.Table into cdc_data.
// Row images are serialized with json_object; ids come from the channel
// sequence so they increase in commit order within a writer.
func SQLiteCaptureTriggers(spec TriggerSpec) []string {
	base := "cdc_" + sanitizeIdentifier(spec.Table) + "_" + sanitizeIdentifier(spec.Channel)
	channel := quoteLiteral(spec.Channel)
	table := quoteLiteral(spec.Table)
	image := func(alias string, columns []string) string {
		if len(columns) == 0 {
			return "NULL"
		}
		pairs := make([]string, 0, len(columns))
		for _, column := range columns {
			pairs = append(pairs, fmt.Sprintf("%s, %s.%s", quoteLiteral(column), alias, quoteIdentifier(column)))
		}
		return "json_object(" + strings.Join(pairs, ", ") + ")"
	}
	advance := fmt.Sprintf(`INSERT INTO %[1]s(channel_id, next_id)
    VALUES (%[2]s, 1)
    ON CONFLICT(channel_id) DO UPDATE SET next_id = next_id + 1;`, SeqTable, channel)
	insert := func(event, rowAlias, oldAlias, pkAlias string) string {
		row, old := "NULL", "NULL"
		if rowAlias != "" {
			row = image(rowAlias, spec.Columns)
		}
		if oldAlias != "" {
			old = image(oldAlias, spec.Columns)
		}
		return fmt.Sprintf(`INSERT INTO %s(channel_id, data_id, event_type, table_name, row_data, old_data, pk_data, source_node_id, create_time)
    VALUES (
        %s,
        (SELECT next_id FROM %s WHERE channel_id = %s),
        '%s',
        %s,
        %s,
        %s,
        %s,
        (SELECT source_node_id FROM %s WHERE id = 1),
        %s
    );`, DataTable, channel, SeqTable, channel, event, table, row, old, image(pkAlias, spec.PKColumns), ContextTable, nowMillis)
	}
	target := quoteIdentifier(spec.Table)

	insertTrig := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ai AFTER INSERT ON %s
BEGIN
    %s
    %s
END;`, base, target, advance, insert("I", "NEW", "", "NEW"))

	updateTrig := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_au AFTER UPDATE ON %s
BEGIN
    %s
    %s
END;`, base, target, advance, insert("U", "NEW", "OLD", "NEW"))

	deleteTrig := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ad AFTER DELETE ON %s
BEGIN
    %s
    %s
END;`, base, target, advance, insert("D", "", "OLD", "OLD"))

	return []string{insertTrig, updateTrig, deleteTrig}
}

func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	replacer := strings.NewReplacer(".", "_", "-", "_", " ", "_", `"`, "")
	return replacer.Replace(name)
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func quoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
