package router

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/engine"
)

// ErrorTable persists routing failures.
const ErrorTable = "cdc_routing_error"

// ErrorLogSchema returns the DDL for the routing error table.
func ErrorLogSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + ErrorTable + ` (
    channel_id  TEXT NOT NULL,
    data_id     INTEGER NOT NULL,
    rule_id     TEXT NOT NULL,
    group_id    TEXT NOT NULL,
    message     TEXT NOT NULL,
    create_time INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS ` + ErrorTable + `_data ON ` + ErrorTable + `(channel_id, data_id);`,
	}
}

// RecordFailures writes failures of channel through q, normally the pass
// transaction so failures are kept only for changes that were consumed.
func RecordFailures(ctx context.Context, q engine.Querier, channel string, failures []Failure, now time.Time) error {
	for _, failure := range failures {
		if _, err := q.ExecContext(ctx, `INSERT INTO `+ErrorTable+`(channel_id, data_id, rule_id, group_id, message, create_time) VALUES (?, ?, ?, ?, ?, ?)`,
			channel, engine.ID(failure.DataID), failure.RuleID, failure.Group, failure.Err.Error(), engine.Millis(now)); err != nil {
			return errors.Wrapf(err, "record routing failure %s/%d", channel, failure.DataID)
		}
	}
	return nil
}

// CountFailures returns the number of recorded failures for channel.
func CountFailures(ctx context.Context, q engine.Querier, channel string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+ErrorTable+` WHERE channel_id = ?`, channel).Scan(&count)
	return count, errors.Wrap(err, "count routing failures")
}
