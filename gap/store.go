package gap

import (
	"context"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/model"
)

// Load replaces the in-memory state with the persisted cursor and open
// gaps, discarding unflushed mutations. It is also how a failed pass
// recovers.
func (t *Tracker) Load(ctx context.Context, q engine.Querier) error {
	var last int64
	err := q.QueryRowContext(ctx, `SELECT last_data_id FROM `+CursorTable+` WHERE channel_id = ?`, t.channel).Scan(&last)
	if err != nil && !isNoRows(err) {
		return errors.Wrapf(err, "load cursor %s", t.channel)
	}
	rows, err := q.QueryContext(ctx, `SELECT start_id, end_id, create_time, last_update_time FROM `+GapTable+`
WHERE channel_id = ? AND status = ? ORDER BY start_id`, t.channel, string(model.GapOpen))
	if err != nil {
		return errors.Wrapf(err, "load gaps %s", t.channel)
	}
	defer rows.Close()
	gaps := btree.New(8)
	for rows.Next() {
		var start, end, created, updated int64
		if err := rows.Scan(&start, &end, &created, &updated); err != nil {
			return errors.Wrap(err, "scan gap")
		}
		gaps.ReplaceOrInsert(&entry{gap: model.Gap{
			ChannelID: t.channel,
			Start:     uint64(start),
			End:       uint64(end),
			Status:    model.GapOpen,
			CreatedAt: engine.Time(created),
			UpdatedAt: engine.Time(updated),
		}})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate gaps")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = uint64(last)
	t.gaps = gaps
	t.journal = nil
	t.dirty = false
	return nil
}

// Flush writes journaled gap mutations and the cursor through q, normally
// the route pass transaction. After a failed commit the caller must Load.
func (t *Tracker) Flush(ctx context.Context, q engine.Querier) error {
	t.mu.Lock()
	journal := t.journal
	dirty := t.dirty
	last := t.last
	t.journal = nil
	t.dirty = false
	t.mu.Unlock()

	for _, o := range journal {
		if err := apply(ctx, q, o); err != nil {
			return err
		}
	}
	if !dirty {
		return nil
	}
	_, err := q.ExecContext(ctx, `INSERT INTO `+CursorTable+`(channel_id, last_data_id, last_update_time) VALUES (?, ?, ?)
ON CONFLICT(channel_id) DO UPDATE SET last_data_id = excluded.last_data_id, last_update_time = excluded.last_update_time`,
		t.channel, engine.ID(last), engine.Millis(t.clock.Now()))
	return errors.Wrapf(err, "save cursor %s", t.channel)
}

func apply(ctx context.Context, q engine.Querier, o op) error {
	g := o.gap
	var err error
	switch o.kind {
	case opInsert:
		_, err = q.ExecContext(ctx, `INSERT INTO `+GapTable+`(channel_id, start_id, end_id, status, create_time, last_update_time)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(channel_id, start_id) DO UPDATE SET end_id = excluded.end_id, last_update_time = excluded.last_update_time
WHERE status = 'GP'`,
			g.ChannelID, engine.ID(g.Start), engine.ID(g.End), string(model.GapOpen), engine.Millis(g.CreatedAt), engine.Millis(g.UpdatedAt))
	case opUpdate:
		_, err = q.ExecContext(ctx, `UPDATE `+GapTable+` SET start_id = ?, end_id = ?, last_update_time = ?
WHERE channel_id = ? AND start_id = ? AND status = 'GP'`,
			engine.ID(g.Start), engine.ID(g.End), engine.Millis(g.UpdatedAt), g.ChannelID, engine.ID(o.oldStart))
	case opResolve:
		_, err = q.ExecContext(ctx, `UPDATE `+GapTable+` SET start_id = ?, end_id = ?, status = 'OK', last_update_time = ?
WHERE channel_id = ? AND start_id = ? AND status = 'GP'`,
			engine.ID(g.Start), engine.ID(g.End), engine.Millis(g.UpdatedAt), g.ChannelID, engine.ID(o.oldStart))
	}
	return errors.Wrapf(err, "flush gap %s [%d,%d]", g.ChannelID, g.Start, g.End)
}

// PurgeResolved deletes resolved gaps of the channel last updated before
// the given time.
func (t *Tracker) PurgeResolved(ctx context.Context, q engine.Querier, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM `+GapTable+` WHERE channel_id = ? AND status = 'OK' AND last_update_time < ?`,
		t.channel, engine.Millis(before))
	if err != nil {
		return 0, errors.Wrapf(err, "purge gaps %s", t.channel)
	}
	return res.RowsAffected()
}

// Resolved returns resolved gaps of the channel, mainly for diagnostics.
func (t *Tracker) Resolved(ctx context.Context, q engine.Querier) ([]model.Gap, error) {
	rows, err := q.QueryContext(ctx, `SELECT start_id, end_id, create_time, last_update_time FROM `+GapTable+`
WHERE channel_id = ? AND status = 'OK' ORDER BY start_id`, t.channel)
	if err != nil {
		return nil, errors.Wrapf(err, "load resolved gaps %s", t.channel)
	}
	defer rows.Close()
	var result []model.Gap
	for rows.Next() {
		var start, end, created, updated int64
		if err := rows.Scan(&start, &end, &created, &updated); err != nil {
			return nil, errors.Wrap(err, "scan gap")
		}
		result = append(result, model.Gap{ChannelID: t.channel, Start: uint64(start), End: uint64(end),
			Status: model.GapResolved, CreatedAt: engine.Time(created), UpdatedAt: engine.Time(updated)})
	}
	return result, errors.Wrap(rows.Err(), "iterate gaps")
}
