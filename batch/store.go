package batch

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/model"
)

var (
	// ErrBatchNotFound is returned for unknown (batch, node) keys.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the batch's current status.
	ErrInvalidTransition = errors.New("invalid batch status transition")
)

// record is a persisted batch with its pending out-of-order acknowledgement.
type record struct {
	model.Batch
	buffered *model.Outcome
}

// Store persists batches and their events. Writes go through the Querier
// passed by the caller so they join the caller's transaction.
type Store struct {
	db *sql.DB
}

// NewStore returns a batch store over db.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Init creates the batch tables.
func (s *Store) Init(ctx context.Context) error {
	return engine.ExecAll(ctx, s.db, Schema()...)
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) nextID(ctx context.Context, q engine.Querier) (uint64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO `+SequenceTable+`(name, value) VALUES (?, 1)
ON CONFLICT(name) DO UPDATE SET value = value + 1`, batchSequence); err != nil {
		return 0, errors.Wrap(err, "advance batch sequence")
	}
	var id int64
	err := q.QueryRowContext(ctx, `SELECT value FROM `+SequenceTable+` WHERE name = ?`, batchSequence).Scan(&id)
	return uint64(id), errors.Wrap(err, "read batch sequence")
}

func (s *Store) insert(ctx context.Context, q engine.Querier, b *model.Batch) error {
	_, err := q.ExecContext(ctx, `INSERT INTO `+BatchTable+`(batch_id, node_id, channel_id, status, original_batch_id, attempt,
    row_count, byte_count, first_data_id, last_data_id, create_time, sealed_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		engine.ID(b.ID), b.NodeID, b.ChannelID, string(b.Status), engine.ID(b.OriginalID), b.Attempt,
		b.RowCount, b.ByteCount, engine.ID(firstID(b)), engine.ID(b.LastDataID()), engine.Millis(b.CreatedAt), engine.Millis(b.SealedAt))
	return errors.Wrapf(err, "insert batch %s", b.Key())
}

// addEvent appends dataID to b, persisting the event and the header totals.
func (s *Store) addEvent(ctx context.Context, q engine.Querier, b *model.Batch, dataID uint64, size int) error {
	seq := len(b.DataIDs) + 1
	if _, err := q.ExecContext(ctx, `INSERT INTO `+EventTable+`(batch_id, node_id, seq, data_id, byte_size) VALUES (?, ?, ?, ?, ?)`,
		engine.ID(b.ID), b.NodeID, seq, engine.ID(dataID), size); err != nil {
		return errors.Wrapf(err, "insert event %d into batch %s", dataID, b.Key())
	}
	b.DataIDs = append(b.DataIDs, dataID)
	b.RowCount++
	b.ByteCount += size
	_, err := q.ExecContext(ctx, `UPDATE `+BatchTable+` SET row_count = ?, byte_count = ?, first_data_id = ?, last_data_id = ?
WHERE batch_id = ? AND node_id = ?`, b.RowCount, b.ByteCount, engine.ID(firstID(b)), engine.ID(dataID), engine.ID(b.ID), b.NodeID)
	return errors.Wrapf(err, "update batch %s", b.Key())
}

func (s *Store) copyEvents(ctx context.Context, q engine.Querier, from *model.Batch, to *model.Batch, fromSeq int) error {
	_, err := q.ExecContext(ctx, `INSERT INTO `+EventTable+`(batch_id, node_id, seq, data_id, byte_size)
SELECT ?, node_id, seq - ?, data_id, byte_size FROM `+EventTable+`
WHERE batch_id = ? AND node_id = ? AND seq >= ? ORDER BY seq`,
		engine.ID(to.ID), fromSeq-1, engine.ID(from.ID), from.NodeID, fromSeq)
	return errors.Wrapf(err, "copy events %s -> %s", from.Key(), to.Key())
}

func (s *Store) seal(ctx context.Context, q engine.Querier, b *model.Batch, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE `+BatchTable+` SET status = ?, sealed_time = ? WHERE batch_id = ? AND node_id = ? AND status = ?`,
		string(model.BatchReady), engine.Millis(now), engine.ID(b.ID), b.NodeID, string(model.BatchNew))
	if err != nil {
		return errors.Wrapf(err, "seal batch %s", b.Key())
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.Wrapf(ErrInvalidTransition, "seal batch %s", b.Key())
	}
	b.Status = model.BatchReady
	b.SealedAt = now
	return nil
}

const batchColumns = `batch_id, node_id, channel_id, status, original_batch_id, attempt, row_count, byte_count,
    create_time, sealed_time, sent_time, ack_time, failed_row, COALESCE(error_code, ''), COALESCE(error_message, ''),
    next_retry_time, stalled, superseded, COALESCE(buffered_status, ''), buffered_failed_row,
    COALESCE(buffered_error_code, ''), COALESCE(buffered_error_message, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record, error) {
	r := &record{}
	var (
		id, original                            int64
		status, bufferedStatus                  string
		created, sealed, sent, acked, nextRetry int64
		stalled, superseded, bufferedRow        int
		bufferedCode, bufferedMessage           string
	)
	if err := row.Scan(&id, &r.NodeID, &r.ChannelID, &status, &original, &r.Attempt, &r.RowCount, &r.ByteCount,
		&created, &sealed, &sent, &acked, &r.FailedRow, &r.ErrorCode, &r.ErrorMessage,
		&nextRetry, &stalled, &superseded, &bufferedStatus, &bufferedRow, &bufferedCode, &bufferedMessage); err != nil {
		return nil, err
	}
	r.ID = uint64(id)
	r.OriginalID = uint64(original)
	r.Status = model.BatchStatus(status)
	r.CreatedAt = engine.Time(created)
	r.SealedAt = engine.Time(sealed)
	r.SentAt = engine.Time(sent)
	r.AckedAt = engine.Time(acked)
	r.NextRetryAt = engine.Time(nextRetry)
	r.Stalled = stalled != 0
	r.Superseded = superseded != 0
	switch model.BatchStatus(bufferedStatus) {
	case model.BatchAckedOK:
		r.buffered = &model.Outcome{OK: true}
	case model.BatchAckedError:
		r.buffered = &model.Outcome{FailedRow: bufferedRow, ErrorCode: bufferedCode, ErrorMessage: bufferedMessage}
	}
	return r, nil
}

func (s *Store) get(ctx context.Context, q engine.Querier, batchID uint64, nodeID string) (*record, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM `+BatchTable+` WHERE batch_id = ? AND node_id = ?`,
		engine.ID(batchID), nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrBatchNotFound, "%d-%s", batchID, nodeID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load batch %d-%s", batchID, nodeID)
	}
	return r, nil
}

func (s *Store) query(ctx context.Context, q engine.Querier, where string, args ...any) ([]*record, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+batchColumns+` FROM `+BatchTable+` WHERE `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query batches")
	}
	defer rows.Close()
	var result []*record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan batch")
		}
		result = append(result, r)
	}
	return result, errors.Wrap(rows.Err(), "iterate batches")
}

// loadEvents fills DataIDs of the given batches.
func (s *Store) loadEvents(ctx context.Context, q engine.Querier, batches ...*model.Batch) error {
	for _, b := range batches {
		rows, err := q.QueryContext(ctx, `SELECT data_id FROM `+EventTable+` WHERE batch_id = ? AND node_id = ? ORDER BY seq`,
			engine.ID(b.ID), b.NodeID)
		if err != nil {
			return errors.Wrapf(err, "load events %s", b.Key())
		}
		b.DataIDs = b.DataIDs[:0]
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "scan event")
			}
			b.DataIDs = append(b.DataIDs, uint64(id))
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

// lane returns the unresolved, current attempts of the (node, channel) lane
// in original batch order.
func (s *Store) lane(ctx context.Context, q engine.Querier, nodeID, channel string) ([]*record, error) {
	return s.query(ctx, q, `node_id = ? AND channel_id = ? AND superseded = 0 AND status NOT IN ('ACKED_OK', 'IGNORED')
ORDER BY original_batch_id, attempt`, nodeID, channel)
}

func (s *Store) exec(ctx context.Context, q engine.Querier, b *model.Batch, set string, args ...any) error {
	args = append(args, engine.ID(b.ID), b.NodeID)
	_, err := q.ExecContext(ctx, `UPDATE `+BatchTable+` SET `+set+` WHERE batch_id = ? AND node_id = ?`, args...)
	return errors.Wrapf(err, "update batch %s", b.Key())
}

// Get returns a batch with its events.
func (s *Store) Get(ctx context.Context, batchID uint64, nodeID string) (*model.Batch, error) {
	r, err := s.get(ctx, s.db, batchID, nodeID)
	if err != nil {
		return nil, err
	}
	if err := s.loadEvents(ctx, s.db, &r.Batch); err != nil {
		return nil, err
	}
	return &r.Batch, nil
}

// List returns batches of channel in the given statuses (all when empty),
// ordered by id.
func (s *Store) List(ctx context.Context, channel string, statuses ...model.BatchStatus) ([]*model.Batch, error) {
	where := `channel_id = ?`
	args := []any{channel}
	if len(statuses) > 0 {
		where += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	records, err := s.query(ctx, s.db, where+` ORDER BY batch_id, node_id`, args...)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Batch, 0, len(records))
	for _, r := range records {
		result = append(result, &r.Batch)
	}
	return result, s.loadEvents(ctx, s.db, result...)
}

// LowWatermark returns the lowest change id still referenced by an
// unresolved batch of channel; ok is false when every batch is resolved.
func (s *Store) LowWatermark(ctx context.Context, channel string) (uint64, bool, error) {
	var low sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(e.data_id) FROM `+EventTable+` e
JOIN `+BatchTable+` b ON b.batch_id = e.batch_id AND b.node_id = e.node_id
WHERE b.channel_id = ? AND b.superseded = 0 AND b.status NOT IN ('ACKED_OK', 'IGNORED')`, channel).Scan(&low)
	if err != nil {
		return 0, false, errors.Wrapf(err, "low watermark %s", channel)
	}
	return uint64(low.Int64), low.Valid, nil
}

func firstID(b *model.Batch) uint64 {
	if len(b.DataIDs) == 0 {
		return 0
	}
	return b.DataIDs[0]
}
