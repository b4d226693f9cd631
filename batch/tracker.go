package batch

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/metrics"
	"github.com/viant/sqlite-cdc/model"
)

// AckResult describes how an acknowledgement was applied.
type AckResult struct {
	// Status is the batch status after the acknowledgement.
	Status model.BatchStatus
	// Buffered is set when an earlier batch of the lane is unresolved; the
	// outcome is applied once it resolves.
	Buffered bool
	// Duplicate is set when the batch was already acknowledged.
	Duplicate   bool
	Stalled     bool
	NextRetryAt time.Time
	// Released lists batches whose buffered acknowledgements were applied
	// as a consequence of this one.
	Released []model.Batch
}

// Tracker applies delivery state changes to sealed batches. A lane is the
// (node, channel) pair; within a lane batches are delivered and resolved in
// original batch order.
type Tracker struct {
	mu       sync.Mutex
	store    *Store
	policy   RetryPolicy
	options  Options
	logger   logrus.FieldLogger
	channels map[string]model.Channel
}

// NewTracker returns an acknowledgement tracker over store.
func NewTracker(store *Store, policy RetryPolicy, options Options) *Tracker {
	policy.SetDefault()
	options.setDefault()
	return &Tracker{
		store:    store,
		policy:   policy,
		options:  options,
		logger:   options.Logger.WithField("component", "ack_tracker"),
		channels: map[string]model.Channel{},
	}
}

// Register makes channel settings (retry mode, attempts, processing order)
// known to the tracker.
func (t *Tracker) Register(channel model.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[channel.ID] = channel
}

func (t *Tracker) channel(id string) model.Channel {
	channel, ok := t.channels[id]
	if !ok {
		channel = model.Channel{ID: id}
	}
	if channel.MaxAttempts <= 0 {
		channel.MaxAttempts = DefaultMaxAttempts
	}
	if channel.RetryMode == "" {
		channel.RetryMode = model.RetryPartial
	}
	return channel
}

// Get returns a batch with its events.
func (t *Tracker) Get(ctx context.Context, batchID uint64, nodeID string) (*model.Batch, error) {
	return t.store.Get(ctx, batchID, nodeID)
}

// MarkSent records that a READY batch was handed to the transport. Marking a
// SENT batch again refreshes its sent time.
func (t *Tracker) MarkSent(ctx context.Context, batchID uint64, nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return engine.WithTx(ctx, t.store.db, func(tx *sql.Tx) error {
		r, err := t.store.get(ctx, tx, batchID, nodeID)
		if err != nil {
			return err
		}
		if r.Superseded || (r.Status != model.BatchReady && r.Status != model.BatchSent) {
			return errors.Wrapf(ErrInvalidTransition, "mark sent %s in status %s", r.Key(), r.Status)
		}
		return t.store.exec(ctx, tx, &r.Batch, `status = ?, sent_time = ?`, string(model.BatchSent), engine.Millis(t.options.Clock.Now()))
	})
}

// Ack applies a peer's outcome for a batch. Acknowledgements for a batch
// whose lane has an earlier unresolved batch are buffered; repeated
// acknowledgements are reported as duplicates and change nothing.
func (t *Tracker) Ack(ctx context.Context, batchID uint64, nodeID string, outcome model.Outcome) (*AckResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := &AckResult{}
	err := engine.WithTx(ctx, t.store.db, func(tx *sql.Tx) error {
		r, err := t.store.get(ctx, tx, batchID, nodeID)
		if err != nil {
			return err
		}
		logger := t.logger.WithFields(logrus.Fields{"batch_id": r.ID, "node": r.NodeID, "channel": r.ChannelID})
		if r.Superseded || r.buffered != nil || r.Status.Terminal() || r.Status == model.BatchAckedError {
			result.Duplicate = true
			result.Status = r.Status
			t.options.Metric.AddAck(r.ChannelID, metrics.AckDuplicate)
			logger.Debug("duplicate acknowledgement")
			return nil
		}
		if r.Status != model.BatchSent && r.Status != model.BatchReady {
			return errors.Wrapf(ErrInvalidTransition, "ack %s in status %s", r.Key(), r.Status)
		}
		lane, err := t.store.lane(ctx, tx, r.NodeID, r.ChannelID)
		if err != nil {
			return err
		}
		for _, earlier := range lane {
			if earlier.OriginalID >= r.OriginalID {
				break
			}
			result.Buffered = true
			result.Status = r.Status
			t.options.Metric.AddAck(r.ChannelID, metrics.AckBuffered)
			logger.WithField("blocking_batch_id", earlier.ID).Warn("acknowledgement out of order, buffered until earlier batch resolves")
			return t.buffer(ctx, tx, r, outcome)
		}
		if err := t.apply(ctx, tx, r, outcome); err != nil {
			return err
		}
		result.Status = r.Status
		result.Stalled = r.Stalled
		result.NextRetryAt = r.NextRetryAt
		released, err := t.drain(ctx, tx, r.NodeID, r.ChannelID)
		result.Released = released
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Tracker) buffer(ctx context.Context, q engine.Querier, r *record, outcome model.Outcome) error {
	status := model.BatchAckedOK
	if !outcome.OK {
		status = model.BatchAckedError
	}
	return t.store.exec(ctx, q, &r.Batch, `buffered_status = ?, buffered_failed_row = ?, buffered_error_code = ?, buffered_error_message = ?`,
		string(status), outcome.FailedRow, nullable(outcome.ErrorCode), nullable(outcome.ErrorMessage))
}

const clearBuffered = `buffered_status = NULL, buffered_failed_row = 0, buffered_error_code = NULL, buffered_error_message = NULL`

// apply moves r to ACKED_OK or ACKED_ERROR, scheduling a retry or marking
// the batch stalled on error.
func (t *Tracker) apply(ctx context.Context, q engine.Querier, r *record, outcome model.Outcome) error {
	now := t.options.Clock.Now()
	logger := t.logger.WithFields(logrus.Fields{"batch_id": r.ID, "node": r.NodeID, "channel": r.ChannelID, "attempt": r.Attempt})
	r.AckedAt = now
	r.buffered = nil
	if outcome.OK {
		r.Status = model.BatchAckedOK
		r.Stalled = false
		t.options.Metric.AddAck(r.ChannelID, metrics.AckOK)
		return t.store.exec(ctx, q, &r.Batch, `status = ?, ack_time = ?, failed_row = 0, error_code = NULL, error_message = NULL,
    next_retry_time = 0, stalled = 0, `+clearBuffered, string(r.Status), engine.Millis(now))
	}
	channel := t.channel(r.ChannelID)
	r.Status = model.BatchAckedError
	r.FailedRow = outcome.FailedRow
	r.ErrorCode = outcome.ErrorCode
	r.ErrorMessage = outcome.ErrorMessage
	if r.Attempt >= channel.MaxAttempts {
		r.Stalled = true
		r.NextRetryAt = time.Time{}
		t.options.Metric.AddAck(r.ChannelID, metrics.AckStalled)
		logger.WithFields(logrus.Fields{"error_code": outcome.ErrorCode, "failed_row": outcome.FailedRow}).
			Error("batch exhausted retry attempts, lane stalled until operator action")
	} else {
		r.NextRetryAt = now.Add(t.policy.Delay(r.Attempt))
		t.options.Metric.AddAck(r.ChannelID, metrics.AckError)
		logger.WithFields(logrus.Fields{"error_code": outcome.ErrorCode, "failed_row": outcome.FailedRow, "next_retry": r.NextRetryAt}).
			Warn("batch delivery failed")
	}
	return t.store.exec(ctx, q, &r.Batch, `status = ?, ack_time = ?, failed_row = ?, error_code = ?, error_message = ?,
    next_retry_time = ?, stalled = ?, `+clearBuffered,
		string(r.Status), engine.Millis(now), r.FailedRow, nullable(r.ErrorCode), nullable(r.ErrorMessage),
		engine.Millis(r.NextRetryAt), boolInt(r.Stalled))
}

// drain applies buffered acknowledgements at the head of the lane until it
// reaches a batch without one or a buffered error.
func (t *Tracker) drain(ctx context.Context, q engine.Querier, nodeID, channel string) ([]model.Batch, error) {
	lane, err := t.store.lane(ctx, q, nodeID, channel)
	if err != nil {
		return nil, err
	}
	var released []model.Batch
	for _, r := range lane {
		if r.buffered == nil {
			break
		}
		outcome := *r.buffered
		if err := t.apply(ctx, q, r, outcome); err != nil {
			return released, err
		}
		released = append(released, r.Batch)
		if !outcome.OK {
			break
		}
	}
	return released, nil
}

// ListPending returns READY and SENT batches destined for nodeID in delivery
// order: lanes by channel processing order, batches by original id. A lane
// stops at its first unresolved ACKED_ERROR batch.
func (t *Tracker) ListPending(ctx context.Context, nodeID string) ([]*model.Batch, error) {
	records, err := t.store.query(ctx, t.store.db, `node_id = ? AND superseded = 0 AND status IN ('READY', 'SENT', 'ACKED_ERROR')
ORDER BY channel_id, original_batch_id, attempt`, nodeID)
	if err != nil {
		return nil, err
	}
	lanes := map[string][]*record{}
	var channels []string
	for _, r := range records {
		if _, ok := lanes[r.ChannelID]; !ok {
			channels = append(channels, r.ChannelID)
		}
		lanes[r.ChannelID] = append(lanes[r.ChannelID], r)
	}
	t.mu.Lock()
	sort.SliceStable(channels, func(i, j int) bool {
		left, right := t.channel(channels[i]), t.channel(channels[j])
		if left.ProcessingOrder != right.ProcessingOrder {
			return left.ProcessingOrder < right.ProcessingOrder
		}
		return channels[i] < channels[j]
	})
	t.mu.Unlock()
	var result []*model.Batch
	for _, channel := range channels {
		for _, r := range lanes[channel] {
			if r.Status == model.BatchAckedError {
				break
			}
			if r.buffered != nil {
				continue
			}
			result = append(result, &r.Batch)
		}
	}
	return result, t.store.loadEvents(ctx, t.store.db, result...)
}

// RetryDue creates retry attempts for failed batches of channel whose retry
// time has come and returns them.
func (t *Tracker) RetryDue(ctx context.Context, channel string) ([]*model.Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var created []*model.Batch
	err := engine.WithTx(ctx, t.store.db, func(tx *sql.Tx) error {
		records, err := t.store.query(ctx, tx, `channel_id = ? AND status = 'ACKED_ERROR' AND superseded = 0 AND stalled = 0
AND next_retry_time <= ? ORDER BY original_batch_id`, channel, engine.Millis(t.options.Clock.Now()))
		if err != nil {
			return err
		}
		for _, r := range records {
			retry, err := t.retry(ctx, tx, r)
			if err != nil {
				return err
			}
			created = append(created, retry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RetryNow creates a new attempt for a failed batch regardless of its retry
// time or stall; it is the operator's way to unblock a stalled lane.
func (t *Tracker) RetryNow(ctx context.Context, batchID uint64, nodeID string) (*model.Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var created *model.Batch
	err := engine.WithTx(ctx, t.store.db, func(tx *sql.Tx) error {
		r, err := t.store.get(ctx, tx, batchID, nodeID)
		if err != nil {
			return err
		}
		if r.Superseded || r.Status != model.BatchAckedError {
			return errors.Wrapf(ErrInvalidTransition, "retry %s in status %s", r.Key(), r.Status)
		}
		created, err = t.retry(ctx, tx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// retry creates attempt+1 of r as a READY batch carrying the events from
// the failed row onward (partial mode) or all events (full mode), and marks
// r superseded.
func (t *Tracker) retry(ctx context.Context, q engine.Querier, r *record) (*model.Batch, error) {
	channel := t.channel(r.ChannelID)
	if err := t.store.loadEvents(ctx, q, &r.Batch); err != nil {
		return nil, err
	}
	fromSeq := 1
	if channel.RetryMode != model.RetryFull && r.FailedRow > 1 && r.FailedRow <= len(r.DataIDs) {
		fromSeq = r.FailedRow
	}
	id, err := t.store.nextID(ctx, q)
	if err != nil {
		return nil, err
	}
	now := t.options.Clock.Now()
	next := &model.Batch{
		ID:         id,
		NodeID:     r.NodeID,
		ChannelID:  r.ChannelID,
		Status:     model.BatchReady,
		DataIDs:    append([]uint64(nil), r.DataIDs[fromSeq-1:]...),
		OriginalID: r.OriginalID,
		Attempt:    r.Attempt + 1,
		CreatedAt:  now,
		SealedAt:   now,
	}
	next.RowCount = len(next.DataIDs)
	if err := t.store.insert(ctx, q, next); err != nil {
		return nil, err
	}
	if err := t.store.copyEvents(ctx, q, &r.Batch, next, fromSeq); err != nil {
		return nil, err
	}
	if err := q.QueryRowContext(ctx, `UPDATE `+BatchTable+` SET byte_count = (SELECT COALESCE(SUM(byte_size), 0) FROM `+EventTable+`
WHERE batch_id = ? AND node_id = ?) WHERE batch_id = ? AND node_id = ? RETURNING byte_count`,
		engine.ID(next.ID), next.NodeID, engine.ID(next.ID), next.NodeID).Scan(&next.ByteCount); err != nil {
		return nil, errors.Wrapf(err, "size retry %s", next.Key())
	}
	if err := t.store.exec(ctx, q, &r.Batch, `superseded = 1, stalled = 0`); err != nil {
		return nil, err
	}
	t.options.Metric.AddRetry(r.ChannelID)
	t.logger.WithFields(logrus.Fields{"batch_id": next.ID, "original_batch_id": next.OriginalID, "node": next.NodeID,
		"attempt": next.Attempt, "rows": next.RowCount}).Info("created retry attempt")
	return next, nil
}

// Ignore resolves a batch without delivery. Later buffered acknowledgements
// of the lane are released.
func (t *Tracker) Ignore(ctx context.Context, batchID uint64, nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return engine.WithTx(ctx, t.store.db, func(tx *sql.Tx) error {
		r, err := t.store.get(ctx, tx, batchID, nodeID)
		if err != nil {
			return err
		}
		if r.Status == model.BatchIgnored {
			return nil
		}
		if r.Superseded || r.Status == model.BatchNew || r.Status == model.BatchAckedOK {
			return errors.Wrapf(ErrInvalidTransition, "ignore %s in status %s", r.Key(), r.Status)
		}
		if err := t.store.exec(ctx, tx, &r.Batch, `status = ?, ack_time = ?, stalled = 0, next_retry_time = 0, `+clearBuffered,
			string(model.BatchIgnored), engine.Millis(t.options.Clock.Now())); err != nil {
			return err
		}
		t.logger.WithFields(logrus.Fields{"batch_id": r.ID, "node": r.NodeID, "channel": r.ChannelID}).Warn("batch ignored by operator")
		_, err = t.drain(ctx, tx, r.NodeID, r.ChannelID)
		return err
	})
}

// Stalled returns failed batches that exhausted their attempts.
func (t *Tracker) Stalled(ctx context.Context) ([]*model.Batch, error) {
	records, err := t.store.query(ctx, t.store.db, `status = 'ACKED_ERROR' AND stalled = 1 AND superseded = 0 ORDER BY batch_id, node_id`)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Batch, 0, len(records))
	for _, r := range records {
		result = append(result, &r.Batch)
	}
	return result, t.store.loadEvents(ctx, t.store.db, result...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
