package batch

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/sqlite-cdc/changelog"
	"github.com/viant/sqlite-cdc/model"
)

type trackerFixture struct {
	ctx     context.Context
	clock   *testclock.Clock
	store   *Store
	builder *Builder
	tracker *Tracker
}

func newTrackerFixture(t *testing.T, channel model.Channel) *trackerFixture {
	t.Helper()
	store, _ := newTestStore(t)
	clk := testclock.NewClock(epoch)
	tracker := NewTracker(store, RetryPolicy{Initial: time.Second, Max: 4 * time.Second}, testOptions(clk))
	tracker.Register(channel)
	return &trackerFixture{
		ctx:     context.Background(),
		clock:   clk,
		store:   store,
		builder: NewBuilder(channel, store, testOptions(clk)),
		tracker: tracker,
	}
}

// sealed accepts the ids for node and flushes them into one READY batch.
func (f *trackerFixture) sealed(t *testing.T, node string, dataIDs ...uint64) *model.Batch {
	t.Helper()
	for _, id := range dataIDs {
		_, err := f.builder.Accept(f.ctx, f.store.DB(), change(id), node)
		require.NoError(t, err)
	}
	b, err := f.builder.Flush(f.ctx, f.store.DB(), node)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func pendingIDs(batches []*model.Batch) []uint64 {
	var result []uint64
	for _, b := range batches {
		result = append(result, b.OriginalID)
	}
	return result
}

func TestTracker_AckOrdering(t *testing.T) {
	f := newTrackerFixture(t, model.Channel{ID: "sales", MaxBatchRows: 10})
	k := f.sealed(t, "n1", 1, 2)
	k1 := f.sealed(t, "n1", 3, 4)
	require.NoError(t, f.tracker.MarkSent(f.ctx, k.ID, "n1"))
	require.NoError(t, f.tracker.MarkSent(f.ctx, k1.ID, "n1"))

	res, err := f.tracker.Ack(f.ctx, k.ID, "n1", model.Failed(2, "23505", "duplicate key"))
	require.NoError(t, err)
	assert.Equal(t, model.BatchAckedError, res.Status)
	assert.Equal(t, epoch.Add(time.Second), res.NextRetryAt)
	assert.False(t, res.Stalled)

	res, err = f.tracker.Ack(f.ctx, k1.ID, "n1", model.Success())
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.Equal(t, model.BatchSent, res.Status)

	got, err := f.tracker.Get(f.ctx, k1.ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchSent, got.Status, "a buffered acknowledgement must not change the status")

	pending, err := f.tracker.ListPending(f.ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, pending, "the lane is blocked by the failed batch")

	retries, err := f.tracker.RetryDue(f.ctx, "sales")
	require.NoError(t, err)
	assert.Empty(t, retries)

	f.clock.Advance(time.Second)
	retries, err = f.tracker.RetryDue(f.ctx, "sales")
	require.NoError(t, err)
	require.Len(t, retries, 1)
	retry := retries[0]
	assert.Equal(t, k.ID, retry.OriginalID)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, model.BatchReady, retry.Status)
	assert.Equal(t, []uint64{2}, retry.DataIDs, "partial retry resends from the failed row")

	old, err := f.tracker.Get(f.ctx, k.ID, "n1")
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	pending, err = f.tracker.ListPending(f.ctx, "n1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, retry.ID, pending[0].ID)
	assert.Equal(t, []uint64{2}, pending[0].DataIDs)

	res, err = f.tracker.Ack(f.ctx, retry.ID, "n1", model.Success())
	require.NoError(t, err)
	assert.Equal(t, model.BatchAckedOK, res.Status)
	require.Len(t, res.Released, 1)
	assert.Equal(t, k1.ID, res.Released[0].ID)

	got, err = f.tracker.Get(f.ctx, k1.ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchAckedOK, got.Status)
}

func TestTracker_BufferedErrorStopsDrain(t *testing.T) {
	f := newTrackerFixture(t, model.Channel{ID: "sales", MaxBatchRows: 10})
	b1 := f.sealed(t, "n1", 1)
	b2 := f.sealed(t, "n1", 2)
	b3 := f.sealed(t, "n1", 3)

	for _, b := range []*model.Batch{b2, b3} {
		res, err := f.tracker.Ack(f.ctx, b.ID, "n1", func() model.Outcome {
			if b == b2 {
				return model.Failed(1, "E1", "bad row")
			}
			return model.Success()
		}())
		require.NoError(t, err)
		assert.True(t, res.Buffered)
	}
	res, err := f.tracker.Ack(f.ctx, b1.ID, "n1", model.Success())
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, model.BatchAckedError, res.Released[0].Status)

	got, err := f.tracker.Get(f.ctx, b3.ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchReady, got.Status)

	pending, err := f.tracker.ListPending(f.ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTracker_DuplicateAndInvalidAcks(t *testing.T) {
	f := newTrackerFixture(t, model.Channel{ID: "sales", MaxBatchRows: 10})
	b := f.sealed(t, "n1", 1)

	res, err := f.tracker.Ack(f.ctx, b.ID, "n1", model.Success())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	res, err = f.tracker.Ack(f.ctx, b.ID, "n1", model.Failed(1, "E", "late"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, model.BatchAckedOK, res.Status)

	_, err = f.tracker.Ack(f.ctx, 999, "n1", model.Success())
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = f.builder.Accept(f.ctx, f.store.DB(), change(2), "n1")
	require.NoError(t, err)
	open := f.builder.OpenBatches()[0]
	_, err = f.tracker.Ack(f.ctx, open.ID, "n1", model.Success())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, f.tracker.MarkSent(f.ctx, open.ID, "n1"), ErrInvalidTransition)
	assert.ErrorIs(t, f.tracker.MarkSent(f.ctx, b.ID, "n1"), ErrInvalidTransition)
}

func TestTracker_StallRetryNowAndIgnore(t *testing.T) {
	f := newTrackerFixture(t, model.Channel{ID: "sales", MaxBatchRows: 10, MaxAttempts: 2, RetryMode: model.RetryFull})
	b := f.sealed(t, "n1", 1, 2, 3)
	next := f.sealed(t, "n1", 4)

	_, err := f.tracker.Ack(f.ctx, b.ID, "n1", model.Failed(3, "E", "first"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	retries, err := f.tracker.RetryDue(f.ctx, "sales")
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, []uint64{1, 2, 3}, retries[0].DataIDs, "full retry resends every row")
	assert.Equal(t, b.ByteCount, retries[0].ByteCount)

	res, err := f.tracker.Ack(f.ctx, retries[0].ID, "n1", model.Failed(3, "E", "second"))
	require.NoError(t, err)
	assert.True(t, res.Stalled)
	assert.True(t, res.NextRetryAt.IsZero())

	f.clock.Advance(time.Hour)
	none, err := f.tracker.RetryDue(f.ctx, "sales")
	require.NoError(t, err)
	assert.Empty(t, none)

	stalled, err := f.tracker.Stalled(f.ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, retries[0].ID, stalled[0].ID)
	assert.Equal(t, "second", stalled[0].ErrorMessage)

	manual, err := f.tracker.RetryNow(f.ctx, stalled[0].ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, 3, manual.Attempt)
	_, err = f.tracker.RetryNow(f.ctx, stalled[0].ID, "n1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stalled, err = f.tracker.Stalled(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	pending, err := f.tracker.ListPending(f.ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{b.ID, next.ID}, pendingIDs(pending))

	res, err = f.tracker.Ack(f.ctx, next.ID, "n1", model.Success())
	require.NoError(t, err)
	assert.True(t, res.Buffered)

	require.NoError(t, f.tracker.Ignore(f.ctx, manual.ID, "n1"))
	require.NoError(t, f.tracker.Ignore(f.ctx, manual.ID, "n1"))
	got, err := f.tracker.Get(f.ctx, next.ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchAckedOK, got.Status, "ignoring the blocking batch releases buffered acknowledgements")
	assert.ErrorIs(t, f.tracker.Ignore(f.ctx, next.ID, "n1"), ErrInvalidTransition)
}

func TestTracker_ListPendingProcessingOrder(t *testing.T) {
	store, _ := newTestStore(t)
	clk := testclock.NewClock(epoch)
	tracker := NewTracker(store, RetryPolicy{}, testOptions(clk))
	config := model.Channel{ID: "config", MaxBatchRows: 1, ProcessingOrder: 1}
	sales := model.Channel{ID: "sales", MaxBatchRows: 1, ProcessingOrder: 10}
	tracker.Register(config)
	tracker.Register(sales)
	salesBuilder := NewBuilder(sales, store, testOptions(clk))
	configBuilder := NewBuilder(config, store, testOptions(clk))
	ctx := context.Background()

	s1, err := salesBuilder.Accept(ctx, store.DB(), change(1), "n1")
	require.NoError(t, err)
	c1, err := configBuilder.Accept(ctx, store.DB(), change(1), "n1")
	require.NoError(t, err)
	s2, err := salesBuilder.Accept(ctx, store.DB(), change(2), "n1")
	require.NoError(t, err)
	_, err = salesBuilder.Accept(ctx, store.DB(), change(3), "n2")
	require.NoError(t, err)
	require.NoError(t, tracker.MarkSent(ctx, s1[0].ID, "n1"))

	pending, err := tracker.ListPending(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{c1[0].ID, s1[0].ID, s2[0].ID}, pendingIDs(pending))
	assert.Equal(t, model.BatchSent, pending[1].Status)
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(4))
	assert.Equal(t, 5*time.Second, policy.Delay(10))
	assert.Equal(t, DefaultRetryInitial, RetryPolicy{}.Delay(1))
}

func TestExtract(t *testing.T) {
	f := newTrackerFixture(t, model.Channel{ID: "sales", MaxBatchRows: 10})
	log := changelog.NewStore(f.store.DB())
	for i := 0; i < 3; i++ {
		_, err := log.Append(f.ctx, f.store.DB(), &model.ChangeRecord{ChannelID: "sales", EventType: model.EventInsert, TableName: "orders",
			RowData: map[string]any{"n": i}})
		require.NoError(t, err)
	}
	b := f.sealed(t, "n1", 2, 3)
	var extracted []uint64
	require.NoError(t, Extract(f.ctx, log, b, ExtractorFunc(func(_ context.Context, _ *model.Batch, changes []*model.ChangeRecord) error {
		for _, c := range changes {
			extracted = append(extracted, c.ID)
		}
		return nil
	})))
	assert.Equal(t, []uint64{2, 3}, extracted)

	missing := &model.Batch{ID: 77, NodeID: "n1", ChannelID: "sales", DataIDs: []uint64{9}}
	err := Extract(f.ctx, log, missing, ExtractorFunc(func(context.Context, *model.Batch, []*model.ChangeRecord) error { return nil }))
	assert.ErrorIs(t, err, ErrMissingData)
}
