package reader

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/sqlite-cdc/changelog"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/gap"
	"github.com/viant/sqlite-cdc/model"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testLog struct {
	*changelog.Store
	db *sql.DB
}

func newLog(t *testing.T) *testLog {
	t.Helper()
	db, err := engine.Open(filepath.Join(t.TempDir(), "reader.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := changelog.NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	return &testLog{Store: store, db: db}
}

func put(t *testing.T, log *testLog, ids ...uint64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, log.Put(context.Background(), log.db, &model.ChangeRecord{ID: id, ChannelID: "sales",
			EventType: model.EventInsert, TableName: "orders", RowData: map[string]any{"id": id}}))
	}
}

func newReader(log changelog.Reader, gaps *gap.Tracker, options Options) *Reader {
	logger, _ := test.NewNullLogger()
	options.Logger = logger
	return New("sales", log, gaps, options)
}

func eventIDs(events []Event) []uint64 {
	var result []uint64
	for _, event := range events {
		result = append(result, event.Record.ID)
	}
	return result
}

func TestReader_PollResumesAfterQueuedHead(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)
	put(t, log, 1, 2, 3)
	gaps := gap.NewTracker("sales", gap.Config{}, testclock.NewClock(epoch))
	r := newReader(log, gaps, Options{PageSize: 2})

	queued, err := r.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)

	queued, err = r.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued, "queued head ids are not read twice")

	put(t, log, 4)
	queued, err = r.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, []uint64{1, 2, 3, 4}, eventIDs(r.Drain()))
}

func TestReader_Rewind(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)
	put(t, log, 1, 2, 3)
	gaps := gap.NewTracker("sales", gap.Config{}, testclock.NewClock(epoch))
	r := newReader(log, gaps, Options{})

	_, err := r.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, gaps.ReportProcessed(1))

	r.Rewind()
	assert.EqualValues(t, 1, r.Epoch())
	assert.Empty(t, r.Drain(), "events of the previous epoch are dropped")

	_, err = r.Poll(ctx)
	require.NoError(t, err)
	events := r.Drain()
	assert.Equal(t, []uint64{2, 3}, eventIDs(events))
	for _, event := range events {
		assert.EqualValues(t, 1, event.Epoch)
	}
}

func TestReader_GapRescan(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)
	put(t, log, 1, 2, 4)
	clk := testclock.NewClock(epoch)
	gaps := gap.NewTracker("sales", gap.Config{RecheckInterval: time.Minute}, clk)
	r := newReader(log, gaps, Options{})

	_, err := r.Poll(ctx)
	require.NoError(t, err)
	for _, event := range r.Drain() {
		gaps.ReportProcessed(event.Record.ID)
	}
	require.Equal(t, []model.Gap{{ChannelID: "sales", Start: 3, End: 3, Status: model.GapOpen, CreatedAt: epoch, UpdatedAt: epoch}}, gaps.OpenGaps())

	put(t, log, 3, 5)
	_, err = r.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 5}, eventIDs(r.Drain()), "due gaps are scanned before the head")

	put(t, log, 6)
	_, err = r.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, eventIDs(r.Drain()), "a gap is not rescanned before the recheck interval")
}

func TestReader_BackpressureAndFill(t *testing.T) {
	log := newLog(t)
	put(t, log, 1, 2, 3)
	gaps := gap.NewTracker("sales", gap.Config{}, testclock.NewClock(epoch))
	r := newReader(log, gaps, Options{QueueSize: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	queued, err := r.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, queued)
	select {
	case <-r.Fill():
	default:
		t.Fatal("expected a queue fill signal")
	}
	assert.Equal(t, []uint64{1, 2}, eventIDs(r.Drain()))
}

type flakyLog struct {
	changelog.Reader
	failures atomic.Int32
}

func (f *flakyLog) Scan(ctx context.Context, channel string, after, through uint64, limit int) ([]*model.ChangeRecord, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return f.Reader.Scan(ctx, channel, after, through, limit)
}

func TestReader_RunRetriesAndStops(t *testing.T) {
	log := newLog(t)
	put(t, log, 1)
	flaky := &flakyLog{Reader: log}
	flaky.failures.Store(2)
	gaps := gap.NewTracker("sales", gap.Config{}, nil)
	r := newReader(flaky, gaps, Options{PollInterval: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case event := <-r.Queue():
		assert.EqualValues(t, 1, event.Record.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not recover from read errors")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop after cancellation")
	}
}
