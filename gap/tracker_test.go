package gap

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/model"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := engine.Open(filepath.Join(t.TempDir(), "gap.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, engine.ExecAll(context.Background(), db, Schema()...))
	return db
}

func spans(gaps []model.Gap) [][2]uint64 {
	var result [][2]uint64
	for _, g := range gaps {
		result = append(result, [2]uint64{g.Start, g.End})
	}
	return result
}

func TestTracker_ReportProcessed(t *testing.T) {
	var testCases = []struct {
		description string
		ids         []uint64
		expectLast  uint64
		expectGaps  [][2]uint64
		expectDup   []uint64
	}{
		{description: "contiguous", ids: []uint64{1, 2, 3}, expectLast: 3},
		{description: "skip opens gap", ids: []uint64{1, 2, 6}, expectLast: 6, expectGaps: [][2]uint64{{3, 5}}},
		{description: "fill start", ids: []uint64{1, 6, 2}, expectLast: 6, expectGaps: [][2]uint64{{3, 5}}},
		{description: "fill end", ids: []uint64{1, 6, 5}, expectLast: 6, expectGaps: [][2]uint64{{2, 4}}},
		{description: "fill middle splits", ids: []uint64{1, 6, 3}, expectLast: 6, expectGaps: [][2]uint64{{2, 2}, {4, 5}}},
		{description: "fill all", ids: []uint64{1, 4, 2, 3}, expectLast: 4},
		{description: "duplicates", ids: []uint64{1, 2, 5, 2, 1, 5}, expectLast: 5, expectGaps: [][2]uint64{{3, 4}}, expectDup: []uint64{2, 1, 5}},
		{description: "first id above one", ids: []uint64{3}, expectLast: 3, expectGaps: [][2]uint64{{1, 2}}},
	}
	for _, testCase := range testCases {
		tracker := NewTracker("sales", Config{}, testclock.NewClock(epoch))
		var dups []uint64
		for _, id := range testCase.ids {
			if !tracker.ReportProcessed(id) {
				dups = append(dups, id)
			}
		}
		assert.Equal(t, testCase.expectLast, tracker.LastProcessed(), testCase.description)
		assert.Equal(t, testCase.expectGaps, spans(tracker.OpenGaps()), testCase.description)
		assert.Equal(t, testCase.expectDup, dups, testCase.description)
	}
}

func TestTracker_NextRanges(t *testing.T) {
	clk := testclock.NewClock(epoch)
	tracker := NewTracker("sales", Config{RecheckInterval: time.Second}, clk)
	for _, id := range []uint64{1, 4, 8} {
		tracker.ReportProcessed(id)
	}

	ranges := tracker.NextRanges()
	assert.Equal(t, []Range{
		{Start: 2, End: 3, Gap: true},
		{Start: 5, End: 7, Gap: true},
		{Start: 9, End: math.MaxUint64},
	}, ranges)

	// gaps are not re-offered before the recheck interval
	assert.Equal(t, []Range{{Start: 9, End: math.MaxUint64}}, tracker.NextRanges())

	tracker.MarkDue(5)
	assert.Equal(t, []Range{{Start: 5, End: 7, Gap: true}, {Start: 9, End: math.MaxUint64}}, tracker.NextRanges())

	clk.Advance(time.Second)
	assert.Len(t, tracker.NextRanges(), 3)
}

func TestTracker_MarkGap(t *testing.T) {
	tracker := NewTracker("sales", Config{}, testclock.NewClock(epoch))
	tracker.ReportProcessed(1)
	tracker.ReportProcessed(10)

	require.ErrorIs(t, tracker.MarkGap(4, 6), ErrOverlap)
	require.ErrorIs(t, tracker.MarkGap(6, 2), ErrInvalidRange)
	require.ErrorIs(t, tracker.MarkGap(11, 12), ErrInvalidRange)

	for _, id := range []uint64{2, 3, 4, 5, 6, 7, 8, 9} {
		require.True(t, tracker.ReportProcessed(id))
	}
	require.NoError(t, tracker.MarkGap(4, 6))
	assert.Equal(t, [][2]uint64{{4, 6}}, spans(tracker.OpenGaps()))
}

func TestTracker_ResolveGapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tracker := NewTracker("sales", Config{}, testclock.NewClock(epoch))
	tracker.ReportProcessed(1)
	tracker.ReportProcessed(5)
	g := tracker.OpenGaps()[0]

	assert.True(t, tracker.ResolveGap(g))
	assert.False(t, tracker.ResolveGap(g))
	require.NoError(t, tracker.Flush(ctx, db))
	assert.False(t, tracker.ResolveGap(g))
	require.NoError(t, tracker.Flush(ctx, db))

	assert.Empty(t, tracker.OpenGaps())
	// a resolved id is treated as processed
	assert.False(t, tracker.ReportProcessed(3))

	resolved, err := tracker.Resolved(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{2, 4}}, spans(resolved))
}

func TestTracker_ResolvedGapNeverReopens(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	tracker := NewTracker("sales", Config{}, testclock.NewClock(epoch))
	tracker.ReportProcessed(1)
	tracker.ReportProcessed(3)
	require.True(t, tracker.ReportProcessed(2))
	require.NoError(t, tracker.Flush(ctx, db))

	require.NoError(t, tracker.MarkGap(2, 2))
	require.NoError(t, tracker.Flush(ctx, db))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM cdc_data_gap WHERE channel_id = 'sales' AND start_id = 2`).Scan(&status))
	assert.Equal(t, "OK", status)

	restored := NewTracker("sales", Config{}, testclock.NewClock(epoch))
	require.NoError(t, restored.Load(ctx, db))
	assert.Empty(t, restored.OpenGaps())
}

func TestTracker_Stale(t *testing.T) {
	clk := testclock.NewClock(epoch)
	tracker := NewTracker("sales", Config{StaleAfter: time.Minute, RecheckInterval: 10 * time.Second}, clk)
	tracker.ReportProcessed(1)
	tracker.ReportProcessed(4)
	assert.Empty(t, tracker.Stale())

	clk.Advance(30 * time.Second)
	tracker.ReportProcessed(8)
	clk.Advance(30 * time.Second)

	stale := tracker.Stale()
	assert.Equal(t, [][2]uint64{{2, 3}}, spans(stale))
	assert.Empty(t, tracker.Stale(), "stale gaps are returned once per recheck interval")

	clk.Advance(30 * time.Second)
	assert.Equal(t, [][2]uint64{{2, 3}, {5, 7}}, spans(tracker.Stale()))
}

func TestTracker_FlushAndLoad(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clk := testclock.NewClock(epoch)
	tracker := NewTracker("sales", Config{}, clk)
	assert.False(t, tracker.Pending())
	for _, id := range []uint64{1, 2, 9, 5} {
		tracker.ReportProcessed(id)
	}
	assert.True(t, tracker.Pending())

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tracker.Flush(ctx, tx))
	require.NoError(t, tx.Commit())
	assert.False(t, tracker.Pending())

	// mutations rolled back with their transaction are dropped by Load
	tracker.ReportProcessed(12)
	tracker.ReportProcessed(3)
	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, tracker.Flush(ctx, tx))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tracker.Load(ctx, db))

	assert.EqualValues(t, 9, tracker.LastProcessed())
	assert.Equal(t, [][2]uint64{{3, 4}, {6, 8}}, spans(tracker.OpenGaps()))
	for _, g := range tracker.OpenGaps() {
		assert.True(t, g.CreatedAt.Equal(epoch))
	}

	restored := NewTracker("sales", Config{}, clk)
	require.NoError(t, restored.Load(ctx, db))
	assert.Equal(t, tracker.OpenGaps(), restored.OpenGaps())
	assert.Equal(t, tracker.LastProcessed(), restored.LastProcessed())
}

func TestTracker_PurgeResolved(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clk := testclock.NewClock(epoch)
	tracker := NewTracker("sales", Config{}, clk)
	tracker.ReportProcessed(2)
	tracker.ReportProcessed(1)
	require.NoError(t, tracker.Flush(ctx, db))

	purged, err := tracker.PurgeResolved(ctx, db, epoch.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
