package gap

import (
	"math"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/model"
)

var (
	// ErrOverlap is returned when a gap would overlap an open gap.
	ErrOverlap = errors.New("gap overlaps an open gap")
	// ErrInvalidRange is returned for empty ranges or ranges above the
	// processed high-water mark.
	ErrInvalidRange = errors.New("invalid gap range")
)

const (
	DefaultStaleAfter      = 10 * time.Minute
	DefaultRecheckInterval = 5 * time.Second
)

// Config controls gap rescans and staleness.
type Config struct {
	// StaleAfter is how long a gap must stay open before an empty range is
	// accepted as permanently missing.
	StaleAfter time.Duration
	// RecheckInterval is the minimum delay between two rescans of one gap.
	RecheckInterval time.Duration
}

// SetDefault fills zero values.
func (c *Config) SetDefault() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = DefaultRecheckInterval
	}
}

// Range is an inclusive id range the reader should scan.
type Range struct {
	Start uint64
	End   uint64
	// Gap is set for rescans of an open gap; the head range has it unset.
	Gap bool
}

type entry struct {
	gap model.Gap
	// checkedAt is the last time the gap was offered for rescan.
	checkedAt time.Time
	// staleAt is the last time the gap was returned by Stale.
	staleAt time.Time
	due     bool
}

func (e *entry) Less(than btree.Item) bool { return e.gap.Start < than.(*entry).gap.Start }

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opResolve
)

type op struct {
	kind     opKind
	oldStart uint64
	gap      model.Gap
}

// Tracker is the per-channel gap tracker. It is safe for concurrent use by
// the reader and the route pass.
type Tracker struct {
	mu      sync.Mutex
	channel string
	config  Config
	clock   clock.Clock
	last    uint64
	gaps    *btree.BTree
	journal []op
	dirty   bool
}

// NewTracker returns an empty tracker; call Load to restore persisted state.
func NewTracker(channel string, config Config, clk clock.Clock) *Tracker {
	config.SetDefault()
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{channel: channel, config: config, clock: clk, gaps: btree.New(8)}
}

// Channel returns the tracked channel id.
func (t *Tracker) Channel() string { return t.channel }

// LastProcessed returns the highest processed id.
func (t *Tracker) LastProcessed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// NextRanges returns the ranges the reader should scan next: open gaps that
// are due for a rescan in ascending order, then the open-ended head range
// after the last processed id. Offered gaps are not offered again until
// RecheckInterval has passed or MarkDue is called.
func (t *Tracker) NextRanges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var ranges []Range
	t.gaps.Ascend(func(item btree.Item) bool {
		e := item.(*entry)
		if e.due || e.checkedAt.IsZero() || now.Sub(e.checkedAt) >= t.config.RecheckInterval {
			e.checkedAt = now
			e.due = false
			ranges = append(ranges, Range{Start: e.gap.Start, End: e.gap.End, Gap: true})
		}
		return true
	})
	return append(ranges, Range{Start: t.last + 1, End: math.MaxUint64})
}

// ReportProcessed records that id has been routed. Ids above the high-water
// mark open a gap for any skipped ids; ids inside an open gap fill it. It
// returns false when id was already processed, in which case the caller
// must not route it again.
func (t *Tracker) ReportProcessed(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if id > t.last {
		if id > t.last+1 {
			g := model.Gap{ChannelID: t.channel, Start: t.last + 1, End: id - 1, Status: model.GapOpen, CreatedAt: now, UpdatedAt: now}
			t.gaps.ReplaceOrInsert(&entry{gap: g})
			t.journal = append(t.journal, op{kind: opInsert, gap: g})
		}
		t.last = id
		t.dirty = true
		return true
	}
	e := t.find(id)
	if e == nil {
		return false
	}
	t.fill(e, id, now)
	return true
}

func (t *Tracker) find(id uint64) *entry {
	var found *entry
	t.gaps.DescendLessOrEqual(&entry{gap: model.Gap{Start: id}}, func(item btree.Item) bool {
		e := item.(*entry)
		if e.gap.Contains(id) {
			found = e
		}
		return false
	})
	return found
}

func (t *Tracker) fill(e *entry, id uint64, now time.Time) {
	g := e.gap
	oldStart := g.Start
	switch {
	case g.Start == g.End:
		t.gaps.Delete(e)
		g.Status = model.GapResolved
		g.UpdatedAt = now
		t.journal = append(t.journal, op{kind: opResolve, oldStart: oldStart, gap: g})
	case id == g.Start:
		t.gaps.Delete(e)
		e.gap.Start = id + 1
		e.gap.UpdatedAt = now
		t.gaps.ReplaceOrInsert(e)
		t.journal = append(t.journal, op{kind: opUpdate, oldStart: oldStart, gap: e.gap})
	case id == g.End:
		e.gap.End = id - 1
		e.gap.UpdatedAt = now
		t.journal = append(t.journal, op{kind: opUpdate, oldStart: oldStart, gap: e.gap})
	default:
		e.gap.End = id - 1
		e.gap.UpdatedAt = now
		t.journal = append(t.journal, op{kind: opUpdate, oldStart: oldStart, gap: e.gap})
		upper := &entry{gap: model.Gap{ChannelID: t.channel, Start: id + 1, End: g.End, Status: model.GapOpen, CreatedAt: g.CreatedAt, UpdatedAt: now},
			checkedAt: e.checkedAt, staleAt: e.staleAt}
		t.gaps.ReplaceOrInsert(upper)
		t.journal = append(t.journal, op{kind: opInsert, gap: upper.gap})
	}
}

// MarkGap registers [start, end] as an open gap. The range must lie at or
// below the processed high-water mark and must not overlap an open gap.
func (t *Tracker) MarkGap(start, end uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if start == 0 || start > end || end > t.last {
		return errors.Wrapf(ErrInvalidRange, "[%d,%d] with last processed %d", start, end, t.last)
	}
	overlap := false
	t.gaps.DescendLessOrEqual(&entry{gap: model.Gap{Start: end}}, func(item btree.Item) bool {
		overlap = item.(*entry).gap.End >= start
		return false
	})
	if overlap {
		return errors.Wrapf(ErrOverlap, "[%d,%d]", start, end)
	}
	now := t.clock.Now()
	g := model.Gap{ChannelID: t.channel, Start: start, End: end, Status: model.GapOpen, CreatedAt: now, UpdatedAt: now}
	t.gaps.ReplaceOrInsert(&entry{gap: g})
	t.journal = append(t.journal, op{kind: opInsert, gap: g})
	return nil
}

// ResolveGap marks the open gap starting at g.Start as resolved without
// data. It reports whether a gap was resolved; resolving an already
// resolved or unknown gap is a no-op.
func (t *Tracker) ResolveGap(g model.Gap) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.gaps.Get(&entry{gap: model.Gap{Start: g.Start}})
	if item == nil {
		return false
	}
	e := item.(*entry)
	t.gaps.Delete(e)
	resolved := e.gap
	resolved.Status = model.GapResolved
	resolved.UpdatedAt = t.clock.Now()
	t.journal = append(t.journal, op{kind: opResolve, oldStart: resolved.Start, gap: resolved})
	return true
}

// Stale returns open gaps older than StaleAfter that have not been
// returned by Stale within the last RecheckInterval.
func (t *Tracker) Stale() []model.Gap {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var result []model.Gap
	t.gaps.Ascend(func(item btree.Item) bool {
		e := item.(*entry)
		if now.Sub(e.gap.CreatedAt) < t.config.StaleAfter {
			return true
		}
		if !e.staleAt.IsZero() && now.Sub(e.staleAt) < t.config.RecheckInterval {
			return true
		}
		e.staleAt = now
		result = append(result, e.gap)
		return true
	})
	return result
}

// MarkDue makes the open gap starting at start eligible for an immediate
// rescan.
func (t *Tracker) MarkDue(start uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item := t.gaps.Get(&entry{gap: model.Gap{Start: start}}); item != nil {
		item.(*entry).due = true
	}
}

// OpenGaps returns a copy of the open gaps in ascending order.
func (t *Tracker) OpenGaps() []model.Gap {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]model.Gap, 0, t.gaps.Len())
	t.gaps.Ascend(func(item btree.Item) bool {
		result = append(result, item.(*entry).gap)
		return true
	})
	return result
}

// Pending reports whether there are unflushed mutations.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty || len(t.journal) > 0
}
