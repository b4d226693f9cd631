package reader

import (
	"context"
	"math"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/changelog"
	"github.com/viant/sqlite-cdc/gap"
	"github.com/viant/sqlite-cdc/model"
)

// Event is a change read in a given epoch.
type Event struct {
	Epoch  uint64
	Record *model.ChangeRecord
}

// Reader is the producer side of one channel. Run must be called by exactly
// one goroutine; the remaining methods are safe for concurrent use.
type Reader struct {
	channel string
	log     changelog.Reader
	gaps    *gap.Tracker
	options Options
	logger  logrus.FieldLogger
	queue   chan Event
	fill    chan struct{}
	wake    chan struct{}

	mu    sync.Mutex
	epoch uint64
	// position is the highest head id queued in the current epoch.
	position uint64
}

// New returns a reader of channel that resumes after the tracker's last
// processed id.
func New(channel string, log changelog.Reader, gaps *gap.Tracker, options Options) *Reader {
	options.SetDefault()
	return &Reader{
		channel: channel,
		log:     log,
		gaps:    gaps,
		options: options,
		logger:  options.Logger.WithFields(logrus.Fields{"component": "change_reader", "channel": channel}),
		queue:   make(chan Event, options.QueueSize),
		fill:    make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
	}
}

// Queue returns the event queue.
func (r *Reader) Queue() <-chan Event { return r.queue }

// Fill is signalled when the queue reaches half of its capacity.
func (r *Reader) Fill() <-chan struct{} { return r.fill }

// Epoch returns the current epoch.
func (r *Reader) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Rewind starts a new epoch. Events already queued become stale and the
// next round reads again from the gap tracker's last processed id.
func (r *Reader) Rewind() {
	r.mu.Lock()
	r.epoch++
	r.position = 0
	epoch := r.epoch
	r.mu.Unlock()
	r.logger.WithField("epoch", epoch).Info("rewinding change reader")
	r.Wake()
}

// Wake makes a waiting reader start its next round immediately.
func (r *Reader) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run reads until ctx is cancelled. Read errors are retried with an
// exponential backoff from the last processed id; no change is skipped.
func (r *Reader) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.options.PollInterval
	policy.MaxInterval = r.options.MaxBackoff
	policy.MaxElapsedTime = 0
	r.logger.Info("starting change reader")
	for {
		queued, err := r.Poll(ctx)
		wait := r.options.PollInterval
		switch {
		case ctx.Err() != nil:
			r.logger.WithField("reason", ctx.Err()).Info("context canceled, stopping change reader")
			return nil
		case err != nil:
			wait = policy.NextBackOff()
			r.logger.WithError(err).WithField("retry_in", wait).Warn("change log read failed")
			r.Rewind()
			drain(r.wake)
		default:
			policy.Reset()
			if queued > 0 {
				continue
			}
		}
		select {
		case <-ctx.Done():
			r.logger.WithField("reason", ctx.Err()).Info("context canceled, stopping change reader")
			return nil
		case <-r.wake:
		case <-r.options.Clock.After(wait):
		}
	}
}

// Poll runs one read round: due gap rescans first, then the head of the
// log, page by page. It returns the number of queued events. Pages are
// fully read before they are queued so no cursor stays open while the
// queue is full.
func (r *Reader) Poll(ctx context.Context) (int, error) {
	epoch := r.Epoch()
	queued := 0
	for _, rng := range r.gaps.NextRanges() {
		after := rng.Start - 1
		if !rng.Gap {
			after = r.resume(epoch, after)
		}
		for {
			records, err := r.log.Scan(ctx, r.channel, after, rng.End, r.options.PageSize)
			if err != nil {
				return queued, errors.Wrapf(err, "scan %s after %d", r.channel, after)
			}
			for _, record := range records {
				if err := r.push(ctx, Event{Epoch: epoch, Record: record}); err != nil {
					return queued, err
				}
				queued++
				after = record.ID
			}
			if !rng.Gap && len(records) > 0 && !r.advance(epoch, after) {
				return queued, nil
			}
			if len(records) < r.options.PageSize || after == math.MaxUint64 || after >= rng.End {
				break
			}
		}
	}
	return queued, nil
}

// resume returns the id after which the head scan of epoch continues.
func (r *Reader) resume(epoch, after uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch == epoch && r.position > after {
		return r.position
	}
	return after
}

// advance records the queued head position; it reports false when the
// epoch changed meanwhile.
func (r *Reader) advance(epoch, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return false
	}
	if id > r.position {
		r.position = id
	}
	return true
}

func (r *Reader) push(ctx context.Context, event Event) error {
	select {
	case r.queue <- event:
	case <-ctx.Done():
		return ctx.Err()
	}
	if len(r.queue) >= cap(r.queue)/2 {
		select {
		case r.fill <- struct{}{}:
		default:
		}
	}
	return nil
}

// Drain removes the queued events without blocking and returns those of
// the current epoch.
func (r *Reader) Drain() []Event {
	epoch := r.Epoch()
	var events []Event
	for {
		select {
		case event := <-r.queue:
			if event.Epoch == epoch {
				events = append(events, event)
			}
		default:
			return events
		}
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
