package pipeline

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/batch"
	"github.com/viant/sqlite-cdc/changelog"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/gap"
	"github.com/viant/sqlite-cdc/model"
	"github.com/viant/sqlite-cdc/reader"
	"github.com/viant/sqlite-cdc/router"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownChannel is returned for channels that were not added.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrRunning is returned by Start on a running pipeline.
	ErrRunning = errors.New("pipeline already running")
)

// channelContext is the per-channel state shared by the reader and the
// route loop. mu serializes passes, flushes and purges of the channel.
type channelContext struct {
	id      string
	mu      sync.Mutex
	channel model.Channel
	router  *router.Router
	gaps    *gap.Tracker
	builder *batch.Builder
	reader  *reader.Reader
	logger  logrus.FieldLogger

	// guarded by Pipeline.mu
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Pipeline routes the changes of its channels into outgoing batches.
type Pipeline struct {
	db        *sql.DB
	log       *changelog.Store
	batches   *batch.Store
	acks      *batch.Tracker
	directory router.NodeDirectory
	lookups   router.LookupSource
	options   Options
	logger    logrus.FieldLogger

	mu       sync.Mutex
	channels map[string]*channelContext
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New returns a pipeline over db. lookups may be nil when no rule uses a
// lookup table.
func New(db *sql.DB, directory router.NodeDirectory, lookups router.LookupSource, options Options) *Pipeline {
	options.SetDefault()
	batches := batch.NewStore(db)
	return &Pipeline{
		db:        db,
		log:       changelog.NewStore(db),
		batches:   batches,
		acks:      batch.NewTracker(batches, options.Retry, options.batchOptions()),
		directory: directory,
		lookups:   lookups,
		options:   options,
		logger:    options.Logger.WithField("component", "pipeline"),
		channels:  map[string]*channelContext{},
	}
}

// Init creates the tables used by the pipeline.
func (p *Pipeline) Init(ctx context.Context) error {
	var stmts []string
	stmts = append(stmts, changelog.Schema()...)
	stmts = append(stmts, gap.Schema()...)
	stmts = append(stmts, batch.Schema()...)
	stmts = append(stmts, router.ErrorLogSchema()...)
	return engine.ExecAll(ctx, p.db, stmts...)
}

// ChangeLog returns the change log store.
func (p *Pipeline) ChangeLog() *changelog.Store { return p.log }

// Batches returns the batch store.
func (p *Pipeline) Batches() *batch.Store { return p.batches }

// Tracker returns the acknowledgement tracker.
func (p *Pipeline) Tracker() *batch.Tracker { return p.acks }

// AddChannel registers channel with its rules and restores its persisted
// gap and batch state. An enabled channel starts at once on a running
// pipeline.
func (p *Pipeline) AddChannel(ctx context.Context, channel model.Channel, rules []router.Rule) error {
	logger := p.options.Logger.WithField("channel", channel.ID)
	r, err := router.New(channel.ID, rules, p.options.Logger)
	if err != nil {
		return err
	}
	gaps := gap.NewTracker(channel.ID, p.options.Gap, p.options.Clock)
	if err := gaps.Load(ctx, p.db); err != nil {
		return err
	}
	builder := batch.NewBuilder(channel, p.batches, p.options.batchOptions())
	if err := builder.Load(ctx, p.db); err != nil {
		return err
	}
	cc := &channelContext{
		id:      channel.ID,
		channel: channel,
		router:  r,
		gaps:    gaps,
		builder: builder,
		reader:  reader.New(channel.ID, p.log, gaps, p.options.Reader),
		logger:  logger,
		enabled: channel.Enabled,
	}
	p.acks.Register(channel)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channel.ID]; ok {
		return errors.Errorf("channel %s already added", channel.ID)
	}
	p.channels[channel.ID] = cc
	if cc.enabled && p.group != nil {
		p.start(cc)
	}
	logger.WithFields(logrus.Fields{"last_data_id": gaps.LastProcessed(), "open_gaps": len(gaps.OpenGaps()),
		"open_batches": len(builder.OpenBatches())}).Info("channel added")
	return nil
}

// UpdateChannel replaces the thresholds, retry policy and rules of an added
// channel. The change applies from the next pass; open batches keep their
// rows and are sealed under the new thresholds. Enablement is changed with
// EnableChannel and DisableChannel only.
func (p *Pipeline) UpdateChannel(channel model.Channel, rules []router.Rule) error {
	cc, err := p.channel(channel.ID)
	if err != nil {
		return err
	}
	r, err := router.New(channel.ID, rules, p.options.Logger)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.channel = channel
	cc.router = r
	cc.builder.SetChannel(channel)
	p.acks.Register(channel)
	cc.logger.WithFields(logrus.Fields{"rules": len(rules), "max_batch_rows": channel.MaxBatchRows}).Info("channel updated")
	return nil
}

// Start runs every enabled channel until Stop is called or ctx is done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return ErrRunning
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, p.ctx = errgroup.WithContext(ctx)
	for _, cc := range p.channels {
		if cc.enabled {
			p.start(cc)
		}
	}
	p.logger.WithField("channels", len(p.channels)).Info("pipeline started")
	return nil
}

// Stop cancels every channel and waits for them to finish their current
// pass.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	cancel, group := p.cancel, p.group
	p.cancel, p.group, p.ctx = nil, nil, nil
	for _, cc := range p.channels {
		cc.cancel, cc.done = nil, nil
	}
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	cancel()
	err := group.Wait()
	p.logger.Info("pipeline stopped")
	return err
}

// EnableChannel starts a disabled channel.
func (p *Pipeline) EnableChannel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cc, ok := p.channels[id]
	if !ok {
		return errors.Wrap(ErrUnknownChannel, id)
	}
	cc.enabled = true
	if p.group != nil && cc.cancel == nil {
		p.start(cc)
	}
	return nil
}

// DisableChannel stops a channel; it returns once the channel's current
// pass has completed or rolled back.
func (p *Pipeline) DisableChannel(id string) error {
	p.mu.Lock()
	cc, ok := p.channels[id]
	if !ok {
		p.mu.Unlock()
		return errors.Wrap(ErrUnknownChannel, id)
	}
	cc.enabled = false
	cancel, done := cc.cancel, cc.done
	cc.cancel, cc.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	cc.logger.Info("channel disabled")
	return nil
}

// start must be called with p.mu held.
func (p *Pipeline) start(cc *channelContext) {
	ctx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})
	cc.cancel, cc.done = cancel, done
	p.group.Go(func() error {
		defer close(done)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return cc.reader.Run(gctx) })
		g.Go(func() error { return p.loop(gctx, cc) })
		return g.Wait()
	})
}

func (p *Pipeline) channel(id string) (*channelContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cc, ok := p.channels[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownChannel, id)
	}
	return cc, nil
}

// loop runs route passes on every tick or queue fill signal, then creates
// due retry attempts and purges the change log when due.
func (p *Pipeline) loop(ctx context.Context, cc *channelContext) error {
	clk := p.options.Clock
	lastPurge := clk.Now()
	cc.logger.Info("starting route loop")
	for {
		select {
		case <-ctx.Done():
			cc.logger.WithField("reason", ctx.Err()).Info("context canceled, stopping route loop")
			return nil
		case <-cc.reader.Fill():
		case <-clk.After(p.options.PassInterval):
		}
		if _, err := p.Pass(ctx, cc.id); err != nil && ctx.Err() == nil {
			cc.logger.WithError(err).Warn("route pass will be retried")
		}
		if _, err := p.acks.RetryDue(ctx, cc.id); err != nil && ctx.Err() == nil {
			cc.logger.WithError(err).Warn("failed to create retry attempts")
		}
		p.reportStalled(ctx, cc)
		if clk.Now().Sub(lastPurge) >= p.options.PurgeInterval {
			lastPurge = clk.Now()
			if _, err := p.Purge(ctx, cc.id); err != nil && ctx.Err() == nil {
				cc.logger.WithError(err).Warn("change log purge failed")
			}
		}
	}
}

func (p *Pipeline) reportStalled(ctx context.Context, cc *channelContext) {
	stalled, err := p.acks.Stalled(ctx)
	if err != nil {
		return
	}
	count := 0
	for _, b := range stalled {
		if b.ChannelID == cc.id {
			count++
		}
	}
	p.options.Metric.SetStalled(cc.id, count)
}

// Flush seals every open batch of channel.
func (p *Pipeline) Flush(ctx context.Context, channel string) ([]*model.Batch, error) {
	cc, err := p.channel(channel)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	var sealed []*model.Batch
	err = engine.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		sealed, err = cc.builder.FlushAll(ctx, tx)
		return err
	})
	if err != nil {
		if loadErr := cc.builder.Load(context.WithoutCancel(ctx), p.db); loadErr != nil {
			cc.logger.WithError(loadErr).Error("failed to reload open batches")
		}
		return nil, errors.Wrapf(err, "flush %s", channel)
	}
	cc.logger.WithField("batches", len(sealed)).Info("flushed open batches")
	return sealed, nil
}

// Purge deletes change log rows of channel that are processed and no
// longer referenced by an unresolved batch, and resolved gaps older than
// the retention.
func (p *Pipeline) Purge(ctx context.Context, channel string) (int64, error) {
	cc, err := p.channel(channel)
	if err != nil {
		return 0, err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	through := cc.gaps.LastProcessed()
	if open := cc.gaps.OpenGaps(); len(open) > 0 && open[0].Start-1 < through {
		through = open[0].Start - 1
	}
	low, ok, err := p.batches.LowWatermark(ctx, channel)
	if err != nil {
		return 0, err
	}
	if ok && low-1 < through {
		through = low - 1
	}
	var purged int64
	if through > 0 {
		if purged, err = p.log.Purge(ctx, channel, through); err != nil {
			return 0, err
		}
	}
	gaps, err := cc.gaps.PurgeResolved(ctx, p.db, p.options.Clock.Now().Add(-p.options.GapRetention))
	if err != nil {
		return purged, err
	}
	if purged > 0 || gaps > 0 {
		cc.logger.WithFields(logrus.Fields{"through": through, "changes": purged, "gaps": gaps}).Debug("purged change log")
	}
	return purged, nil
}

func since(start time.Time, now time.Time) float64 {
	return now.Sub(start).Seconds()
}
