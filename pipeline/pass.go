package pipeline

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/model"
	"github.com/viant/sqlite-cdc/router"
)

// PassResult summarizes one route pass.
type PassResult struct {
	ID         string
	Events     int
	Routed     int
	Unrouted   int
	Duplicates int
	Failures   []router.Failure
	Sealed     []*model.Batch
}

// Pass runs one route pass of channel over the events currently queued by
// its reader.
func (p *Pipeline) Pass(ctx context.Context, channel string) (*PassResult, error) {
	cc, err := p.channel(channel)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return p.pass(ctx, cc)
}

func (p *Pipeline) pass(ctx context.Context, cc *channelContext) (*PassResult, error) {
	started := p.options.Clock.Now()
	result := &PassResult{ID: uuid.NewString()}
	logger := cc.logger.WithField("pass_id", result.ID)
	events := cc.reader.Drain()
	result.Events = len(events)

	p.checkStale(ctx, cc, logger)
	rctx, err := cc.router.Prepare(ctx, cc.channel, p.directory, p.lookups)
	if err != nil {
		return nil, p.recover(ctx, cc, logger, errors.Wrap(err, "prepare routing"))
	}
	var failures []router.Failure
	err = engine.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		for _, event := range events {
			change := event.Record
			if !cc.gaps.ReportProcessed(change.ID) {
				result.Duplicates++
				continue
			}
			routed := cc.router.Route(change, rctx)
			failures = append(failures, routed.Failures...)
			if len(routed.Nodes) == 0 {
				result.Unrouted++
				continue
			}
			result.Routed++
			for _, node := range routed.Nodes {
				sealed, err := cc.builder.Accept(ctx, tx, change, node)
				if err != nil {
					return err
				}
				result.Sealed = append(result.Sealed, sealed...)
			}
		}
		if err := router.RecordFailures(ctx, tx, cc.channel.ID, failures, started); err != nil {
			return err
		}
		sealed, err := cc.builder.SealExpired(ctx, tx)
		if err != nil {
			return err
		}
		result.Sealed = append(result.Sealed, sealed...)
		return cc.gaps.Flush(ctx, tx)
	})
	if err != nil {
		return nil, p.recover(ctx, cc, logger, err)
	}
	result.Failures = failures

	metric := p.options.Metric
	metric.AddRouted(cc.channel.ID, float64(result.Routed))
	metric.AddUnrouted(cc.channel.ID, float64(result.Unrouted))
	metric.ObservePass(cc.channel.ID, since(started, p.options.Clock.Now()))
	metric.SetQueueDepth(cc.channel.ID, len(cc.reader.Queue()))
	metric.SetOpenGaps(cc.channel.ID, len(cc.gaps.OpenGaps()))
	if len(failures) > 0 {
		var merr *multierror.Error
		for _, failure := range failures {
			metric.AddRoutingFailure(cc.channel.ID, failure.RuleID)
			merr = multierror.Append(merr, failure)
		}
		logger.WithError(merr.ErrorOrNil()).Warn("changes not routed to groups with failing rules")
	}
	if result.Events > 0 || len(result.Sealed) > 0 {
		logger.WithFields(logrus.Fields{
			"events":     result.Events,
			"routed":     result.Routed,
			"unrouted":   result.Unrouted,
			"duplicates": result.Duplicates,
			"sealed":     len(result.Sealed),
			"last":       cc.gaps.LastProcessed(),
		}).Debug("route pass committed")
	}
	return result, nil
}

// checkStale resolves stale gaps that have no rows in the change log and
// makes the others due for an immediate rescan.
func (p *Pipeline) checkStale(ctx context.Context, cc *channelContext, logger logrus.FieldLogger) {
	for _, g := range cc.gaps.Stale() {
		count, err := p.log.Count(ctx, cc.channel.ID, g.Start, g.End)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"start": g.Start, "end": g.End}).Warn("failed to check stale gap")
			continue
		}
		if count > 0 {
			cc.gaps.MarkDue(g.Start)
			cc.reader.Wake()
			continue
		}
		if cc.gaps.ResolveGap(g) {
			logger.WithFields(logrus.Fields{"start": g.Start, "end": g.End, "open_since": g.CreatedAt}).
				Info("resolved stale gap without data")
		}
	}
}

// recover restores the channel state persisted by the last committed pass
// and rewinds the reader so the drained events are read again.
func (p *Pipeline) recover(ctx context.Context, cc *channelContext, logger logrus.FieldLogger, cause error) error {
	p.options.Metric.AddPassFailure(cc.channel.ID)
	ctx = context.WithoutCancel(ctx)
	var merr *multierror.Error
	merr = multierror.Append(merr, cause)
	if err := cc.gaps.Load(ctx, p.db); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "reload gaps"))
	}
	if err := cc.builder.Load(ctx, p.db); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "reload open batches"))
	}
	cc.reader.Rewind()
	logger.WithError(cause).Error("route pass failed, state reloaded")
	if len(merr.Errors) == 1 {
		return cause
	}
	return merr.ErrorOrNil()
}
