package pipeline

import (
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/batch"
	"github.com/viant/sqlite-cdc/gap"
	"github.com/viant/sqlite-cdc/metrics"
	"github.com/viant/sqlite-cdc/reader"
)

const (
	DefaultPassInterval  = time.Second
	DefaultPurgeInterval = time.Minute
	DefaultGapRetention  = 24 * time.Hour
)

// Options configures a Pipeline.
type Options struct {
	// NodeID identifies the local node in logs and metrics.
	NodeID string
	// PassInterval is the longest wait between two route passes of a
	// channel; a filling reader queue triggers a pass earlier.
	PassInterval time.Duration
	// PurgeInterval is the wait between change log purges of a channel.
	PurgeInterval time.Duration
	// GapRetention is how long resolved gaps are kept for audit.
	GapRetention time.Duration
	Gap          gap.Config
	Reader       reader.Options
	Retry        batch.RetryPolicy
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	Metric       metrics.Metric
}

// SetDefault fills zero values.
func (o *Options) SetDefault() {
	if o.PassInterval <= 0 {
		o.PassInterval = DefaultPassInterval
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = DefaultPurgeInterval
	}
	if o.GapRetention <= 0 {
		o.GapRetention = DefaultGapRetention
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metric == nil {
		o.Metric = metrics.New(o.NodeID)
	}
	o.Gap.SetDefault()
	o.Retry.SetDefault()
	if o.Reader.Clock == nil {
		o.Reader.Clock = o.Clock
	}
	if o.Reader.Logger == nil {
		o.Reader.Logger = o.Logger
	}
	o.Reader.SetDefault()
}

func (o *Options) batchOptions() batch.Options {
	return batch.Options{Clock: o.Clock, Logger: o.Logger, Metric: o.Metric}
}
