package reader

import (
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/changelog"
)

const (
	DefaultQueueSize    = 1000
	DefaultPollInterval = time.Second
	DefaultMaxBackoff   = 30 * time.Second
)

// Options configures a Reader.
type Options struct {
	// QueueSize is the capacity of the event queue.
	QueueSize int
	// PageSize bounds the number of records loaded per scan.
	PageSize int
	// PollInterval is the wait after a round that found nothing new.
	PollInterval time.Duration
	// MaxBackoff caps the wait between retries after read errors.
	MaxBackoff time.Duration
	Clock      clock.Clock
	Logger     logrus.FieldLogger
}

// SetDefault fills zero values.
func (o *Options) SetDefault() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.PageSize <= 0 {
		o.PageSize = changelog.DefaultPageSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}
