package batch

import (
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/metrics"
)

// Options carries the collaborators shared by the Builder and the Tracker.
type Options struct {
	Clock  clock.Clock
	Logger logrus.FieldLogger
	Metric metrics.Metric
}

func (o *Options) setDefault() {
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metric == nil {
		o.Metric = metrics.New("")
	}
}
