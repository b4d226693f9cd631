package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/viant/sqlite-cdc/cdcadmin"
	"github.com/viant/sqlite-cdc/config"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/metrics"
	"github.com/viant/sqlite-cdc/pipeline"
	"github.com/viant/sqlite-cdc/router"
)

func newApp() *cli.App {
	configFlag := &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", Value: "cdc.yaml", EnvVars: []string{"CDC_CONFIG"}}
	return &cli.App{
		Name:  "cdcrouter",
		Usage: "routes captured SQLite changes into outgoing batches",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the routing pipeline until interrupted",
				Flags:  []cli.Flag{configFlag},
				Action: func(c *cli.Context) error { return run(c.Context, c.String("config")) },
			},
			{
				Name:   "stalled",
				Usage:  "list batches that exhausted their delivery attempts",
				Flags:  []cli.Flag{configFlag},
				Action: func(c *cli.Context) error { return admin(c.Context, c.String("config"), "stalled") },
			},
			{
				Name:      "retry",
				Usage:     "create a new attempt of a failed batch",
				ArgsUsage: "<batch> <node>",
				Flags:     []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					return admin(c.Context, c.String("config"), "retry:"+c.Args().Get(0)+":"+c.Args().Get(1))
				},
			},
			{
				Name:      "ignore",
				Usage:     "resolve a batch without delivering it",
				ArgsUsage: "<batch> <node>",
				Flags:     []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					return admin(c.Context, c.String("config"), "ignore:"+c.Args().Get(0)+":"+c.Args().Get(1))
				},
			},
		},
	}
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}

// service is a configured pipeline with its database and directory.
type service struct {
	cfg      *config.Config
	logger   *logrus.Logger
	metric   metrics.Metric
	db       *sql.DB
	pipeline *pipeline.Pipeline
}

func newService(ctx context.Context, path string) (*service, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	db, err := engine.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &service{cfg: cfg, logger: logger, metric: metrics.New(cfg.NodeID), db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context) error {
	directory := router.NewSQLDirectory(s.db)
	if err := directory.Init(ctx); err != nil {
		return err
	}
	for i := range s.cfg.Nodes {
		if err := directory.SaveNode(ctx, s.cfg.Nodes[i].Model()); err != nil {
			return err
		}
	}
	options := s.cfg.PipelineOptions()
	options.Logger = s.logger
	options.Metric = s.metric
	s.pipeline = pipeline.New(s.db, directory, router.NewSQLLookup(s.db), options)
	if err := s.pipeline.Init(ctx); err != nil {
		return err
	}
	for i := range s.cfg.Channels {
		channelCfg := &s.cfg.Channels[i]
		channel, err := channelCfg.Model()
		if err != nil {
			return err
		}
		rules, err := channelCfg.Rules()
		if err != nil {
			return err
		}
		for _, table := range channelCfg.Tables {
			if err := s.pipeline.ChangeLog().Install(ctx, s.db, channel.ID, table); err != nil {
				return err
			}
		}
		if err := s.pipeline.AddChannel(ctx, channel, rules); err != nil {
			return err
		}
	}
	return cdcadmin.Register(s.db, s.pipeline.Tracker())
}

func run(ctx context.Context, path string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := newService(ctx, path)
	if err != nil {
		return err
	}
	defer s.db.Close()

	var server *http.Server
	if address := s.cfg.Metrics.Address; address != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(s.metric.PrometheusCollectors()...)
		mux := http.NewServeMux()
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.WithError(err).Error("metrics endpoint stopped")
			}
		}()
		s.logger.WithField("address", address).Info("serving metrics")
	}

	if err := s.pipeline.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("shutting down")
	err = s.pipeline.Stop()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := range s.cfg.Channels {
		if _, flushErr := s.pipeline.Flush(shutdown, s.cfg.Channels[i].ID); flushErr != nil {
			s.logger.WithError(flushErr).WithField("channel", s.cfg.Channels[i].ID).Warn("failed to seal open batches")
		}
	}
	if server != nil {
		_ = server.Shutdown(shutdown)
	}
	return err
}

func admin(ctx context.Context, path, op string) error {
	s, err := newService(ctx, path)
	if err != nil {
		return err
	}
	defer s.db.Close()
	batches, err := cdcadmin.Execute(ctx, s.pipeline.Tracker(), op)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tNODE\tCHANNEL\tSTATUS\tATTEMPT\tROWS\tERROR")
	for _, b := range batches {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n", b.ID, b.NodeID, b.ChannelID, b.Status, b.Attempt, b.RowCount, b.ErrorMessage)
	}
	return w.Flush()
}
