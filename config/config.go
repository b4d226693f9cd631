package config

import (
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/batch"
	"github.com/viant/sqlite-cdc/gap"
	"github.com/viant/sqlite-cdc/model"
	"github.com/viant/sqlite-cdc/pipeline"
	"github.com/viant/sqlite-cdc/reader"
	"github.com/viant/sqlite-cdc/router"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type PipelineConfig struct {
	PassInterval  time.Duration `yaml:"passInterval"`
	PurgeInterval time.Duration `yaml:"purgeInterval"`
	GapRetention  time.Duration `yaml:"gapRetention"`
	QueueSize     int           `yaml:"queueSize"`
	PageSize      int           `yaml:"pageSize"`
	PollInterval  time.Duration `yaml:"pollInterval"`
}

type GapConfig struct {
	StaleAfter      time.Duration `yaml:"staleAfter"`
	RecheckInterval time.Duration `yaml:"recheckInterval"`
}

type RetryConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

type LookupConfig struct {
	Table      string `yaml:"table"`
	KeyColumn  string `yaml:"keyColumn"`
	NodeColumn string `yaml:"nodeColumn"`
}

type RouterConfig struct {
	Lookup      LookupConfig `yaml:"lookup"`
	ID          string       `yaml:"id"`
	Type        string       `yaml:"type"`
	TargetGroup string       `yaml:"targetGroup"`
	Column      string       `yaml:"column"`
	Attribute   string       `yaml:"attribute"`
	Expression  string       `yaml:"expression"`
	Tables      []string     `yaml:"tables"`
	Events      []string     `yaml:"events"`
	// Values holds literals or ":NAME" node targets for column routers.
	Values      []string     `yaml:"values"`
}

type ChannelConfig struct {
	Enabled           *bool          `yaml:"enabled"`
	ID                string         `yaml:"id"`
	MaxBatchBytes     string         `yaml:"maxBatchBytes"`
	RetryMode         string         `yaml:"retryMode"`
	Tables            []string       `yaml:"tables"`
	Routers           []RouterConfig `yaml:"routers"`
	ProcessingOrder   int            `yaml:"processingOrder"`
	MaxBatchRows      int            `yaml:"maxBatchRows"`
	MaxBatchWait      time.Duration  `yaml:"maxBatchWait"`
	MaxAttempts       int            `yaml:"maxAttempts"`
	UseOldDataToRoute bool           `yaml:"useOldDataToRoute"`
	UseRowDataToRoute *bool          `yaml:"useRowDataToRoute"`
}

type NodeConfig struct {
	Attributes map[string]string `yaml:"attributes"`
	Enabled    *bool             `yaml:"enabled"`
	ID         string            `yaml:"id"`
	Group      string            `yaml:"group"`
	ExternalID string            `yaml:"externalId"`
	SyncURL    string            `yaml:"syncUrl"`
}

// Config is the router process configuration.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	NodeID   string          `yaml:"nodeId"`
	Database string          `yaml:"database"`
	Channels []ChannelConfig `yaml:"channels"`
	Nodes    []NodeConfig    `yaml:"nodes"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
	Gaps     GapConfig       `yaml:"gaps"`
	Retry    RetryConfig     `yaml:"retry"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Wrapf(err, "config %s", path)
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SetDefault() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Database == "" {
		c.Database = "cdc.sqlite"
	}
	if c.Pipeline.PassInterval == 0 {
		c.Pipeline.PassInterval = pipeline.DefaultPassInterval
	}
	if c.Pipeline.PurgeInterval == 0 {
		c.Pipeline.PurgeInterval = pipeline.DefaultPurgeInterval
	}
	if c.Pipeline.GapRetention == 0 {
		c.Pipeline.GapRetention = pipeline.DefaultGapRetention
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = reader.DefaultQueueSize
	}
	if c.Pipeline.PollInterval == 0 {
		c.Pipeline.PollInterval = reader.DefaultPollInterval
	}
	if c.Gaps.StaleAfter == 0 {
		c.Gaps.StaleAfter = gap.DefaultStaleAfter
	}
	if c.Gaps.RecheckInterval == 0 {
		c.Gaps.RecheckInterval = gap.DefaultRecheckInterval
	}
	if c.Retry.Initial == 0 {
		c.Retry.Initial = batch.DefaultRetryInitial
	}
	if c.Retry.Max == 0 {
		c.Retry.Max = batch.DefaultRetryMax
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = batch.DefaultRetryMultiplier
	}
	for i := range c.Channels {
		channel := &c.Channels[i]
		if channel.Enabled == nil {
			channel.Enabled = boolPtr(true)
		}
		if channel.UseRowDataToRoute == nil {
			channel.UseRowDataToRoute = boolPtr(true)
		}
		if channel.MaxBatchRows == 0 {
			channel.MaxBatchRows = 1000
		}
		if channel.MaxBatchBytes == "" {
			channel.MaxBatchBytes = "1mb"
		}
		if channel.MaxBatchWait == 0 {
			channel.MaxBatchWait = 10 * time.Second
		}
		if channel.RetryMode == "" {
			channel.RetryMode = string(model.RetryPartial)
		}
		if channel.MaxAttempts == 0 {
			channel.MaxAttempts = batch.DefaultMaxAttempts
		}
	}
	for i := range c.Nodes {
		if c.Nodes[i].Enabled == nil {
			c.Nodes[i].Enabled = boolPtr(true)
		}
	}
}

// Validate checks identifiers and converts every channel and rule once so
// that errors surface at load time.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i := range c.Channels {
		channel := &c.Channels[i]
		if channel.ID == "" {
			return errors.Errorf("channel #%d: id is required", i+1)
		}
		if seen[channel.ID] {
			return errors.Errorf("channel %s: duplicate id", channel.ID)
		}
		seen[channel.ID] = true
		if _, err := channel.Model(); err != nil {
			return err
		}
		if _, err := channel.Rules(); err != nil {
			return err
		}
	}
	nodes := map[string]bool{}
	for i, node := range c.Nodes {
		if node.ID == "" || node.Group == "" {
			return errors.Errorf("node #%d: id and group are required", i+1)
		}
		if nodes[node.ID] {
			return errors.Errorf("node %s: duplicate id", node.ID)
		}
		nodes[node.ID] = true
	}
	return nil
}

// PipelineOptions returns the pipeline settings; collaborators such as the
// logger and metrics are left to the caller.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		NodeID:        c.NodeID,
		PassInterval:  c.Pipeline.PassInterval,
		PurgeInterval: c.Pipeline.PurgeInterval,
		GapRetention:  c.Pipeline.GapRetention,
		Gap:           gap.Config{StaleAfter: c.Gaps.StaleAfter, RecheckInterval: c.Gaps.RecheckInterval},
		Reader: reader.Options{
			QueueSize:    c.Pipeline.QueueSize,
			PageSize:     c.Pipeline.PageSize,
			PollInterval: c.Pipeline.PollInterval,
		},
		Retry: batch.RetryPolicy{Initial: c.Retry.Initial, Max: c.Retry.Max, Multiplier: c.Retry.Multiplier},
	}
}

// Model converts the channel settings.
func (c *ChannelConfig) Model() (model.Channel, error) {
	size, err := humanize.ParseBytes(c.MaxBatchBytes)
	if err != nil {
		return model.Channel{}, errors.Wrapf(err, "channel %s: maxBatchBytes", c.ID)
	}
	mode := model.RetryMode(strings.ToLower(c.RetryMode))
	if mode != model.RetryPartial && mode != model.RetryFull {
		return model.Channel{}, errors.Errorf("channel %s: unknown retry mode %q", c.ID, c.RetryMode)
	}
	return model.Channel{
		ID:                c.ID,
		ProcessingOrder:   c.ProcessingOrder,
		MaxBatchRows:      c.MaxBatchRows,
		MaxBatchBytes:     int(size),
		MaxBatchWait:      c.MaxBatchWait,
		Enabled:           c.Enabled == nil || *c.Enabled,
		UseOldDataToRoute: c.UseOldDataToRoute,
		UseRowDataToRoute: c.UseRowDataToRoute == nil || *c.UseRowDataToRoute,
		RetryMode:         mode,
		MaxAttempts:       c.MaxAttempts,
	}, nil
}

// Rules converts the channel routers in evaluation order.
func (c *ChannelConfig) Rules() ([]router.Rule, error) {
	rules := make([]router.Rule, 0, len(c.Routers))
	for i, cfg := range c.Routers {
		kind, err := router.ParseKind(cfg.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %s router #%d", c.ID, i+1)
		}
		rule := router.Rule{
			ID:          cfg.ID,
			Kind:        kind,
			TargetGroup: cfg.TargetGroup,
			Tables:      cfg.Tables,
			Column:      cfg.Column,
			Values:      cfg.Values,
			Lookup:      router.Lookup{Table: cfg.Lookup.Table, KeyColumn: cfg.Lookup.KeyColumn, NodeColumn: cfg.Lookup.NodeColumn},
			Attribute:   cfg.Attribute,
			Expression:  cfg.Expression,
		}
		for _, event := range cfg.Events {
			rule.Events = append(rule.Events, model.EventType(strings.ToUpper(event)))
		}
		if err := rule.Validate(); err != nil {
			return nil, errors.Wrapf(err, "channel %s router #%d", c.ID, i+1)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Model converts the node settings.
func (n *NodeConfig) Model() *model.Node {
	return &model.Node{
		ID:         n.ID,
		GroupID:    n.Group,
		ExternalID: n.ExternalID,
		SyncURL:    n.SyncURL,
		Enabled:    n.Enabled == nil || *n.Enabled,
		Attributes: n.Attributes,
	}
}

func boolPtr(v bool) *bool { return &v }
