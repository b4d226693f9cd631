package router

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/model"
)

// Context is the routing snapshot of one channel for one pass: subscribed
// nodes per target group and preloaded lookup tables. It is owned by the
// pass that prepared it and must not be shared between channels.
type Context struct {
	Channel model.Channel
	// Nodes lists enabled, subscribed nodes by group in id order.
	Nodes map[string][]*model.Node
	// Lookups maps a lookup key to key value to node ids.
	Lookups map[string]map[string][]string
}

// Failure is a rule that could not be evaluated for a change. The rule's
// target group does not receive the change.
type Failure struct {
	RuleID string
	Group  string
	DataID uint64
	Err    error
}

func (f Failure) Error() string {
	return errors.Wrapf(f.Err, "rule %s (group %s) on change %d", f.RuleID, f.Group, f.DataID).Error()
}

// Result is the routing decision for one change.
type Result struct {
	// Nodes holds target node ids in ascending order.
	Nodes    []string
	Failures []Failure
}

// Router evaluates a channel's rules. It is immutable and safe for
// concurrent use.
type Router struct {
	channel string
	rules   []*compiled
	groups  []string
	lookups []Lookup
	logger  logrus.FieldLogger
}

// New validates and compiles rules in evaluation order.
func New(channel string, rules []Rule, logger logrus.FieldLogger) (*Router, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Router{channel: channel, logger: logger.WithField("channel", channel)}
	seenGroup := map[string]bool{}
	seenLookup := map[string]bool{}
	for i, rule := range rules {
		if rule.ID == "" {
			rule.ID = rule.TargetGroup + "-" + rule.Kind.String()
		}
		c, err := compile(rule)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %s rule #%d", channel, i+1)
		}
		r.rules = append(r.rules, c)
		if !seenGroup[rule.TargetGroup] {
			seenGroup[rule.TargetGroup] = true
			r.groups = append(r.groups, rule.TargetGroup)
		}
		if rule.Kind == KindLookup && !seenLookup[rule.Lookup.key()] {
			seenLookup[rule.Lookup.key()] = true
			r.lookups = append(r.lookups, rule.Lookup)
		}
	}
	return r, nil
}

// Groups returns the target groups referenced by the rules.
func (r *Router) Groups() []string { return r.groups }

// Prepare builds the routing snapshot for a pass. It must run before the
// pass opens its write transaction.
func (r *Router) Prepare(ctx context.Context, channel model.Channel, directory NodeDirectory, lookups LookupSource) (*Context, error) {
	result := &Context{Channel: channel, Nodes: map[string][]*model.Node{}, Lookups: map[string]map[string][]string{}}
	for _, group := range r.groups {
		nodes, err := directory.ListSubscribedNodes(ctx, channel.ID, group)
		if err != nil {
			return nil, errors.Wrapf(err, "list nodes of group %s", group)
		}
		for _, node := range nodes {
			if node.Attributes != nil {
				continue
			}
			if node.Attributes, err = directory.GetNodeAttributes(ctx, node.ID); err != nil {
				return nil, errors.Wrapf(err, "load attributes of node %s", node.ID)
			}
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
		result.Nodes[group] = nodes
	}
	for _, lookup := range r.lookups {
		if lookups == nil {
			return nil, errors.Errorf("lookup table %s requires a lookup source", lookup.Table)
		}
		mapping, err := lookups.Load(ctx, lookup)
		if err != nil {
			return nil, errors.Wrapf(err, "load lookup %s", lookup.Table)
		}
		result.Lookups[lookup.key()] = mapping
	}
	return result, nil
}

// Route returns the nodes that must receive change. Each group takes the
// first of its rules, in configured order, that yields nodes. A group won by a
// default rule is dropped when another group was claimed by a non-default
// rule or failed. Rule failures are reported in the result and logged; they
// exclude only the failing rule's group.
func (r *Router) Route(change *model.ChangeRecord, rctx *Context) Result {
	var result Result
	winners := map[string]*compiled{}
	selected := map[string][]*model.Node{}
	excluded := map[string]bool{}
	for _, rule := range r.rules {
		group := rule.TargetGroup
		if winners[group] != nil || excluded[group] || !rule.applies(change) {
			continue
		}
		nodes, err := rule.evaluate(change, rctx)
		if err != nil {
			excluded[group] = true
			result.Failures = append(result.Failures, Failure{RuleID: rule.ID, Group: group, DataID: change.ID, Err: err})
			continue
		}
		if len(nodes) == 0 {
			continue
		}
		winners[group] = rule
		selected[group] = nodes
	}
	claimed := len(excluded) > 0
	for _, rule := range winners {
		if rule.Kind != KindDefault {
			claimed = true
			break
		}
	}
	targets := map[string]bool{}
	for group, rule := range winners {
		if claimed && rule.Kind == KindDefault {
			continue
		}
		for _, node := range selected[group] {
			targets[node.ID] = true
		}
	}
	delete(targets, change.SourceNodeID)
	for id := range targets {
		result.Nodes = append(result.Nodes, id)
	}
	sort.Strings(result.Nodes)
	for _, failure := range result.Failures {
		r.logger.WithFields(logrus.Fields{"rule": failure.RuleID, "group": failure.Group, "data_id": failure.DataID}).
			WithError(failure.Err).Warn("routing rule failed")
	}
	return result
}
