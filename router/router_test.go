package router

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/sqlite-cdc/model"
)

type memoryDirectory struct {
	nodes      []*model.Node
	attributes map[string]map[string]string
	suspended  map[string]bool
}

func (m *memoryDirectory) ListSubscribedNodes(_ context.Context, channel, group string) ([]*model.Node, error) {
	var result []*model.Node
	for _, node := range m.nodes {
		if node.GroupID == group && node.Enabled && !m.suspended[node.ID+"/"+channel] {
			clone := *node
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *memoryDirectory) GetNodeAttributes(_ context.Context, nodeID string) (map[string]string, error) {
	return m.attributes[nodeID], nil
}

type memoryLookup map[string]map[string][]string

func (m memoryLookup) Load(_ context.Context, lookup Lookup) (map[string][]string, error) {
	return m[lookup.Table], nil
}

func testDirectory() *memoryDirectory {
	return &memoryDirectory{
		nodes: []*model.Node{
			{ID: "w1", GroupID: "west", ExternalID: "store-1", SyncURL: "https://w1.example.com/sync", Enabled: true},
			{ID: "w2", GroupID: "west", ExternalID: "store-2", Enabled: true},
			{ID: "e1", GroupID: "east", ExternalID: "store-3", Enabled: true},
			{ID: "e2", GroupID: "east", Enabled: false},
			{ID: "hq", GroupID: "corp", Enabled: true},
		},
		attributes: map[string]map[string]string{
			"w1": {"subnet": "10.1.0.0/16", "tier": "gold"},
			"w2": {"subnet": "10.2.0.0/16", "tier": "silver"},
		},
		suspended: map[string]bool{},
	}
}

var salesChannel = model.Channel{ID: "sales", UseRowDataToRoute: true, UseOldDataToRoute: true}

func prepare(t *testing.T, rules []Rule, directory NodeDirectory, lookups LookupSource, channel model.Channel) (*Router, *Context) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	r, err := New(channel.ID, rules, logger)
	require.NoError(t, err)
	rctx, err := r.Prepare(context.Background(), channel, directory, lookups)
	require.NoError(t, err)
	return r, rctx
}

func change(id uint64, row map[string]any) *model.ChangeRecord {
	return &model.ChangeRecord{ID: id, ChannelID: "sales", EventType: model.EventInsert, TableName: "orders", RowData: row,
		PKData: map[string]any{"id": id}}
}

func TestRouter_RoutingExclusivity(t *testing.T) {
	r, rctx := prepare(t, []Rule{
		{ID: "west-region", Kind: KindColumn, TargetGroup: "west", Column: "region", Values: []string{"WEST"}},
		{ID: "east-default", Kind: KindDefault, TargetGroup: "east"},
	}, testDirectory(), nil, salesChannel)

	west := r.Route(change(1, map[string]any{"region": "WEST"}), rctx)
	assert.Equal(t, []string{"w1", "w2"}, west.Nodes)
	assert.Empty(t, west.Failures)

	east := r.Route(change(2, map[string]any{"region": "EAST"}), rctx)
	assert.Equal(t, []string{"e1"}, east.Nodes)
}

func TestRouter_RouteVariants(t *testing.T) {
	lookups := memoryLookup{"store_owner": {"A": {"w2", "hq"}}}
	var testCases = []struct {
		description  string
		rules        []Rule
		change       *model.ChangeRecord
		expect       []string
		expectFailed []string
	}{
		{
			description: "first rule per group wins",
			rules: []Rule{
				{ID: "r1", Kind: KindColumn, TargetGroup: "west", Column: "region", Values: []string{"WEST"}},
				{ID: "r2", Kind: KindScript, TargetGroup: "west", Expression: "missing_param > 1"},
			},
			change: change(1, map[string]any{"region": "WEST"}),
			expect: []string{"w1", "w2"},
		},
		{
			description: "later rule evaluated when earlier yields nothing",
			rules: []Rule{
				{ID: "r1", Kind: KindColumn, TargetGroup: "west", Column: "region", Values: []string{"NORTH"}},
				{ID: "r2", Kind: KindExternalID, TargetGroup: "west", Column: "store"},
			},
			change: change(1, map[string]any{"region": "WEST", "store": "store-2"}),
			expect: []string{"w2"},
		},
		{
			description: "failure excludes only its group",
			rules: []Rule{
				{ID: "bad", Kind: KindColumn, TargetGroup: "west", Column: "absent", Values: []string{"x"}},
				{ID: "west-fallback", Kind: KindColumn, TargetGroup: "west", Column: "region", Values: []string{"WEST"}},
				{ID: "east", Kind: KindColumn, TargetGroup: "east", Column: "region", Values: []string{"WEST"}},
			},
			change:       change(1, map[string]any{"region": "WEST"}),
			expect:       []string{"e1"},
			expectFailed: []string{"bad"},
		},
		{
			description: "failure suppresses default fallback",
			rules: []Rule{
				{ID: "bad", Kind: KindScript, TargetGroup: "west", Expression: "nope == 1"},
				{ID: "east", Kind: KindDefault, TargetGroup: "east"},
			},
			change:       change(1, map[string]any{"region": "WEST"}),
			expectFailed: []string{"bad"},
		},
		{
			description: "default listed first wins its group",
			rules: []Rule{
				{ID: "west-all", Kind: KindDefault, TargetGroup: "west"},
				{ID: "owner", Kind: KindLookup, TargetGroup: "west", Column: "owner", Lookup: Lookup{Table: "store_owner", KeyColumn: "owner", NodeColumn: "node_id"}},
			},
			change: change(1, map[string]any{"owner": "A"}),
			expect: []string{"w1", "w2"},
		},
		{
			description: "default winner dropped when another group is claimed",
			rules: []Rule{
				{ID: "west-all", Kind: KindDefault, TargetGroup: "west"},
				{ID: "west-region", Kind: KindColumn, TargetGroup: "west", Column: "region", Values: []string{"WEST"}},
				{ID: "corp-region", Kind: KindColumn, TargetGroup: "corp", Column: "region", Values: []string{"WEST"}},
			},
			change: change(1, map[string]any{"region": "WEST"}),
			expect: []string{"hq"},
		},
		{
			description: "column against node attribute",
			rules:       []Rule{{ID: "tier", Kind: KindColumn, TargetGroup: "west", Column: "tier", Values: []string{":tier"}}},
			change:      change(1, map[string]any{"tier": "gold"}),
			expect:      []string{"w1"},
		},
		{
			description: "column against node external id or static value",
			rules:       []Rule{{ID: "store", Kind: KindColumn, TargetGroup: "west", Column: "store", Values: []string{":EXTERNAL_ID", "all-stores"}}},
			change:      change(1, map[string]any{"store": "store-2"}),
			expect:      []string{"w2"},
		},
		{
			description: "column static value selects whole group",
			rules:       []Rule{{ID: "store", Kind: KindColumn, TargetGroup: "west", Column: "store", Values: []string{":EXTERNAL_ID", "all-stores"}}},
			change:      change(1, map[string]any{"store": "all-stores"}),
			expect:      []string{"w1", "w2"},
		},
		{
			description: "column against node id",
			rules:       []Rule{{ID: "node", Kind: KindColumn, TargetGroup: "east", Column: "node", Values: []string{":NODE_ID"}}},
			change:      change(1, map[string]any{"node": "e1"}),
			expect:      []string{"e1"},
		},
		{
			description: "old image column",
			rules:       []Rule{{ID: "moved", Kind: KindColumn, TargetGroup: "west", Column: "OLD_region", Values: []string{"WEST"}}},
			change: func() *model.ChangeRecord {
				c := change(1, map[string]any{"region": "EAST"})
				c.EventType = model.EventUpdate
				c.OldData = map[string]any{"region": "WEST"}
				return c
			}(),
			expect: []string{"w1", "w2"},
		},
		{
			description:  "old image column missing",
			rules:        []Rule{{ID: "moved", Kind: KindColumn, TargetGroup: "west", Column: "OLD_region", Values: []string{"WEST"}}},
			change:       change(1, map[string]any{"region": "WEST"}),
			expectFailed: []string{"moved"},
		},
		{
			description: "sync url affinity",
			rules:       []Rule{{ID: "url", Kind: KindSyncURL, TargetGroup: "west", Column: "origin"}},
			change:      change(1, map[string]any{"origin": "HTTPS://w1.example.com/sync/"}),
			expect:      []string{"w1"},
		},
		{
			description: "lookup",
			rules:       []Rule{{ID: "owner", Kind: KindLookup, TargetGroup: "west", Column: "owner", Lookup: Lookup{Table: "store_owner", KeyColumn: "owner", NodeColumn: "node_id"}}},
			change:      change(1, map[string]any{"owner": "A"}),
			expect:      []string{"w2"},
		},
		{
			description: "subnet",
			rules:       []Rule{{ID: "net", Kind: KindSubnet, TargetGroup: "west", Column: "client_ip", Attribute: "subnet"}},
			change:      change(1, map[string]any{"client_ip": "10.1.4.5"}),
			expect:      []string{"w1"},
		},
		{
			description: "script per node",
			rules:       []Rule{{ID: "gold", Kind: KindScript, TargetGroup: "west", Expression: "total > 100 && ATTR_tier == 'gold'"}},
			change:      change(1, map[string]any{"total": 150}),
			expect:      []string{"w1"},
		},
		{
			description:  "script non bool result",
			rules:        []Rule{{ID: "sum", Kind: KindScript, TargetGroup: "west", Expression: "total + 1"}},
			change:       change(1, map[string]any{"total": 150}),
			expectFailed: []string{"sum"},
		},
		{
			description: "table filter",
			rules: []Rule{
				{ID: "items", Kind: KindDefault, TargetGroup: "west", Tables: []string{"ITEMS"}},
				{ID: "corp", Kind: KindDefault, TargetGroup: "corp", Tables: []string{"orders"}},
			},
			change: change(1, nil),
			expect: []string{"hq"},
		},
		{
			description: "event filter",
			rules:       []Rule{{ID: "deletes", Kind: KindDefault, TargetGroup: "corp", Events: []model.EventType{model.EventDelete}}},
			change:      change(1, nil),
		},
		{
			description: "source node excluded",
			rules:       []Rule{{ID: "all", Kind: KindDefault, TargetGroup: "west"}},
			change: func() *model.ChangeRecord {
				c := change(1, nil)
				c.SourceNodeID = "w1"
				return c
			}(),
			expect: []string{"w2"},
		},
		{
			description: "disabled node not routed",
			rules:       []Rule{{ID: "all", Kind: KindDefault, TargetGroup: "east"}},
			change:      change(1, nil),
			expect:      []string{"e1"},
		},
	}
	for _, testCase := range testCases {
		r, rctx := prepare(t, testCase.rules, testDirectory(), lookups, salesChannel)
		actual := r.Route(testCase.change, rctx)
		assert.Equal(t, testCase.expect, actual.Nodes, testCase.description)
		var failed []string
		for _, failure := range actual.Failures {
			failed = append(failed, failure.RuleID)
			assert.EqualValues(t, testCase.change.ID, failure.DataID, testCase.description)
			assert.Error(t, failure.Err, testCase.description)
		}
		assert.Equal(t, testCase.expectFailed, failed, testCase.description)
	}
}

func TestRouter_RowDataDisabled(t *testing.T) {
	channel := model.Channel{ID: "sales"}
	r, rctx := prepare(t, []Rule{
		{ID: "region", Kind: KindColumn, TargetGroup: "west", Column: "region", Values: []string{"WEST"}},
		{ID: "by-id", Kind: KindColumn, TargetGroup: "east", Column: "id", Values: []string{"7"}},
	}, testDirectory(), nil, channel)

	result := r.Route(change(7, map[string]any{"region": "WEST"}), rctx)
	assert.Equal(t, []string{"e1"}, result.Nodes)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "region", result.Failures[0].RuleID)
	assert.Contains(t, result.Failures[0].Error(), "change 7")
}

func TestRouter_OldImageRequiresChannelFlag(t *testing.T) {
	channel := model.Channel{ID: "sales", UseRowDataToRoute: true}
	r, rctx := prepare(t, []Rule{
		{ID: "moved", Kind: KindColumn, TargetGroup: "west", Column: "OLD_region", Values: []string{"WEST"}},
	}, testDirectory(), nil, channel)

	record := change(1, map[string]any{"region": "WEST"})
	record.OldData = map[string]any{"region": "WEST"}
	result := r.Route(record, rctx)
	assert.Empty(t, result.Nodes)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0].Error(), "old data")
}

func TestRouter_SuspendedNode(t *testing.T) {
	directory := testDirectory()
	directory.suspended["w1/sales"] = true
	r, rctx := prepare(t, []Rule{{Kind: KindDefault, TargetGroup: "west"}}, directory, nil, salesChannel)
	assert.Equal(t, []string{"w2"}, r.Route(change(1, nil), rctx).Nodes)
	assert.Equal(t, []string{"west"}, r.Groups())
}

func TestNew_InvalidRules(t *testing.T) {
	var testCases = []struct {
		description string
		rule        Rule
	}{
		{description: "missing group", rule: Rule{Kind: KindDefault}},
		{description: "column without values", rule: Rule{Kind: KindColumn, TargetGroup: "g", Column: "c"}},
		{description: "column empty node target", rule: Rule{Kind: KindColumn, TargetGroup: "g", Column: "c", Values: []string{":"}}},
		{description: "sync url without column", rule: Rule{Kind: KindSyncURL, TargetGroup: "g"}},
		{description: "lookup without table", rule: Rule{Kind: KindLookup, TargetGroup: "g", Column: "c"}},
		{description: "lookup bad identifier", rule: Rule{Kind: KindLookup, TargetGroup: "g", Column: "c", Lookup: Lookup{Table: "t;drop", KeyColumn: "k", NodeColumn: "n"}}},
		{description: "subnet without attribute", rule: Rule{Kind: KindSubnet, TargetGroup: "g", Column: "c"}},
		{description: "external id without column", rule: Rule{Kind: KindExternalID, TargetGroup: "g"}},
		{description: "script syntax", rule: Rule{Kind: KindScript, TargetGroup: "g", Expression: "a >"}},
		{description: "bad event", rule: Rule{Kind: KindDefault, TargetGroup: "g", Events: []model.EventType{"Z"}}},
		{description: "unknown kind", rule: Rule{Kind: Kind(42), TargetGroup: "g"}},
	}
	for _, testCase := range testCases {
		_, err := New("sales", []Rule{testCase.rule}, nil)
		assert.Error(t, err, testCase.description)
	}
}

func TestParseKind(t *testing.T) {
	for kind, name := range kindNames {
		actual, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, kind, actual)
		assert.Equal(t, name, kind.String())
	}
	actual, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindDefault, actual)
	_, err = ParseKind("bsh")
	assert.Error(t, err)
}
