package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/casbin/govaluate"
	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/model"
)

// Kind is the closed set of routing rule variants.
type Kind int

const (
	// KindDefault selects every subscribed node of the target group.
	KindDefault Kind = iota
	// KindColumn selects nodes when a column equals one of Values. A value
	// written as ":NAME" is a node target: NODE_ID, EXTERNAL_ID, GROUP_ID,
	// SYNC_URL or any node attribute, compared per node. A column written as
	// OLD_<name> reads the pre-update image only.
	KindColumn
	// KindLookup maps a column value to node ids through a lookup table.
	KindLookup
	// KindSubnet selects nodes whose Attribute holds a network containing
	// the address in Column.
	KindSubnet
	// KindExternalID selects nodes whose external id equals Column.
	KindExternalID
	// KindScript evaluates Expression per node.
	KindScript
	// KindSyncURL selects nodes whose sync URL equals Column.
	KindSyncURL
)

// NodeTargetPrefix marks a column rule value naming a node field or attribute.
const NodeTargetPrefix = ":"

// OldImagePrefix marks a column read from the pre-update image.
const OldImagePrefix = "OLD_"

var kindNames = map[Kind]string{
	KindDefault:    "default",
	KindColumn:     "column",
	KindLookup:     "lookup",
	KindSubnet:     "subnet",
	KindExternalID: "external_id",
	KindScript:     "script",
	KindSyncURL:    "sync_url",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a configured rule type.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return KindDefault, nil
	}
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind, nil
		}
	}
	return 0, errors.Errorf("unknown router type %q", name)
}

// Lookup names a mapping table used by KindLookup rules.
type Lookup struct {
	Table     string
	KeyColumn string
	// NodeColumn holds the target node id.
	NodeColumn string
}

func (l Lookup) key() string { return l.Table + "|" + l.KeyColumn + "|" + l.NodeColumn }

// Rule is one routing rule of a channel.
type Rule struct {
	ID          string
	Kind        Kind
	TargetGroup string
	// Tables and Events restrict the rule; empty means any.
	Tables []string
	Events []model.EventType

	Column     string
	Values     []string
	Lookup     Lookup
	Attribute  string
	Expression string
}

// Validate checks that the fields required by the rule kind are set.
func (r *Rule) Validate() error {
	if r.TargetGroup == "" {
		return errors.Errorf("rule %s: target group is required", r.ID)
	}
	switch r.Kind {
	case KindDefault:
	case KindColumn:
		if r.Column == "" || len(r.Values) == 0 {
			return errors.Errorf("rule %s: column rule requires column and values", r.ID)
		}
		for _, value := range r.Values {
			if value == NodeTargetPrefix {
				return errors.Errorf("rule %s: empty node target in values", r.ID)
			}
		}
	case KindLookup:
		if r.Column == "" || r.Lookup.Table == "" || r.Lookup.KeyColumn == "" || r.Lookup.NodeColumn == "" {
			return errors.Errorf("rule %s: lookup rule requires column and lookup table, key and node columns", r.ID)
		}
		for _, name := range []string{r.Lookup.Table, r.Lookup.KeyColumn, r.Lookup.NodeColumn} {
			if !identifier.MatchString(name) {
				return errors.Errorf("rule %s: invalid lookup identifier %q", r.ID, name)
			}
		}
	case KindSubnet:
		if r.Column == "" || r.Attribute == "" {
			return errors.Errorf("rule %s: subnet rule requires column and attribute", r.ID)
		}
	case KindExternalID:
		if r.Column == "" {
			return errors.Errorf("rule %s: external id rule requires column", r.ID)
		}
	case KindSyncURL:
		if r.Column == "" {
			return errors.Errorf("rule %s: sync url rule requires column", r.ID)
		}
	case KindScript:
		if r.Expression == "" {
			return errors.Errorf("rule %s: script rule requires expression", r.ID)
		}
	default:
		return errors.Errorf("rule %s: unsupported kind %v", r.ID, r.Kind)
	}
	for _, event := range r.Events {
		if !event.Valid() {
			return errors.Errorf("rule %s: invalid event type %q", r.ID, event)
		}
	}
	return nil
}

func (r *Rule) applies(change *model.ChangeRecord) bool {
	if len(r.Tables) > 0 && !containsFold(r.Tables, change.TableName) {
		return false
	}
	if len(r.Events) == 0 {
		return true
	}
	for _, event := range r.Events {
		if event == change.EventType {
			return true
		}
	}
	return false
}

// compiled is a validated rule with its parsed expression.
type compiled struct {
	Rule
	expression *govaluate.EvaluableExpression
}

func compile(rule Rule) (*compiled, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	result := &compiled{Rule: rule}
	if rule.Kind == KindScript {
		expr, err := govaluate.NewEvaluableExpression(rule.Expression)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s: invalid expression", rule.ID)
		}
		result.expression = expr
	}
	return result, nil
}

// evaluate returns the nodes of the rule's group selected for change.
func (r *compiled) evaluate(change *model.ChangeRecord, rctx *Context) ([]*model.Node, error) {
	nodes := rctx.Nodes[r.TargetGroup]
	if len(nodes) == 0 {
		return nil, nil
	}
	switch r.Kind {
	case KindDefault:
		return nodes, nil
	case KindColumn:
		value, err := r.column(change, rctx)
		if err != nil {
			return nil, err
		}
		return filterNodes(nodes, func(node *model.Node) bool { return r.matches(value, node) }), nil
	case KindLookup:
		value, err := r.column(change, rctx)
		if err != nil {
			return nil, err
		}
		mapping, ok := rctx.Lookups[r.Lookup.key()]
		if !ok {
			return nil, errors.Errorf("lookup table %s not loaded", r.Lookup.Table)
		}
		return filterNodes(nodes, func(node *model.Node) bool {
			for _, id := range mapping[value] {
				if id == node.ID {
					return true
				}
			}
			return false
		}), nil
	case KindSubnet:
		value, err := r.column(change, rctx)
		if err != nil {
			return nil, err
		}
		var firstErr error
		selected := filterNodes(nodes, func(node *model.Node) bool {
			network, ok := node.Attributes[r.Attribute]
			if !ok || network == "" {
				return false
			}
			in, err := cidrContains(network, value)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return in
		})
		return selected, firstErr
	case KindExternalID:
		value, err := r.column(change, rctx)
		if err != nil {
			return nil, err
		}
		return filterNodes(nodes, func(node *model.Node) bool { return node.ExternalID != "" && node.ExternalID == value }), nil
	case KindSyncURL:
		value, err := r.column(change, rctx)
		if err != nil {
			return nil, err
		}
		value = normalizeURL(value)
		return filterNodes(nodes, func(node *model.Node) bool { return node.SyncURL != "" && normalizeURL(node.SyncURL) == value }), nil
	case KindScript:
		return r.script(change, rctx, nodes)
	}
	return nil, errors.Errorf("unsupported kind %v", r.Kind)
}

// matches reports whether value equals a static value or one of node's targets.
func (r *compiled) matches(value string, node *model.Node) bool {
	for _, candidate := range r.Values {
		if !strings.HasPrefix(candidate, NodeTargetPrefix) {
			if candidate == value {
				return true
			}
			continue
		}
		if target, ok := nodeTarget(node, candidate[len(NodeTargetPrefix):]); ok && target == value {
			return true
		}
	}
	return false
}

func nodeTarget(node *model.Node, name string) (string, bool) {
	switch name {
	case "NODE_ID":
		return node.ID, true
	case "EXTERNAL_ID":
		return node.ExternalID, node.ExternalID != ""
	case "GROUP_ID":
		return node.GroupID, true
	case "SYNC_URL":
		return node.SyncURL, node.SyncURL != ""
	}
	value, ok := node.Attributes[name]
	return value, ok
}

func normalizeURL(value string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(value), "/"))
}

func (r *compiled) column(change *model.ChangeRecord, rctx *Context) (string, error) {
	if name, ok := strings.CutPrefix(r.Column, OldImagePrefix); ok && name != "" {
		if !rctx.Channel.UseOldDataToRoute {
			return "", errors.Errorf("column %s: old data is not available to routing", r.Column)
		}
		value, ok := change.OldData[name]
		if !ok {
			return "", errors.Errorf("column %s is not in the old image", r.Column)
		}
		return text(value), nil
	}
	value, ok := change.Value(r.Column, rctx.Channel.UseRowDataToRoute, rctx.Channel.UseOldDataToRoute)
	if !ok {
		return "", errors.Errorf("column %s is not available to routing", r.Column)
	}
	return text(value), nil
}

func (r *compiled) script(change *model.ChangeRecord, rctx *Context, nodes []*model.Node) ([]*model.Node, error) {
	params := map[string]interface{}{
		"TABLE":      change.TableName,
		"EVENT":      string(change.EventType),
		"CHANNEL_ID": change.ChannelID,
	}
	for key, value := range change.PKData {
		params[key] = scalar(value)
	}
	if rctx.Channel.UseOldDataToRoute {
		for key, value := range change.OldData {
			params["OLD_"+key] = scalar(value)
			params[key] = scalar(value)
		}
	}
	if rctx.Channel.UseRowDataToRoute {
		for key, value := range change.RowData {
			params[key] = scalar(value)
		}
	}
	var selected []*model.Node
	for _, node := range nodes {
		params["NODE_ID"] = node.ID
		params["EXTERNAL_ID"] = node.ExternalID
		params["GROUP_ID"] = node.GroupID
		for key, value := range node.Attributes {
			params["ATTR_"+key] = value
		}
		result, err := r.expression.Evaluate(params)
		for key := range node.Attributes {
			delete(params, "ATTR_"+key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate %q", r.Expression)
		}
		match, ok := result.(bool)
		if !ok {
			return nil, errors.Errorf("expression %q returned %T, want bool", r.Expression, result)
		}
		if match {
			selected = append(selected, node)
		}
	}
	return selected, nil
}

func filterNodes(nodes []*model.Node, keep func(node *model.Node) bool) []*model.Node {
	var result []*model.Node
	for _, node := range nodes {
		if keep(node) {
			result = append(result, node)
		}
	}
	return result
}

func text(value any) string {
	switch actual := value.(type) {
	case nil:
		return ""
	case string:
		return actual
	case json.Number:
		return actual.String()
	case []byte:
		return string(actual)
	default:
		return fmt.Sprint(actual)
	}
}

// scalar adapts decoded values to types govaluate can compare.
func scalar(value any) any {
	switch actual := value.(type) {
	case json.Number:
		if f, err := actual.Float64(); err == nil {
			return f
		}
		return actual.String()
	case int:
		return float64(actual)
	case int64:
		return float64(actual)
	case int32:
		return float64(actual)
	case uint64:
		return float64(actual)
	case float32:
		return float64(actual)
	case []byte:
		return string(actual)
	}
	return value
}

func containsFold(values []string, candidate string) bool {
	for _, value := range values {
		if strings.EqualFold(value, candidate) {
			return true
		}
	}
	return false
}
