package router

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/model"
)

// NodeDirectory answers which peers subscribe to a channel.
type NodeDirectory interface {
	// ListSubscribedNodes returns enabled nodes of group subscribed to channel.
	ListSubscribedNodes(ctx context.Context, channel, group string) ([]*model.Node, error)
	// GetNodeAttributes returns routing attributes of a node.
	GetNodeAttributes(ctx context.Context, nodeID string) (map[string]string, error)
}

const (
	NodeTable          = "cdc_node"
	NodeChannelTable   = "cdc_node_channel"
	NodeAttributeTable = "cdc_node_attribute"
)

// DirectorySchema returns the DDL for the node directory tables.
func DirectorySchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + NodeTable + ` (
    node_id     TEXT PRIMARY KEY,
    group_id    TEXT NOT NULL,
    external_id TEXT,
    sync_url    TEXT,
    enabled     INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE INDEX IF NOT EXISTS ` + NodeTable + `_group ON ` + NodeTable + `(group_id);`,
		`CREATE TABLE IF NOT EXISTS ` + NodeChannelTable + ` (
    node_id    TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    suspended  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(node_id, channel_id)
);`,
		`CREATE TABLE IF NOT EXISTS ` + NodeAttributeTable + ` (
    node_id TEXT NOT NULL,
    name    TEXT NOT NULL,
    value   TEXT,
    PRIMARY KEY(node_id, name)
);`,
	}
}

// SQLDirectory is a NodeDirectory over the cdc_node tables. Nodes are
// subscribed to every channel unless suspended for it.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory returns a directory over db.
func NewSQLDirectory(db *sql.DB) *SQLDirectory { return &SQLDirectory{db: db} }

// Init creates the directory tables.
func (d *SQLDirectory) Init(ctx context.Context) error {
	return engine.ExecAll(ctx, d.db, DirectorySchema()...)
}

// ListSubscribedNodes implements NodeDirectory.
func (d *SQLDirectory) ListSubscribedNodes(ctx context.Context, channel, group string) ([]*model.Node, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT n.node_id, n.group_id, COALESCE(n.external_id, ''), COALESCE(n.sync_url, '')
FROM `+NodeTable+` n
LEFT JOIN `+NodeChannelTable+` c ON c.node_id = n.node_id AND c.channel_id = ?
WHERE n.group_id = ? AND n.enabled = 1 AND COALESCE(c.suspended, 0) = 0
ORDER BY n.node_id`, channel, group)
	if err != nil {
		return nil, errors.Wrapf(err, "list nodes %s/%s", channel, group)
	}
	defer rows.Close()
	var result []*model.Node
	for rows.Next() {
		node := &model.Node{Enabled: true}
		if err := rows.Scan(&node.ID, &node.GroupID, &node.ExternalID, &node.SyncURL); err != nil {
			return nil, errors.Wrap(err, "scan node")
		}
		result = append(result, node)
	}
	return result, errors.Wrap(rows.Err(), "iterate nodes")
}

// GetNodeAttributes implements NodeDirectory.
func (d *SQLDirectory) GetNodeAttributes(ctx context.Context, nodeID string) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, COALESCE(value, '') FROM `+NodeAttributeTable+` WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, errors.Wrapf(err, "load attributes %s", nodeID)
	}
	defer rows.Close()
	result := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, errors.Wrap(err, "scan attribute")
		}
		result[name] = value
	}
	return result, errors.Wrap(rows.Err(), "iterate attributes")
}

// SaveNode inserts or replaces a node with its attributes.
func (d *SQLDirectory) SaveNode(ctx context.Context, node *model.Node) error {
	return engine.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+NodeTable+`(node_id, group_id, external_id, sync_url, enabled) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET group_id = excluded.group_id, external_id = excluded.external_id,
    sync_url = excluded.sync_url, enabled = excluded.enabled`,
			node.ID, node.GroupID, node.ExternalID, node.SyncURL, boolInt(node.Enabled)); err != nil {
			return errors.Wrapf(err, "save node %s", node.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+NodeAttributeTable+` WHERE node_id = ?`, node.ID); err != nil {
			return errors.Wrapf(err, "clear attributes %s", node.ID)
		}
		for name, value := range node.Attributes {
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+NodeAttributeTable+`(node_id, name, value) VALUES (?, ?, ?)`, node.ID, name, value); err != nil {
				return errors.Wrapf(err, "save attribute %s.%s", node.ID, name)
			}
		}
		return nil
	})
}

// Suspend stops (or with suspended false resumes) routing channel to node.
func (d *SQLDirectory) Suspend(ctx context.Context, nodeID, channel string, suspended bool) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO `+NodeChannelTable+`(node_id, channel_id, suspended) VALUES (?, ?, ?)
ON CONFLICT(node_id, channel_id) DO UPDATE SET suspended = excluded.suspended`, nodeID, channel, boolInt(suspended))
	return errors.Wrapf(err, "suspend %s/%s", nodeID, channel)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ NodeDirectory = (*SQLDirectory)(nil)
