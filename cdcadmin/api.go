package cdcadmin

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/viant/sqlite-cdc/batch"
	"github.com/viant/sqlite-cdc/model"
	"modernc.org/sqlite/vtab"
)

// ModuleName is the virtual table module registered by Register.
const ModuleName = "cdc_admin"

// operationTimeout bounds a single administrative command.
const operationTimeout = 30 * time.Second

// Module exposes stalled batches and operator actions via a virtual table.
// Usage:
//
//	CREATE VIRTUAL TABLE cdc_admin USING cdc_admin(op);
//	SELECT * FROM cdc_admin WHERE op MATCH 'stalled';
//	SELECT * FROM cdc_admin WHERE op MATCH 'retry:42:store-1';
//	SELECT * FROM cdc_admin WHERE op MATCH 'ignore:42:store-1';
//
// Each returned row describes one batch: op, batch_id, node_id, channel_id,
// status, attempt and message.
type Module struct{ tracker *batch.Tracker }

type Table struct{ tracker *batch.Tracker }

type Cursor struct {
	table *Table
	op    string
	rows  []*model.Batch
	pos   int
}

const columns = "op, batch_id, node_id, channel_id, status, attempt, message"

// Register makes the cdc_admin module available on connections opened
// after the call.
func Register(db *sql.DB, tracker *batch.Tracker) error {
	if err := vtab.RegisterModule(db, ModuleName, &Module{tracker: tracker}); err != nil {
		if !strings.Contains(err.Error(), "already registered") {
			return err
		}
	}
	return nil
}

func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Connect(ctx, args)
}

func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("%s: need at least 3 args", ModuleName)
	}
	if err := ctx.Declare(fmt.Sprintf("CREATE TABLE %s(%s)", args[2], columns)); err != nil {
		return nil, err
	}
	return &Table{tracker: m.tracker}, nil
}

func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable {
			continue
		}
		if c.Column == 0 && c.Op == vtab.OpMATCH {
			c.ArgIndex = 1
			info.IdxNum = 1
			break
		}
	}
	return nil
}

func (t *Table) Open() (vtab.Cursor, error) { return &Cursor{table: t}, nil }
func (t *Table) Disconnect() error { return nil }
func (t *Table) Destroy() error { return nil }

func (c *Cursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.rows = nil
	c.pos = 0
	if idxNum != 1 || len(vals) == 0 || vals[0] == nil {
		return nil
	}
	op, ok := vals[0].(string)
	if !ok {
		return fmt.Errorf("%s: MATCH expects a TEXT command", ModuleName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	rows, err := Execute(ctx, c.table.tracker, op)
	if err != nil {
		return err
	}
	c.op = op
	c.rows = rows
	return nil
}

func (c *Cursor) Next() error {
	if c.pos < len(c.rows) {
		c.pos++
	}
	return nil
}

func (c *Cursor) Eof() bool { return c.pos >= len(c.rows) }

func (c *Cursor) Column(col int) (vtab.Value, error) {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil, fmt.Errorf("%s: Column out of range", ModuleName)
	}
	b := c.rows[c.pos]
	switch col {
	case 0:
		return c.op, nil
	case 1:
		return int64(b.ID), nil
	case 2:
		return b.NodeID, nil
	case 3:
		return b.ChannelID, nil
	case 4:
		return string(b.Status), nil
	case 5:
		return int64(b.Attempt), nil
	case 6:
		return b.ErrorMessage, nil
	}
	return nil, nil
}

func (c *Cursor) Rowid() (int64, error) { return int64(c.pos + 1), nil }

func (c *Cursor) Close() error {
	c.rows = nil
	c.pos = 0
	return nil
}

// Execute runs an administrative command:
//
//	stalled                 lists stalled batches
//	retry:<batch>:<node>    creates a new attempt of a failed batch
//	ignore:<batch>:<node>   resolves a batch without delivery
func Execute(ctx context.Context, tracker *batch.Tracker, op string) ([]*model.Batch, error) {
	parts := strings.SplitN(strings.TrimSpace(op), ":", 3)
	switch strings.ToLower(parts[0]) {
	case "stalled":
		return tracker.Stalled(ctx)
	case "retry", "ignore":
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("%s: expected %s:<batch>:<node>, got %q", ModuleName, parts[0], op)
		}
		batchID, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid batch id %q", ModuleName, parts[1])
		}
		if strings.EqualFold(parts[0], "retry") {
			retry, err := tracker.RetryNow(ctx, batchID, parts[2])
			if err != nil {
				return nil, err
			}
			return []*model.Batch{retry}, nil
		}
		if err := tracker.Ignore(ctx, batchID, parts[2]); err != nil {
			return nil, err
		}
		ignored, err := tracker.Get(ctx, batchID, parts[2])
		if err != nil {
			return nil, err
		}
		return []*model.Batch{ignored}, nil
	}
	return nil, fmt.Errorf("%s: unknown command %q", ModuleName, op)
}
