package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/model"
)

// DefaultPageSize bounds the number of records loaded per Scan round trip.
const DefaultPageSize = 500

// fetchChunk keeps IN lists well below SQLite's variable limit.
const fetchChunk = 400

// Reader is the read side of the change log consumed by the pipeline.
type Reader interface {
	// Scan returns up to limit records of channel with after < id <= through
	// in ascending id order.
	Scan(ctx context.Context, channel string, after, through uint64, limit int) ([]*model.ChangeRecord, error)
	// Fetch returns the records with the given ids in ascending id order;
	// missing ids are skipped.
	Fetch(ctx context.Context, channel string, ids []uint64) ([]*model.ChangeRecord, error)
	// Count returns the number of records with start <= id <= end.
	Count(ctx context.Context, channel string, start, end uint64) (int, error)
}

// Store is the SQLite change log.
type Store struct {
	db *sql.DB
}

// NewStore returns a change log store over db.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Init creates the change log tables.
func (s *Store) Init(ctx context.Context) error {
	return engine.ExecAll(ctx, s.db, Schema()...)
}

// Install introspects table and creates capture triggers feeding channel.
func (s *Store) Install(ctx context.Context, q engine.Querier, channel, table string) error {
	rows, err := q.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", table)
	}
	spec := TriggerSpec{Channel: channel, Table: table}
	for rows.Next() {
		var name string
		var pk int
		if err := rows.Scan(&name, &pk); err != nil {
			rows.Close()
			return err
		}
		spec.Columns = append(spec.Columns, name)
		if pk > 0 {
			spec.PKColumns = append(spec.PKColumns, name)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(spec.Columns) == 0 {
		return errors.Errorf("capture %s: no such table", table)
	}
	if len(spec.PKColumns) == 0 {
		spec.PKColumns = spec.Columns
	}
	return engine.ExecAll(ctx, q, SQLiteCaptureTriggers(spec)...)
}

// SetCaptureSource records the node whose changes are being applied. Loaders
// set it inside their apply transaction and clear it with "" before commit.
func (s *Store) SetCaptureSource(ctx context.Context, q engine.Querier, nodeID string) error {
	var value any
	if nodeID != "" {
		value = nodeID
	}
	_, err := q.ExecContext(ctx, `INSERT INTO `+ContextTable+`(id, source_node_id) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET source_node_id = excluded.source_node_id`, value)
	return errors.Wrap(err, "set capture source")
}

// Append allocates the next id of rec.ChannelID and writes rec.
func (s *Store) Append(ctx context.Context, q engine.Querier, rec *model.ChangeRecord) (uint64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO `+SeqTable+`(channel_id, next_id) VALUES (?, 1)
ON CONFLICT(channel_id) DO UPDATE SET next_id = next_id + 1`, rec.ChannelID); err != nil {
		return 0, errors.Wrap(err, "advance channel sequence")
	}
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT next_id FROM `+SeqTable+` WHERE channel_id = ?`, rec.ChannelID).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "read channel sequence")
	}
	rec.ID = uint64(id)
	return rec.ID, s.insert(ctx, q, rec)
}

// Put writes rec with its preset id and moves the channel sequence past it.
// It is used by loaders that preserve upstream ids.
func (s *Store) Put(ctx context.Context, q engine.Querier, rec *model.ChangeRecord) error {
	if rec.ID == 0 {
		return errors.New("put change: id is required")
	}
	if err := engine.CheckID(rec.ID); err != nil {
		return errors.Wrap(err, "put change")
	}
	if err := s.insert(ctx, q, rec); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO `+SeqTable+`(channel_id, next_id) VALUES (?, ?)
ON CONFLICT(channel_id) DO UPDATE SET next_id = MAX(next_id, excluded.next_id)`, rec.ChannelID, engine.ID(rec.ID))
	return errors.Wrap(err, "advance channel sequence")
}

func (s *Store) insert(ctx context.Context, q engine.Querier, rec *model.ChangeRecord) error {
	if !rec.EventType.Valid() {
		return errors.Errorf("change %d: invalid event type %q", rec.ID, rec.EventType)
	}
	rowData, err := encodeImage(rec.RowData)
	if err != nil {
		return err
	}
	oldData, err := encodeImage(rec.OldData)
	if err != nil {
		return err
	}
	pkData, err := encodeImage(rec.PKData)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `INSERT INTO `+DataTable+`(channel_id, data_id, event_type, table_name, row_data, old_data, pk_data,
    transaction_id, source_node_id, external_data, create_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChannelID, engine.ID(rec.ID), string(rec.EventType), rec.TableName, rowData, oldData, pkData,
		nullable(rec.TransactionID), nullable(rec.SourceNodeID), nullable(rec.ExternalData), engine.Millis(rec.CreatedAt))
	return errors.Wrapf(err, "insert change %s/%d", rec.ChannelID, rec.ID)
}

const selectColumns = `data_id, channel_id, event_type, table_name, row_data, old_data, pk_data,
    transaction_id, source_node_id, external_data, create_time`

// Scan implements Reader.
func (s *Store) Scan(ctx context.Context, channel string, after, through uint64, limit int) ([]*model.ChangeRecord, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if after >= through {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM `+DataTable+`
WHERE channel_id = ? AND data_id > ? AND data_id <= ? ORDER BY data_id LIMIT ?`,
		channel, engine.ID(after), engine.ID(through), limit)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s after %d", channel, after)
	}
	return readRecords(rows)
}

// Fetch implements Reader.
func (s *Store) Fetch(ctx context.Context, channel string, ids []uint64) ([]*model.ChangeRecord, error) {
	var result []*model.ChangeRecord
	for start := 0; start < len(ids); start += fetchChunk {
		end := start + fetchChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, channel)
		for _, id := range chunk {
			args = append(args, engine.ID(id))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM `+DataTable+`
WHERE channel_id = ? AND data_id IN (`+placeholders+`) ORDER BY data_id`, args...)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch %s", channel)
		}
		records, err := readRecords(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, records...)
	}
	return result, nil
}

// Count implements Reader.
func (s *Store) Count(ctx context.Context, channel string, start, end uint64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+DataTable+` WHERE channel_id = ? AND data_id BETWEEN ? AND ?`,
		channel, engine.ID(start), engine.ID(end)).Scan(&count)
	return count, errors.Wrapf(err, "count %s [%d,%d]", channel, start, end)
}

// Purge deletes records with id <= through; callers pass the lowest id still
// referenced by an unacknowledged batch.
func (s *Store) Purge(ctx context.Context, channel string, through uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+DataTable+` WHERE channel_id = ? AND data_id <= ?`, channel, engine.ID(through))
	if err != nil {
		return 0, errors.Wrapf(err, "purge %s", channel)
	}
	return res.RowsAffected()
}

func readRecords(rows *sql.Rows) ([]*model.ChangeRecord, error) {
	defer rows.Close()
	var result []*model.ChangeRecord
	for rows.Next() {
		var (
			id                             int64
			eventType                      string
			created                        int64
			rowData, oldData, pkData       sql.NullString
			txID, sourceNode, externalData sql.NullString
		)
		rec := &model.ChangeRecord{}
		if err := rows.Scan(&id, &rec.ChannelID, &eventType, &rec.TableName, &rowData, &oldData, &pkData,
			&txID, &sourceNode, &externalData, &created); err != nil {
			return nil, errors.Wrap(err, "scan change")
		}
		rec.ID = uint64(id)
		rec.EventType = model.EventType(eventType)
		rec.TransactionID = txID.String
		rec.SourceNodeID = sourceNode.String
		rec.ExternalData = externalData.String
		rec.CreatedAt = engine.Time(created)
		var err error
		if rec.RowData, err = decodeImage(rowData); err != nil {
			return nil, errors.Wrapf(err, "change %d row_data", id)
		}
		if rec.OldData, err = decodeImage(oldData); err != nil {
			return nil, errors.Wrapf(err, "change %d old_data", id)
		}
		if rec.PKData, err = decodeImage(pkData); err != nil {
			return nil, errors.Wrapf(err, "change %d pk_data", id)
		}
		result = append(result, rec)
	}
	return result, errors.Wrap(rows.Err(), "iterate changes")
}

func encodeImage(image map[string]any) (any, error) {
	if image == nil {
		return nil, nil
	}
	data, err := json.Marshal(image)
	if err != nil {
		return nil, errors.Wrap(err, "encode row image")
	}
	return string(data), nil
}

func decodeImage(value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	image := map[string]any{}
	decoder := json.NewDecoder(strings.NewReader(value.String))
	decoder.UseNumber()
	if err := decoder.Decode(&image); err != nil {
		return nil, err
	}
	return image, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ Reader = (*Store)(nil)
