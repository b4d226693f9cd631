package model

import (
	"fmt"
	"time"
)

// EventType classifies a captured change.
type EventType string

const (
	EventInsert EventType = "I"
	EventUpdate EventType = "U"
	EventDelete EventType = "D"
	EventReload EventType = "R"
	EventSQL    EventType = "S"
	EventCreate EventType = "C"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventInsert, EventUpdate, EventDelete, EventReload, EventSQL, EventCreate:
		return true
	}
	return false
}

// ChangeRecord is one captured row-level change. Records are immutable once
// written; ID is unique and increasing within ChannelID.
type ChangeRecord struct {
	// ID is limited to 63 bits by storage.
	ID            uint64
	ChannelID     string
	EventType     EventType
	TableName     string
	RowData       map[string]any
	OldData       map[string]any
	PKData        map[string]any
	TransactionID string
	SourceNodeID  string
	ExternalData  string
	CreatedAt     time.Time
}

// Size returns an estimate of the record's serialized size in bytes. It is
// used for batch byte thresholds, not for allocation.
func (r *ChangeRecord) Size() int {
	size := 8 + len(r.ChannelID) + len(r.EventType) + len(r.TableName) +
		len(r.TransactionID) + len(r.SourceNodeID) + len(r.ExternalData)
	size += mapSize(r.RowData) + mapSize(r.OldData) + mapSize(r.PKData)
	return size
}

func mapSize(m map[string]any) int {
	size := 0
	for k, v := range m {
		size += len(k) + valueSize(v)
	}
	return size
}

func valueSize(v any) int {
	switch actual := v.(type) {
	case nil:
		return 0
	case string:
		return len(actual)
	case []byte:
		return len(actual)
	case bool:
		return 1
	case int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, int64, uint, uint64, float64:
		return 8
	case time.Time:
		return 8
	case map[string]any:
		return mapSize(actual)
	case []any:
		size := 0
		for _, item := range actual {
			size += valueSize(item)
		}
		return size
	default:
		return len(fmt.Sprint(actual))
	}
}

// Value returns the named column from RowData, falling back to OldData when
// useOld is set and the column is absent, as with deletes.
func (r *ChangeRecord) Value(column string, useRow, useOld bool) (any, bool) {
	if useRow {
		if v, ok := r.RowData[column]; ok {
			return v, true
		}
	}
	if useOld {
		if v, ok := r.OldData[column]; ok {
			return v, true
		}
	}
	if v, ok := r.PKData[column]; ok {
		return v, true
	}
	return nil, false
}
