package model

import (
	"fmt"
	"time"
)

// BatchStatus is the lifecycle state of an outgoing batch.
type BatchStatus string

const (
	BatchNew        BatchStatus = "NEW"
	BatchReady      BatchStatus = "READY"
	BatchSent       BatchStatus = "SENT"
	BatchAckedOK    BatchStatus = "ACKED_OK"
	BatchAckedError BatchStatus = "ACKED_ERROR"
	BatchIgnored    BatchStatus = "IGNORED"
)

// Terminal reports whether no further transition is expected from s without
// operator action or a retry attempt.
func (s BatchStatus) Terminal() bool {
	return s == BatchAckedOK || s == BatchIgnored
}

// Batch is an ordered set of change ids destined for one node on one channel.
type Batch struct {
	ID        uint64
	NodeID    string
	ChannelID string
	Status    BatchStatus
	DataIDs   []uint64
	RowCount  int
	ByteCount int
	// OriginalID links retry attempts to the first attempt; it equals ID on
	// the first attempt.
	OriginalID   uint64
	Attempt      int
	CreatedAt    time.Time
	SealedAt     time.Time
	SentAt       time.Time
	AckedAt      time.Time
	FailedRow    int
	ErrorCode    string
	ErrorMessage string
	NextRetryAt  time.Time
	Stalled      bool
	Superseded   bool
}

// Key returns a printable batch identity.
func (b *Batch) Key() string { return fmt.Sprintf("%d-%s", b.ID, b.NodeID) }

// LastDataID returns the id of the last event in the batch or 0.
func (b *Batch) LastDataID() uint64 {
	if len(b.DataIDs) == 0 {
		return 0
	}
	return b.DataIDs[len(b.DataIDs)-1]
}

// Outcome is an acknowledgement reported by a peer for a delivered batch.
type Outcome struct {
	OK bool
	// FailedRow is the 1-based index of the first failed event, 0 if unknown.
	FailedRow    int
	ErrorCode    string
	ErrorMessage string
}

// Success returns a successful outcome.
func Success() Outcome { return Outcome{OK: true} }

// Failed returns an error outcome.
func Failed(row int, code, message string) Outcome {
	return Outcome{FailedRow: row, ErrorCode: code, ErrorMessage: message}
}
