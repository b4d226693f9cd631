package model

import "time"

// GapStatus is the persisted state of a gap.
type GapStatus string

const (
	GapOpen     GapStatus = "GP"
	GapResolved GapStatus = "OK"
)

// Gap is a closed range of change ids that were skipped by the reader,
// either not yet committed or rolled back.
type Gap struct {
	ChannelID string
	Start     uint64
	End       uint64
	Status    GapStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether id lies inside the gap.
func (g Gap) Contains(id uint64) bool { return id >= g.Start && id <= g.End }

// Len returns the number of ids covered by the gap.
func (g Gap) Len() uint64 { return g.End - g.Start + 1 }
