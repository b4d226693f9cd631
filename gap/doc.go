// Package gap tracks which change ids of a channel have been processed.
//
// The Tracker keeps a high-water mark and an ordered set of open gaps below
// it. Ids skipped by the reader (uncommitted or rolled back at read time)
// are recorded as gaps, re-offered for rescanning and either filled when the
// data appears or resolved once they have been empty for longer than the
// configured staleness window. All mutations are journaled in memory and
// written by Flush inside the caller's transaction.
package gap
