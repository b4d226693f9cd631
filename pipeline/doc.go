// Package pipeline schedules change routing per channel.
//
// Every enabled channel runs a change reader and a route loop. A route pass
// drains the reader queue, routes each change and appends it to the open
// batches of its target nodes, then commits the batch rows, routing errors
// and gap state in one transaction. A failed pass reloads the in-memory
// state and rewinds the reader so no change is lost or routed twice.
package pipeline
