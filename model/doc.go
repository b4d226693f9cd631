// Package model defines the records that flow through the change pipeline:
// captured changes, channels, nodes, gaps and outgoing batches.
package model
