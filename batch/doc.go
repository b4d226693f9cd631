// Package batch groups routed changes into ordered batches per (node,
// channel) and tracks their delivery.
//
// The Builder appends changes to the open NEW batch of each node and seals
// it to READY when a row, byte or age threshold is reached. The Tracker
// moves sealed batches through SENT and ACKED_OK or ACKED_ERROR, buffers
// acknowledgements that arrive out of order, and schedules retries as new
// attempts linked to the original batch.
package batch
