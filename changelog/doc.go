// Package changelog is the capture side of the pipeline: the cdc_data change
// log, its per-channel id sequence, SQLite trigger generation for source
// tables, and the Reader used by the change reader to page through records
// in id order.
package changelog
