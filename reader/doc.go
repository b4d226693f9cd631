// Package reader streams captured changes of one channel from the change
// log into a bounded queue consumed by the route pass.
//
// The reader alternates rescans of open gaps with scans of the head of the
// log. Events carry the epoch they were read in; Rewind starts a new epoch
// so that the consumer can drop events read before a failed pass.
package reader
