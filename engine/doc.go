// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening connections with the pragmas the change
// pipeline relies on, running transactions and registering SQL scalar
// functions used by routing rules. It keeps a thin surface so every store
// shares the same driver instance.
package engine
