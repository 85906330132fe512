// Package cache is the page cache orchestrator. It composes the hash
// path mapper, the content store, and the relational index behind a
// store registry keyed by (module, store), and exposes the maintenance
// operations: flush, prune, and stats.
package cache
