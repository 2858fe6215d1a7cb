// Package oplog provides the append-only operation log for agent coordination.
//
// The log is the single owner of Operation records. Other components
// (coordination graph, conflict detection) hold only operation IDs into it.
// Capacity is bounded: once the entry count exceeds the configured maximum,
// the oldest entries are evicted FIFO. Entries referenced by an unresolved
// conflict are pinned and survive eviction until the conflict reaches a
// terminal state.
package oplog
