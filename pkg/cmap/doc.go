// Package cmap provides a concurrent-safe sharded map.
//
// The directory keeps its party and name tables in cmap.Map so reads of
// unrelated parties never contend on a single lock:
//
//   - Sharding: power-of-two shard count, maphash distribution
//   - Fine-grained locking: per-shard RWMutex
//   - Iteration: Range walks shards under read locks
//
// All operations are safe for concurrent use.
package cmap
