// Package snapshot provides an optional external KV contract for crash
// recovery of rollback manager history: an in-memory default and a
// Postgres-backed implementation for operators who want it to survive a
// process restart.
package snapshot

import "context"

// Store is the optional external collaborator the rollback manager can
// write known-good configuration snapshots through, so history survives
// a process restart. Single-process authority still holds: there is no
// cross-process coordination, just write-through persistence.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}
