// Package persist snapshots the daemon's task/group state to disk and
// restores it at startup.
//
// It is a collaborator of the core, not part of it: the store never waits on
// persistence, and a lost snapshot costs history, never correctness.
package persist

import (
	"context"
	"errors"
	"time"

	"shellq/internal/state"
)

var ErrDisabled = errors.New("persistence disabled")

// Config configures the snapshot backend.
//
// Driver values:
//   - "file": single JSON snapshot file, written atomically (tmp + rename)
//   - "sqlite": SQLite database keeping a bounded snapshot history
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// KeepSnapshots bounds history (sqlite only). 0 means default (5).
	KeepSnapshots int
}

// Store is the snapshot persistence API used by the daemon.
type Store interface {
	SaveSnapshot(ctx context.Context, snap state.Snapshot) error
	// LoadSnapshot returns (nil, nil) when no snapshot exists yet.
	LoadSnapshot(ctx context.Context) (*state.Snapshot, error)
	Close() error
}
