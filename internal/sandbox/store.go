package sandbox

import "context"

// Store defines the persistence interface for sandboxes.
type Store interface {
	Save(ctx context.Context, sandbox *Sandbox) error
	ListActive(ctx context.Context) ([]*Sandbox, error)
	// PurgeDestroyed drops destroyed and failed records and reports how
	// many were removed.
	PurgeDestroyed(ctx context.Context) (int64, error)
}
