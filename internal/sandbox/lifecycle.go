package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LifecycleType names a sandbox lifecycle transition.
type LifecycleType string

const (
	LifecycleCreated   LifecycleType = "sandbox.created"
	LifecycleRecreated LifecycleType = "sandbox.recreated"
	LifecycleDestroyed LifecycleType = "sandbox.destroyed"
)

// LifecycleEvent is emitted to a Publisher on every transition.
type LifecycleEvent struct {
	ID          uuid.UUID     `json:"id"`
	Type        LifecycleType `json:"type"`
	RoomID      string        `json:"room_id"`
	SandboxID   string        `json:"sandbox_id"`
	ContainerID string        `json:"container_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// Publisher receives lifecycle events. Publishing is best-effort.
type Publisher interface {
	PublishLifecycle(ctx context.Context, event *LifecycleEvent) error
}

func newLifecycleEvent(typ LifecycleType, sb *Sandbox, reason string, now time.Time) *LifecycleEvent {
	return &LifecycleEvent{
		ID:          uuid.New(),
		Type:        typ,
		RoomID:      sb.RoomID,
		SandboxID:   sb.ID,
		ContainerID: sb.ContainerID,
		Reason:      reason,
		OccurredAt:  now,
	}
}
