package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/google/uuid"
)

// JSONPublisher sends a JSON document to a named queue. *Connection
// satisfies it.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, queue string, data any) error
}

// Producer publishes lifecycle events and room commands
type Producer struct {
	pub    JSONPublisher
	logger *slog.Logger
}

// NewProducer creates a new queue producer
func NewProducer(pub JSONPublisher, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{pub: pub, logger: logger}
}

// PublishLifecycle publishes a sandbox lifecycle event. It satisfies
// sandbox.Publisher.
func (p *Producer) PublishLifecycle(ctx context.Context, event *sandbox.LifecycleEvent) error {
	if err := p.pub.PublishJSON(ctx, LifecycleQueueName, event); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	p.logger.Debug("published lifecycle event",
		"event_id", event.ID,
		"type", event.Type,
		"room_id", event.RoomID,
		"sandbox_id", event.SandboxID,
	)
	return nil
}

// PublishCommand publishes a room command to the command queue
func (p *Producer) PublishCommand(ctx context.Context, cmd *RoomCommand) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now()
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	if err := p.pub.PublishJSON(ctx, CommandQueueName, cmd); err != nil {
		return fmt.Errorf("failed to publish room command: %w", err)
	}

	p.logger.Info("published room command",
		"command_id", cmd.ID,
		"type", cmd.Type,
		"room_id", cmd.RoomID,
	)
	return nil
}

var _ sandbox.Publisher = (*Producer)(nil)
