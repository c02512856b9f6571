package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Rooms is the part of the sandbox registry commands act on.
// *sandbox.Registry satisfies it.
type Rooms interface {
	GetOrCreate(ctx context.Context, roomID string) (*sandbox.Sandbox, error)
	Cleanup(ctx context.Context, roomID string) bool
}

// Consumer consumes room commands from the queue
type Consumer struct {
	conn       *Connection
	rooms      Rooms
	logger     *slog.Logger
	workers    int
	prefetch   int
	timeouts   map[CommandType]time.Duration
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers          int // Number of concurrent workers
	Prefetch         int // Prefetch count per worker
	ProvisionTimeout time.Duration
	CleanupTimeout   time.Duration
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:          3,
		Prefetch:         1, // Process one at a time per worker for fairness
		ProvisionTimeout: 15 * time.Minute,
		CleanupTimeout:   2 * time.Minute,
	}
}

// NewConsumer creates a new queue consumer
func NewConsumer(conn *Connection, rooms Rooms, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = def.ProvisionTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = def.CleanupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		rooms:    rooms,
		logger:   logger,
		workers:  cfg.Workers,
		prefetch: cfg.Prefetch,
		timeouts: map[CommandType]time.Duration{
			CommandProvision: cfg.ProvisionTimeout,
			CommandCleanup:   cfg.CleanupTimeout,
		},
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	ch := c.conn.Channel()
	if ch == nil {
		return ErrNotConnected
	}

	if err := ch.Qos(c.prefetch*c.workers, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		CommandQueueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual ack for reliability)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("starting room command consumer", "workers", c.workers, "prefetch", c.prefetch)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgs)
	}

	return nil
}

// worker processes messages from the queue
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("message channel closed", "worker_id", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage handles a single delivery. Malformed commands are rejected
// without requeue; everything else is acknowledged once handled, including
// provisioning failures, so a broken room cannot loop.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	var cmd RoomCommand
	if err := json.Unmarshal(msg.Body, &cmd); err != nil {
		c.logger.Error("failed to unmarshal room command", "worker_id", workerID, "error", err)
		_ = msg.Reject(false)
		return
	}
	if err := cmd.Validate(); err != nil {
		c.logger.Error("rejecting room command", "worker_id", workerID, "command_id", cmd.ID, "error", err)
		_ = msg.Reject(false)
		return
	}

	start := time.Now()
	cmdCtx, cancel := context.WithTimeout(ctx, c.timeouts[cmd.Type])
	defer cancel()

	logger := c.logger.With("worker_id", workerID, "command_id", cmd.ID, "type", cmd.Type, "room_id", cmd.RoomID)
	if err := c.execute(cmdCtx, &cmd); err != nil {
		logger.Error("room command failed", "error", err, "duration", time.Since(start))
	} else {
		logger.Info("room command completed", "duration", time.Since(start))
	}

	if err := msg.Ack(false); err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) execute(ctx context.Context, cmd *RoomCommand) error {
	switch cmd.Type {
	case CommandProvision:
		_, err := c.rooms.GetOrCreate(ctx, cmd.RoomID)
		return err
	case CommandCleanup:
		if !c.rooms.Cleanup(ctx, cmd.RoomID) {
			c.logger.Debug("cleanup command for room without sandbox", "room_id", cmd.RoomID)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	c.logger.Info("room command consumer stopped")
}
