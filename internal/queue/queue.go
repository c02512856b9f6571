// Package queue connects the daemon to RabbitMQ: sandbox lifecycle events
// go out on one durable queue and room commands come in on another.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue names
const (
	LifecycleQueueName = "coderoom.lifecycle"
	CommandQueueName   = "coderoom.commands"
)

// CommandType names an operation an external collaborator asks for.
type CommandType string

const (
	CommandCleanup   CommandType = "cleanup"
	CommandProvision CommandType = "provision"
)

var (
	ErrInvalidCommand = errors.New("invalid room command")
	ErrNotConnected   = errors.New("not connected to RabbitMQ")
)

// RoomCommand asks the daemon to provision or tear down a room sandbox.
type RoomCommand struct {
	ID          uuid.UUID   `json:"id"`
	Type        CommandType `json:"type"`
	RoomID      string      `json:"room_id"`
	RequestedAt time.Time   `json:"requested_at"`
}

// Validate checks the command names a known operation and a room.
func (c *RoomCommand) Validate() error {
	switch c.Type {
	case CommandCleanup, CommandProvision:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	if c.RoomID == "" {
		return fmt.Errorf("%w: room_id is required", ErrInvalidCommand)
	}
	return nil
}

// Connection manages the RabbitMQ connection with automatic reconnection
type Connection struct {
	url     string
	logger  *slog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
	closed  bool
	backoff retry.Retry[struct{}]
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionLogger sets the connection logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnection creates a new RabbitMQ connection
func NewConnection(url string, opts ...ConnectionOption) (*Connection, error) {
	c := &Connection{
		url:    url,
		logger: slog.Default(),
		backoff: retry.New[struct{}](retry.Config{
			MaxAttempts:   10,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// connect establishes connection and channel
func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareQueues(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.conn, c.channel = conn, ch
	go c.handleReconnect(conn)

	c.logger.Info("connected to RabbitMQ", "url", sanitizeURL(c.url))
	return nil
}

// declareQueues creates the durable queues the daemon uses
func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name string
		ttl  int32
	}{
		{LifecycleQueueName, int32(time.Hour / time.Millisecond)},
		{CommandQueueName, int32(5 * time.Minute / time.Millisecond)},
	}
	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			amqp.Table{"x-message-ttl": q.ttl},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

// handleReconnect waits for the connection to drop and redials with
// exponential backoff.
func (c *Connection) handleReconnect(conn *amqp.Connection) {
	err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || err == nil {
		return
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	c.logger.Warn("RabbitMQ connection closed, attempting to reconnect", "error", err)

	attempt := 0
	_, rerr := c.backoff.Do(context.Background(), func(context.Context) (struct{}, error) {
		attempt++
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return struct{}{}, nil
		}
		if err := c.connect(); err != nil {
			c.logger.Error("reconnection failed", "error", err, "attempt", attempt)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if rerr != nil {
		c.logger.Error("failed to reconnect to RabbitMQ", "attempts", attempt, "error", rerr)
		return
	}
	c.logger.Info("reconnected to RabbitMQ", "attempts", attempt)
}

// Channel returns the current channel (thread-safe)
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected checks if the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// PublishJSON publishes a JSON message to a queue
func (c *Connection) PublishJSON(ctx context.Context, queue string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch := c.Channel()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	return ch.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// sanitizeURL hides credentials for logging
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<redacted>"
	}
	return u.Redacted()
}
