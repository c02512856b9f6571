package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/queue"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/google/uuid"
)

type published struct {
	queue string
	body  []byte
}

// recordingPublisher implements queue.JSONPublisher in memory.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) PublishJSON(_ context.Context, q string, data any) error {
	if p.err != nil {
		return p.err
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{queue: q, body: body})
	return nil
}

func TestProducer_PublishLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	producer := queue.NewProducer(pub, nil)

	event := &sandbox.LifecycleEvent{
		ID:         uuid.New(),
		Type:       sandbox.LifecycleDestroyed,
		RoomID:     "r1",
		SandboxID:  "sb-1",
		Reason:     "idle",
		OccurredAt: time.Now(),
	}
	if err := producer.PublishLifecycle(context.Background(), event); err != nil {
		t.Fatalf("PublishLifecycle() error = %v", err)
	}

	if len(pub.msgs) != 1 || pub.msgs[0].queue != queue.LifecycleQueueName {
		t.Fatalf("published = %+v", pub.msgs)
	}
	var got sandbox.LifecycleEvent
	if err := json.Unmarshal(pub.msgs[0].body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != sandbox.LifecycleDestroyed || got.RoomID != "r1" || got.Reason != "idle" {
		t.Errorf("event = %+v", got)
	}
}

func TestProducer_PublishCommand(t *testing.T) {
	pub := &recordingPublisher{}
	producer := queue.NewProducer(pub, nil)

	cmd := &queue.RoomCommand{Type: queue.CommandCleanup, RoomID: "r1"}
	if err := producer.PublishCommand(context.Background(), cmd); err != nil {
		t.Fatalf("PublishCommand() error = %v", err)
	}
	if cmd.ID == uuid.Nil || cmd.RequestedAt.IsZero() {
		t.Error("PublishCommand should fill the id and timestamp")
	}
	if len(pub.msgs) != 1 || pub.msgs[0].queue != queue.CommandQueueName {
		t.Errorf("published = %+v", pub.msgs)
	}

	if err := producer.PublishCommand(context.Background(), &queue.RoomCommand{Type: "reboot", RoomID: "r1"}); !errors.Is(err, queue.ErrInvalidCommand) {
		t.Errorf("invalid command error = %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Error("invalid commands must not be published")
	}
}

func TestProducer_PublishError(t *testing.T) {
	boom := errors.New("channel closed")
	producer := queue.NewProducer(&recordingPublisher{err: boom}, nil)

	err := producer.PublishLifecycle(context.Background(), &sandbox.LifecycleEvent{Type: sandbox.LifecycleCreated})
	if !errors.Is(err, boom) {
		t.Errorf("PublishLifecycle() error = %v; want wrapped %v", err, boom)
	}
}
