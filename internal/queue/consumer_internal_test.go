package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    int
	rejected int
	requeue  bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error { return nil }

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected++
	a.requeue = requeue
	return nil
}

// mockRooms implements Rooms with function fields.
type mockRooms struct {
	getOrCreateFn func(ctx context.Context, roomID string) (*sandbox.Sandbox, error)
	cleanupFn     func(ctx context.Context, roomID string) bool
}

func (m *mockRooms) GetOrCreate(ctx context.Context, roomID string) (*sandbox.Sandbox, error) {
	if m.getOrCreateFn != nil {
		return m.getOrCreateFn(ctx, roomID)
	}
	return &sandbox.Sandbox{RoomID: roomID}, nil
}

func (m *mockRooms) Cleanup(ctx context.Context, roomID string) bool {
	if m.cleanupFn != nil {
		return m.cleanupFn(ctx, roomID)
	}
	return true
}

func newTestConsumer(rooms Rooms, cfg ConsumerConfig) *Consumer {
	return NewConsumer(nil, rooms, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func delivery(t *testing.T, ack *fakeAcknowledger, body any) amqp.Delivery {
	t.Helper()
	data, ok := body.([]byte)
	if !ok {
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: data}
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := newTestConsumer(&mockRooms{}, ConsumerConfig{})
	if c.workers != 3 || c.prefetch != 1 {
		t.Errorf("workers = %d, prefetch = %d; want 3, 1", c.workers, c.prefetch)
	}
	if c.timeouts[CommandProvision] != 15*time.Minute || c.timeouts[CommandCleanup] != 2*time.Minute {
		t.Errorf("timeouts = %v", c.timeouts)
	}

	custom := newTestConsumer(&mockRooms{}, ConsumerConfig{Workers: 10, Prefetch: 5, CleanupTimeout: time.Second})
	if custom.workers != 10 || custom.prefetch != 5 || custom.timeouts[CommandCleanup] != time.Second {
		t.Errorf("custom consumer = %d/%d/%v", custom.workers, custom.prefetch, custom.timeouts)
	}
}

func TestConsumer_ProcessCleanup(t *testing.T) {
	var cleaned string
	c := newTestConsumer(&mockRooms{
		cleanupFn: func(ctx context.Context, roomID string) bool {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("cleanup should run with a deadline")
			}
			cleaned = roomID
			return true
		},
	}, ConsumerConfig{})

	ack := &fakeAcknowledger{}
	c.processMessage(context.Background(), 0, delivery(t, ack, RoomCommand{Type: CommandCleanup, RoomID: "r1"}))

	if cleaned != "r1" {
		t.Errorf("cleaned room = %q; want r1", cleaned)
	}
	if ack.acked != 1 || ack.rejected != 0 {
		t.Errorf("acked = %d, rejected = %d", ack.acked, ack.rejected)
	}
}

func TestConsumer_ProcessProvision(t *testing.T) {
	var provisioned []string
	c := newTestConsumer(&mockRooms{
		getOrCreateFn: func(_ context.Context, roomID string) (*sandbox.Sandbox, error) {
			provisioned = append(provisioned, roomID)
			if roomID == "broken" {
				return nil, errors.New("image pull failed")
			}
			return &sandbox.Sandbox{RoomID: roomID}, nil
		},
	}, ConsumerConfig{})

	ok := &fakeAcknowledger{}
	c.processMessage(context.Background(), 0, delivery(t, ok, RoomCommand{Type: CommandProvision, RoomID: "r1"}))

	// Failures are acknowledged so the command does not loop.
	failed := &fakeAcknowledger{}
	c.processMessage(context.Background(), 0, delivery(t, failed, RoomCommand{Type: CommandProvision, RoomID: "broken"}))

	if len(provisioned) != 2 {
		t.Errorf("provisioned = %v", provisioned)
	}
	if ok.acked != 1 || failed.acked != 1 {
		t.Errorf("acked = %d/%d; want 1/1", ok.acked, failed.acked)
	}
}

func TestConsumer_RejectsMalformed(t *testing.T) {
	called := false
	rooms := &mockRooms{
		cleanupFn: func(context.Context, string) bool { called = true; return true },
	}
	c := newTestConsumer(rooms, ConsumerConfig{})

	tests := []struct {
		name string
		body any
	}{
		{"not json", []byte("{nope")},
		{"unknown type", RoomCommand{Type: "restart", RoomID: "r1"}},
		{"missing room", RoomCommand{Type: CommandCleanup}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			c.processMessage(context.Background(), 0, delivery(t, ack, tt.body))
			if ack.rejected != 1 || ack.requeue || ack.acked != 0 {
				t.Errorf("rejected = %d, requeue = %v, acked = %d", ack.rejected, ack.requeue, ack.acked)
			}
		})
	}
	if called {
		t.Error("rooms should not be touched by malformed commands")
	}
}

func TestConsumer_StopWithoutStart(t *testing.T) {
	c := newTestConsumer(&mockRooms{}, ConsumerConfig{})
	c.Stop()
}

func TestConsumer_StartWithoutChannel(t *testing.T) {
	c := NewConsumer(&Connection{}, &mockRooms{}, ConsumerConfig{}, nil)
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Start() error = %v; want ErrNotConnected", err)
	}
	c.Stop()
}
