package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/google/uuid"
)

// Registry maps room ids to their sandbox and owns every creation, reuse
// and teardown decision. At most one container is live per room.
type Registry struct {
	backend   Backend
	store     Store
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	locks   *roomLocks
	creates bulkhead.Bulkhead[*Sandbox]

	mu       sync.RWMutex
	rooms    map[string]*Sandbox
	closed   bool
	inflight sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists sandbox records so orphans can be reaped after a restart.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithPublisher emits lifecycle events.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry backed by the given container runtime.
func NewRegistry(backend Backend, cfg Config, opts ...Option) *Registry {
	cfg.Validate()

	r := &Registry{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		locks:   newRoomLocks(),
		rooms:   make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.creates = bulkhead.New[*Sandbox](bulkhead.Config{
		MaxConcurrent: cfg.MaxConcurrentCreates,
		MaxQueue:      cfg.MaxConcurrentCreates * 8,
		QueueTimeout:  5 * time.Minute,
	})

	return r
}

// Config returns the sandbox configuration in use.
func (r *Registry) Config() Config {
	return r.cfg
}

// GetOrCreate returns a running sandbox for the room, creating one when none
// is tracked or the tracked one no longer runs. Calls for the same room are
// serialized; calls for different rooms proceed independently.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) (*Sandbox, error) {
	if roomID == "" {
		return nil, ErrInvalidRoom
	}

	unlock := r.locks.lock(roomID)
	defer unlock()

	sb, ok := r.lookup(roomID)
	if !ok {
		return r.create(ctx, roomID, LifecycleCreated)
	}

	running, err := r.backend.IsContainerRunning(ctx, sb.ContainerID)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err == nil && running {
		sb.touch(r.now())
		return sb, nil
	}

	r.logger.Info("sandbox no longer running, recreating",
		"room_id", roomID,
		"sandbox_id", sb.ID,
		"container_id", shortID(sb.ContainerID),
		"check_error", err,
	)
	r.remove(roomID, sb)
	r.teardown(ctx, sb, "dead")

	return r.create(ctx, roomID, LifecycleRecreated)
}

// Create provisions a new sandbox for the room, replacing any tracked one.
func (r *Registry) Create(ctx context.Context, roomID string) (*Sandbox, error) {
	if roomID == "" {
		return nil, ErrInvalidRoom
	}

	unlock := r.locks.lock(roomID)
	defer unlock()

	if sb, ok := r.lookup(roomID); ok {
		r.remove(roomID, sb)
		r.teardown(ctx, sb, "replaced")
	}

	return r.create(ctx, roomID, LifecycleCreated)
}

// create must be called with the room lock held.
func (r *Registry) create(ctx context.Context, roomID string, typ LifecycleType) (*Sandbox, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if len(r.rooms) >= r.cfg.MaxSandboxes {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, ErrMaxSandboxes)
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	sb := newSandbox(uuid.New().String(), roomID, r.cfg, r.now())
	r.save(ctx, sb)

	sb, err := r.creates.Execute(ctx, func(ctx context.Context) (*Sandbox, error) {
		return r.provision(ctx, sb)
	})
	if err != nil {
		r.logger.Error("sandbox provisioning failed", "room_id", roomID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.teardown(ctx, sb, "shutdown")
		return nil, ErrRegistryClosed
	}
	r.rooms[roomID] = sb
	r.mu.Unlock()

	r.logger.Info("sandbox created",
		"room_id", roomID,
		"sandbox_id", sb.ID,
		"container_id", shortID(sb.ContainerID),
		"image", sb.Image,
	)
	r.publish(ctx, typ, sb, "")

	return sb, nil
}

// provision starts the container and installs the toolset.
func (r *Registry) provision(ctx context.Context, sb *Sandbox) (*Sandbox, error) {
	containerID, err := r.backend.CreateContainer(ctx, r.cfg, sb.Labels)
	if err != nil {
		sb.setStatus(StatusFailed, r.now())
		r.save(ctx, sb)
		return nil, err
	}
	sb.ContainerID = containerID

	if r.cfg.SetupCommand != "" {
		res, err := r.backend.Exec(ctx, containerID, ExecRequest{
			Cmd:     []string{"/bin/sh", "-c", r.cfg.SetupCommand},
			WorkDir: "/",
			Timeout: r.cfg.SetupTimeout,
		})
		if err != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			if derr := r.backend.DestroyContainer(cleanupCtx, containerID); derr != nil {
				r.logger.Warn("failed to destroy container after setup error", "container_id", shortID(containerID), "error", derr)
			}
			sb.setStatus(StatusFailed, r.now())
			r.save(cleanupCtx, sb)
			return nil, fmt.Errorf("run setup command: %w", err)
		}
		if res.ExitCode != 0 {
			// The image may already carry the toolset, and network is off by default.
			r.logger.Warn("sandbox setup command exited non-zero",
				"room_id", sb.RoomID,
				"exit_code", res.ExitCode,
				"stderr", truncate(res.Stderr, 512),
			)
		}
	}

	sb.setStatus(StatusReady, r.now())
	r.save(ctx, sb)
	return sb, nil
}

// Lookup returns the tracked sandbox without probing or creating.
func (r *Registry) Lookup(roomID string) (*Sandbox, bool) {
	return r.lookup(roomID)
}

func (r *Registry) lookup(roomID string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.rooms[roomID]
	return sb, ok
}

// remove drops the entry only if it still points at sb.
func (r *Registry) remove(roomID string, sb *Sandbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[roomID]; ok && cur == sb {
		delete(r.rooms, roomID)
		return true
	}
	return false
}

// Touch records activity for the room.
func (r *Registry) Touch(roomID string) {
	if sb, ok := r.lookup(roomID); ok {
		sb.touch(r.now())
	}
}

// Cleanup closes the room's terminals, destroys its container and forgets
// it. Failures are logged, never returned. Unknown rooms are a no-op; the
// return value reports whether a sandbox was tracked.
func (r *Registry) Cleanup(ctx context.Context, roomID string) bool {
	unlock := r.locks.lock(roomID)
	defer unlock()

	sb, ok := r.lookup(roomID)
	if !ok {
		return false
	}
	r.remove(roomID, sb)
	r.teardown(ctx, sb, "cleanup")
	return true
}

// teardown releases everything a removed sandbox holds.
func (r *Registry) teardown(ctx context.Context, sb *Sandbox, reason string) {
	ctx = context.WithoutCancel(ctx)

	if err := sb.CloseTerminals(); err != nil {
		r.logger.Warn("failed to close terminals", "room_id", sb.RoomID, "sandbox_id", sb.ID, "error", err)
	}

	if sb.ContainerID != "" {
		if err := r.backend.DestroyContainer(ctx, sb.ContainerID); err != nil {
			r.logger.Warn("failed to destroy container",
				"room_id", sb.RoomID,
				"container_id", shortID(sb.ContainerID),
				"error", err,
			)
		}
	}

	sb.setStatus(StatusDestroyed, r.now())
	r.save(ctx, sb)

	r.logger.Info("sandbox destroyed", "room_id", sb.RoomID, "sandbox_id", sb.ID, "reason", reason)
	r.publish(ctx, LifecycleDestroyed, sb, reason)
}

// SweepIdle cleans up every sandbox idle for at least maxIdle and returns
// how many were removed. Idle time is measured from the last activity or
// from creation, depending on Config.IdleBasis.
func (r *Registry) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		candidates = append(candidates, roomID)
	}
	r.mu.RUnlock()

	cleaned := 0
	for _, roomID := range candidates {
		if r.sweepRoom(ctx, roomID, maxIdle) {
			cleaned++
		}
	}

	if cleaned > 0 {
		r.logger.Info("idle sweep complete", "cleaned", cleaned, "max_idle", maxIdle)
	}
	return cleaned
}

func (r *Registry) sweepRoom(ctx context.Context, roomID string, maxIdle time.Duration) bool {
	unlock := r.locks.lock(roomID)
	defer unlock()

	sb, ok := r.lookup(roomID)
	if !ok || !r.isIdle(sb, maxIdle) {
		return false
	}
	r.remove(roomID, sb)
	r.teardown(ctx, sb, "idle")
	return true
}

func (r *Registry) isIdle(sb *Sandbox, maxIdle time.Duration) bool {
	snap := sb.Snapshot()
	since := snap.LastActiveAt
	if r.cfg.IdleBasis == IdleSinceCreated {
		since = snap.CreatedAt
	}
	return r.now().Sub(since) >= maxIdle
}

// StartSweepLoop starts a background goroutine that periodically reaps idle
// sandboxes until ctx is cancelled.
func (r *Registry) StartSweepLoop(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepIdle(ctx, maxIdle)
			}
		}
	}()
}

// Exec resolves the room's sandbox and runs a one-shot command in it.
func (r *Registry) Exec(ctx context.Context, roomID string, req ExecRequest) (*ExecResult, error) {
	sb, err := r.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if req.Timeout <= 0 {
		req.Timeout = r.cfg.ExecTimeout
	}
	if req.WorkDir == "" {
		req.WorkDir = r.cfg.WorkDir
	}
	return r.backend.Exec(ctx, sb.ContainerID, req)
}

// StartShell resolves the room's sandbox and starts an interactive shell.
func (r *Registry) StartShell(ctx context.Context, roomID string, opts ShellOptions) (*Sandbox, Shell, error) {
	sb, err := r.GetOrCreate(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if len(opts.Cmd) == 0 {
		opts.Cmd = r.cfg.ShellCommand()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = r.cfg.WorkDir
	}
	shell, err := r.backend.StartShell(ctx, sb.ContainerID, opts)
	if err != nil {
		return nil, nil, err
	}
	return sb, shell, nil
}

// Rooms returns snapshots of every tracked sandbox ordered by room id.
func (r *Registry) Rooms() []Sandbox {
	r.mu.RLock()
	out := make([]Sandbox, 0, len(r.rooms))
	for _, sb := range r.rooms {
		out = append(out, sb.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// ReapOrphans destroys containers a previous process recorded as active but
// this registry does not track, then drops records of finished sandboxes.
func (r *Registry) ReapOrphans(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sandboxes: %w", err)
	}

	reaped := 0
	for _, rec := range active {
		if cur, ok := r.lookup(rec.RoomID); ok && cur.ID == rec.ID {
			continue
		}
		if rec.ContainerID != "" {
			if err := r.backend.DestroyContainer(ctx, rec.ContainerID); err != nil {
				r.logger.Warn("failed to reap orphan container",
					"sandbox_id", rec.ID,
					"container_id", shortID(rec.ContainerID),
					"error", err,
				)
				continue
			}
		}
		rec.Status = StatusDestroyed
		rec.UpdatedAt = r.now()
		if err := r.store.Save(ctx, rec); err != nil {
			r.logger.Warn("failed to mark orphan destroyed", "sandbox_id", rec.ID, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		r.logger.Info("reaped orphan sandboxes", "count", reaped)
	}

	purged, err := r.store.PurgeDestroyed(ctx)
	if err != nil {
		return reaped, fmt.Errorf("purge sandbox records: %w", err)
	}
	if purged > 0 {
		r.logger.Info("purged sandbox records", "count", purged)
	}
	return reaped, nil
}

// Close cleans up every sandbox and closes the backend.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	roomIDs := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	r.mu.Unlock()

	for _, roomID := range roomIDs {
		r.Cleanup(ctx, roomID)
	}
	// Creates already past the closed check tear down their own sandbox.
	r.inflight.Wait()

	return r.backend.Close()
}

func (r *Registry) save(ctx context.Context, sb *Sandbox) {
	if r.store == nil {
		return
	}
	snap := sb.Snapshot()
	if err := r.store.Save(ctx, &snap); err != nil {
		r.logger.Warn("failed to persist sandbox", "sandbox_id", sb.ID, "room_id", sb.RoomID, "error", err)
	}
}

func (r *Registry) publish(ctx context.Context, typ LifecycleType, sb *Sandbox, reason string) {
	if r.publisher == nil {
		return
	}
	event := newLifecycleEvent(typ, sb, reason, r.now())
	if err := r.publisher.PublishLifecycle(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("failed to publish lifecycle event", "type", typ, "room_id", sb.RoomID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
