// Package postgres persists sandbox records in PostgreSQL for deployments
// where several operators share one record of live rooms.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandboxes (
	id             TEXT PRIMARY KEY,
	room_id        TEXT NOT NULL,
	container_id   TEXT NOT NULL DEFAULT '',
	image          TEXT NOT NULL,
	status         TEXT NOT NULL,
	memory_mb      INTEGER NOT NULL,
	cpu_limit      DOUBLE PRECISION NOT NULL,
	network_off    BOOLEAN NOT NULL DEFAULT TRUE,
	labels         JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	last_active_at TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_room_status ON sandboxes (room_id, status);
`

const sandboxColumns = `id, room_id, container_id, image, status, memory_mb, cpu_limit,
	network_off, labels, created_at, last_active_at, updated_at`

// Connect opens a connection pool and verifies it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// SandboxStore implements sandbox.Store using PostgreSQL
type SandboxStore struct {
	pool *pgxpool.Pool
}

// NewSandboxStore creates a new PostgreSQL sandbox store
func NewSandboxStore(pool *pgxpool.Pool) *SandboxStore {
	return &SandboxStore{pool: pool}
}

// Migrate creates the sandboxes table when missing.
func (s *SandboxStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create sandboxes table: %w", err)
	}
	return nil
}

// Save persists a sandbox (insert or update).
func (s *SandboxStore) Save(ctx context.Context, sb *sandbox.Sandbox) error {
	labels, err := encodeLabels(sb.Labels)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sandboxes (` + sandboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			container_id = EXCLUDED.container_id, status = EXCLUDED.status,
			labels = EXCLUDED.labels, last_active_at = EXCLUDED.last_active_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		sb.ID, sb.RoomID, sb.ContainerID, sb.Image, string(sb.Status),
		sb.MemoryMB, sb.CPULimit, sb.NetworkOff, jsonbArg(labels),
		sb.CreatedAt, sb.LastActiveAt, sb.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

// ListActive returns every sandbox still recorded as creating or ready
func (s *SandboxStore) ListActive(ctx context.Context) ([]*sandbox.Sandbox, error) {
	query := `
		SELECT ` + sandboxColumns + ` FROM sandboxes
		WHERE status IN ('creating', 'ready')
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []*sandbox.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}
	return sandboxes, rows.Err()
}

// PurgeDestroyed deletes destroyed and failed records, returning how many
// were removed
func (s *SandboxStore) PurgeDestroyed(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sandboxes WHERE status IN ('destroyed', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("purge sandboxes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSandbox(row pgx.Row) (*sandbox.Sandbox, error) {
	var sb sandbox.Sandbox
	var status string
	var labels pqtype.NullRawMessage

	err := row.Scan(
		&sb.ID, &sb.RoomID, &sb.ContainerID, &sb.Image, &status,
		&sb.MemoryMB, &sb.CPULimit, &sb.NetworkOff, &labels,
		&sb.CreatedAt, &sb.LastActiveAt, &sb.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sandbox.ErrSandboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}

	sb.Status = sandbox.Status(status)
	if sb.Labels, err = decodeLabels(labels); err != nil {
		return nil, err
	}
	return &sb, nil
}

func encodeLabels(labels map[string]string) (pqtype.NullRawMessage, error) {
	if len(labels) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("encode labels: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

// jsonbArg passes raw JSON as bytes so pgx encodes it without re-marshalling.
func jsonbArg(raw pqtype.NullRawMessage) any {
	if !raw.Valid {
		return nil
	}
	return []byte(raw.RawMessage)
}

func decodeLabels(raw pqtype.NullRawMessage) (map[string]string, error) {
	if !raw.Valid || len(raw.RawMessage) == 0 {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal(raw.RawMessage, &labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return labels, nil
}

// Ensure SandboxStore implements sandbox.Store.
var _ sandbox.Store = (*SandboxStore)(nil)
