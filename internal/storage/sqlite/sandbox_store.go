package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

const sandboxColumns = `id, room_id, container_id, image, status, memory_mb, cpu_limit,
	network_off, labels, created_at, last_active_at, updated_at`

// SandboxStore implements sandbox.Store backed by SQLite.
type SandboxStore struct {
	db *DB
}

// NewSandboxStore creates a new SQLite-backed sandbox store.
func NewSandboxStore(db *DB) *SandboxStore {
	return &SandboxStore{db: db}
}

// Save persists a sandbox (insert or update).
func (s *SandboxStore) Save(ctx context.Context, sb *sandbox.Sandbox) error {
	labels, err := encodeLabels(sb.Labels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (`+sandboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			container_id=excluded.container_id, status=excluded.status,
			labels=excluded.labels, last_active_at=excluded.last_active_at,
			updated_at=excluded.updated_at`,
		sb.ID, sb.RoomID, sb.ContainerID, sb.Image, string(sb.Status),
		sb.MemoryMB, sb.CPULimit, boolToInt(sb.NetworkOff), labels,
		sb.CreatedAt.UTC(), sb.LastActiveAt.UTC(), sb.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

// ListActive returns every sandbox still recorded as creating or ready.
func (s *SandboxStore) ListActive(ctx context.Context) ([]*sandbox.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE status IN ('creating', 'ready')
		ORDER BY created_at`)
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
// were removed.
func (s *SandboxStore) PurgeDestroyed(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sandboxes WHERE status IN ('destroyed', 'failed')")
	if err != nil {
		return 0, fmt.Errorf("purge sandboxes: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row scanner) (*sandbox.Sandbox, error) {
	var sb sandbox.Sandbox
	var status string
	var networkOff int
	var labels sql.NullString

	err := row.Scan(
		&sb.ID, &sb.RoomID, &sb.ContainerID, &sb.Image, &status,
		&sb.MemoryMB, &sb.CPULimit, &networkOff, &labels,
		&sb.CreatedAt, &sb.LastActiveAt, &sb.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sandbox.ErrSandboxNotFound
		}
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}

	sb.Status = sandbox.Status(status)
	sb.NetworkOff = networkOff != 0
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &sb.Labels); err != nil {
			return nil, fmt.Errorf("decode labels: %w", err)
		}
	}
	return &sb, nil
}

func encodeLabels(labels map[string]string) (sql.NullString, error) {
	if len(labels) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode labels: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SandboxStore implements sandbox.Store.
var _ sandbox.Store = (*SandboxStore)(nil)
