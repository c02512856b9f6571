// Package fsbridge runs file operations inside a room's sandbox through
// one-shot commands. Paths are passed as positional shell arguments and
// file content always travels over stdin.
package fsbridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/felixgeelhaar/coderoom/internal/sandbox"
)

// Operation names reported in OpError.
const (
	OpListTree = "list-tree"
	OpCreate   = "create"
	OpDelete   = "delete"
	OpRead     = "read"
	OpWrite    = "write"
	OpUpload   = "upload"
	OpDownload = "download"
)

var (
	ErrNotExist      = errors.New("no such file or directory")
	ErrIsDirectory   = errors.New("path is a directory")
	ErrNotDirectory  = errors.New("path is not a directory")
	ErrInvalidPath   = errors.New("path must be absolute and inside the workspace")
	ErrInvalidType   = errors.New("entry type must be file or directory")
	ErrCommandFailed = errors.New("command failed in sandbox")
)

// OpError records a failed bridge operation.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Exit codes the scripts use to signal typed failures.
const (
	exitNotExist = 3
	exitIsDir    = 4
	exitNotDir   = 5
)

const (
	listScript = `[ -e "$1" ] || exit 3
[ -d "$1" ] || exit 5
find "$1" -mindepth 1 -type d -exec printf 'd\t%s\n' {} + &&
find "$1" -mindepth 1 ! -type d -exec printf 'f\t%s\n' {} +`

	mkdirScript = `mkdir -p -- "$1"`

	deleteScript = `rm -rf -- "$1"`

	readScript = `[ -e "$1" ] || exit 3
[ -d "$1" ] && exit 4
cat -- "$1"`

	writeScript = `dir=$(dirname -- "$1")
mkdir -p -- "$dir" || exit 1
[ -d "$1" ] && exit 4
mode=644
[ -e "$1" ] && mode=$(stat -c %a -- "$1" 2>/dev/null || echo 644)
tmp=$(mktemp "$dir/.coderoom.XXXXXX") || exit 1
if cat >"$tmp" && chmod "$mode" "$tmp" && mv -f -- "$tmp" "$1"; then exit 0; fi
rm -f -- "$tmp"
exit 1`
)

// Executor runs a one-shot command in a room's sandbox. *sandbox.Registry
// satisfies it.
type Executor interface {
	Exec(ctx context.Context, roomID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

// Bridge exposes the sandbox filesystem of each room.
type Bridge struct {
	exec    Executor
	workDir string
	logger  *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// New creates a bridge confined to workDir.
func New(exec Executor, workDir string, opts ...Option) *Bridge {
	if workDir == "" {
		workDir = sandbox.DefaultWorkDir
	}
	b := &Bridge{
		exec:    exec,
		workDir: path.Clean(workDir),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WorkDir returns the directory every path must stay inside.
func (b *Bridge) WorkDir() string {
	return b.workDir
}

// ListTree lists root recursively and nests the result. An empty root
// lists the workspace.
func (b *Bridge) ListTree(ctx context.Context, roomID, root string) ([]*FileNode, error) {
	if root == "" {
		root = b.workDir
	}
	p, err := b.resolve(root)
	if err != nil {
		return nil, &OpError{Op: OpListTree, Path: root, Err: err}
	}

	res, err := b.run(ctx, roomID, listScript, nil, p)
	if err != nil {
		return nil, &OpError{Op: OpListTree, Path: p, Err: err}
	}
	return BuildTree(p, parseListing(res.Stdout)), nil
}

// CreateEntry creates a directory (with parents, idempotently) or a file
// holding content.
func (b *Bridge) CreateEntry(ctx context.Context, roomID, p string, kind EntryType, content []byte) error {
	if !kind.Valid() {
		return &OpError{Op: OpCreate, Path: p, Err: ErrInvalidType}
	}
	clean, err := b.resolve(p)
	if err != nil {
		return &OpError{Op: OpCreate, Path: p, Err: err}
	}

	if kind == TypeDirectory {
		if _, err := b.run(ctx, roomID, mkdirScript, nil, clean); err != nil {
			return &OpError{Op: OpCreate, Path: clean, Err: err}
		}
		return nil
	}

	if _, err := b.run(ctx, roomID, writeScript, nonNil(content), clean); err != nil {
		return &OpError{Op: OpCreate, Path: clean, Err: err}
	}
	return nil
}

// DeleteEntry removes p recursively. Missing paths are not an error; the
// workspace root itself cannot be deleted.
func (b *Bridge) DeleteEntry(ctx context.Context, roomID, p string) error {
	clean, err := b.resolve(p)
	if err != nil {
		return &OpError{Op: OpDelete, Path: p, Err: err}
	}
	if clean == b.workDir {
		return &OpError{Op: OpDelete, Path: clean, Err: ErrInvalidPath}
	}

	if _, err := b.run(ctx, roomID, deleteScript, nil, clean); err != nil {
		return &OpError{Op: OpDelete, Path: clean, Err: err}
	}
	return nil
}

// ReadFile returns the content of a regular file. Missing paths and
// directories are errors, never empty content.
func (b *Bridge) ReadFile(ctx context.Context, roomID, p string) ([]byte, error) {
	clean, err := b.resolve(p)
	if err != nil {
		return nil, &OpError{Op: OpRead, Path: p, Err: err}
	}

	res, err := b.run(ctx, roomID, readScript, nil, clean)
	if err != nil {
		return nil, &OpError{Op: OpRead, Path: clean, Err: err}
	}
	return []byte(res.Stdout), nil
}

// WriteFile replaces the file at p with content, creating parent
// directories. Content lands in a temp file first and is renamed into
// place, so readers never see a partial write.
func (b *Bridge) WriteFile(ctx context.Context, roomID, p string, content []byte) error {
	clean, err := b.resolve(p)
	if err != nil {
		return &OpError{Op: OpWrite, Path: p, Err: err}
	}

	if _, err := b.run(ctx, roomID, writeScript, nonNil(content), clean); err != nil {
		return &OpError{Op: OpWrite, Path: clean, Err: err}
	}
	return nil
}

// Upload writes content to dir joined with the base name of fileName and
// returns the resulting path.
func (b *Bridge) Upload(ctx context.Context, roomID, dir, fileName string, content []byte) (string, error) {
	if dir == "" {
		dir = b.workDir
	}
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", &OpError{Op: OpUpload, Path: fileName, Err: ErrInvalidPath}
	}

	target := path.Join(dir, name)
	clean, err := b.resolve(target)
	if err != nil {
		return "", &OpError{Op: OpUpload, Path: target, Err: err}
	}

	if _, err := b.run(ctx, roomID, writeScript, nonNil(content), clean); err != nil {
		return "", &OpError{Op: OpUpload, Path: clean, Err: err}
	}
	return clean, nil
}

// Download returns the base name and content of the file at p.
func (b *Bridge) Download(ctx context.Context, roomID, p string) (string, []byte, error) {
	clean, err := b.resolve(p)
	if err != nil {
		return "", nil, &OpError{Op: OpDownload, Path: p, Err: err}
	}

	res, err := b.run(ctx, roomID, readScript, nil, clean)
	if err != nil {
		return "", nil, &OpError{Op: OpDownload, Path: clean, Err: err}
	}
	return path.Base(clean), []byte(res.Stdout), nil
}

func nonNil(content []byte) []byte {
	if content == nil {
		return []byte{}
	}
	return content
}

// resolve cleans p and checks it stays inside the workspace.
func (b *Bridge) resolve(p string) (string, error) {
	if p == "" || !path.IsAbs(p) || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	clean := path.Clean(p)
	if b.workDir == "/" || clean == b.workDir || strings.HasPrefix(clean, b.workDir+"/") {
		return clean, nil
	}
	return "", ErrInvalidPath
}

// run executes script with args bound to $1.. and maps exit codes to
// sentinel errors.
func (b *Bridge) run(ctx context.Context, roomID, script string, stdin []byte, args ...string) (*sandbox.ExecResult, error) {
	cmd := append([]string{"/bin/sh", "-c", script, "coderoom"}, args...)
	req := sandbox.ExecRequest{Cmd: cmd, WorkDir: b.workDir}
	if stdin != nil {
		req.Stdin = bytes.NewReader(stdin)
	}

	res, err := b.exec.Exec(ctx, roomID, req)
	if err != nil {
		return nil, err
	}

	switch res.ExitCode {
	case 0:
		return res, nil
	case exitNotExist:
		return nil, ErrNotExist
	case exitIsDir:
		return nil, ErrIsDirectory
	case exitNotDir:
		return nil, ErrNotDirectory
	default:
		msg := strings.TrimSpace(res.Stderr)
		b.logger.Debug("sandbox file command failed", "room_id", roomID, "exit_code", res.ExitCode, "stderr", msg)
		if msg == "" {
			return nil, fmt.Errorf("%w: exit code %d", ErrCommandFailed, res.ExitCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrCommandFailed, msg)
	}
}
