// Package mcp exposes room files to assistant processes over the Model
// Context Protocol.
package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/coderoom/internal/fsbridge"
	"github.com/felixgeelhaar/coderoom/internal/sandbox"
	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"
)

// Content encodings accepted and returned by the file tools.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

var ErrRoomRequired = errors.New("room_id is required")

// Rooms is the registry surface the tools use.
type Rooms interface {
	Rooms() []sandbox.Sandbox
	Cleanup(ctx context.Context, roomID string) bool
}

// Files is the filesystem bridge surface the tools use.
type Files interface {
	ListTree(ctx context.Context, roomID, root string) ([]*fsbridge.FileNode, error)
	ReadFile(ctx context.Context, roomID, p string) ([]byte, error)
	WriteFile(ctx context.Context, roomID, p string, content []byte) error
}

// Server wraps the MCP server with coderoom tools
type Server struct {
	mcpServer *server.Server
	rooms     Rooms
	files     Files
}

// Config contains configuration for the MCP server
type Config struct {
	Rooms   Rooms
	Files   Files
	Version string
}

// NewServer creates a new MCP server
func NewServer(cfg Config) *Server {
	s := &Server{
		rooms: cfg.Rooms,
		files: cfg.Files,
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "coderoom",
		Version: version,
	}, server.WithInstructions(`
coderoom runs one sandbox container per collaborative coding room.
Paths are relative to the room working directory.

Available tools:
- coderoom_rooms: List rooms with a live sandbox
- coderoom_tree: List the file tree of a room
- coderoom_read: Read a file from a room
- coderoom_write: Write a file into a room
- coderoom_cleanup: Destroy a room sandbox
`))

	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("coderoom_rooms").
		Description("List rooms that currently have a sandbox.").
		Handler(s.handleRooms)

	s.mcpServer.Tool("coderoom_tree").
		Description("List the file tree of a room, optionally under a sub-directory.").
		Handler(s.handleTree)

	s.mcpServer.Tool("coderoom_read").
		Description("Read a file from a room. Binary content is returned base64 encoded.").
		Handler(s.handleRead)

	s.mcpServer.Tool("coderoom_write").
		Description("Create or overwrite a file in a room.").
		Handler(s.handleWrite)

	s.mcpServer.Tool("coderoom_cleanup").
		Description("Destroy the sandbox of a room. Connected members lose their terminals.").
		Handler(s.handleCleanup)
}

type RoomsInput struct{}

type RoomSummary struct {
	RoomID      string         `json:"room_id"`
	SandboxID   string         `json:"sandbox_id"`
	Status      sandbox.Status `json:"status"`
	Image       string         `json:"image"`
	Terminals   int            `json:"terminals"`
	IdleSeconds int64          `json:"idle_seconds"`
}

type RoomsOutput struct {
	Rooms []RoomSummary `json:"rooms"`
	Count int           `json:"count"`
}

type TreeInput struct {
	RoomID string `json:"room_id" jsonschema:"description=Room identifier"`
	Path   string `json:"path,omitempty" jsonschema:"description=Directory to list (default: the working directory)"`
}

type TreeOutput struct {
	Root  string               `json:"root"`
	Nodes []*fsbridge.FileNode `json:"nodes"`
}

type ReadInput struct {
	RoomID string `json:"room_id" jsonschema:"description=Room identifier"`
	Path   string `json:"path" jsonschema:"description=File path"`
}

type ReadOutput struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
}

type WriteInput struct {
	RoomID   string `json:"room_id" jsonschema:"description=Room identifier"`
	Path     string `json:"path" jsonschema:"description=File path"`
	Content  string `json:"content" jsonschema:"description=File content"`
	Encoding string `json:"encoding,omitempty" jsonschema:"description=Content encoding,enum=utf-8,enum=base64"`
}

type WriteOutput struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

type CleanupInput struct {
	RoomID string `json:"room_id" jsonschema:"description=Room identifier"`
}

type CleanupOutput struct {
	RoomID  string `json:"room_id"`
	Cleaned bool   `json:"cleaned"`
}

func (s *Server) handleRooms(_ context.Context, _ RoomsInput) (RoomsOutput, error) {
	rooms := s.rooms.Rooms()
	out := RoomsOutput{Rooms: make([]RoomSummary, 0, len(rooms)), Count: len(rooms)}
	for _, sb := range rooms {
		out.Rooms = append(out.Rooms, RoomSummary{
			RoomID:      sb.RoomID,
			SandboxID:   sb.ID,
			Status:      sb.Status,
			Image:       sb.Image,
			Terminals:   sb.TerminalCount,
			IdleSeconds: int64(time.Since(sb.LastActiveAt).Seconds()),
		})
	}
	return out, nil
}

func (s *Server) handleTree(ctx context.Context, input TreeInput) (TreeOutput, error) {
	if input.RoomID == "" {
		return TreeOutput{}, ErrRoomRequired
	}
	nodes, err := s.files.ListTree(ctx, input.RoomID, input.Path)
	if err != nil {
		return TreeOutput{}, fmt.Errorf("list tree: %w", err)
	}
	if nodes == nil {
		nodes = []*fsbridge.FileNode{}
	}
	return TreeOutput{Root: input.Path, Nodes: nodes}, nil
}

func (s *Server) handleRead(ctx context.Context, input ReadInput) (ReadOutput, error) {
	if input.RoomID == "" {
		return ReadOutput{}, ErrRoomRequired
	}
	data, err := s.files.ReadFile(ctx, input.RoomID, input.Path)
	if err != nil {
		return ReadOutput{}, fmt.Errorf("read file: %w", err)
	}

	out := ReadOutput{Path: input.Path, Size: len(data)}
	if utf8.Valid(data) {
		out.Content, out.Encoding = string(data), EncodingUTF8
	} else {
		out.Content, out.Encoding = base64.StdEncoding.EncodeToString(data), EncodingBase64
	}
	return out, nil
}

func (s *Server) handleWrite(ctx context.Context, input WriteInput) (WriteOutput, error) {
	if input.RoomID == "" {
		return WriteOutput{}, ErrRoomRequired
	}

	var data []byte
	switch input.Encoding {
	case "", EncodingUTF8:
		data = []byte(input.Content)
	case EncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(input.Content)
		if err != nil {
			return WriteOutput{}, fmt.Errorf("decode content: %w", err)
		}
		data = decoded
	default:
		return WriteOutput{}, fmt.Errorf("unsupported encoding %q", input.Encoding)
	}

	if err := s.files.WriteFile(ctx, input.RoomID, input.Path, data); err != nil {
		return WriteOutput{}, fmt.Errorf("write file: %w", err)
	}
	return WriteOutput{Path: input.Path, Bytes: len(data)}, nil
}

func (s *Server) handleCleanup(ctx context.Context, input CleanupInput) (CleanupOutput, error) {
	if input.RoomID == "" {
		return CleanupOutput{}, ErrRoomRequired
	}
	return CleanupOutput{RoomID: input.RoomID, Cleaned: s.rooms.Cleanup(ctx, input.RoomID)}, nil
}

// ServeHTTP starts the MCP server on HTTP
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
