// Package events adapts the sandbox core to a per-connection WebSocket
// event channel. Every frame is a JSON object {"event": name, "data": payload}.
package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/felixgeelhaar/coderoom/internal/fsbridge"
)

// Inbound event names.
const (
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventConnectTerminal    = "connect-terminal"
	EventDisconnectTerminal = "disconnect-terminal"
	EventTerminalInput      = "terminal-input"
	EventTerminalResize     = "terminal-resize"
	EventGetFileTree        = "get-file-tree"
	EventCreateFile         = "create-file"
	EventDeleteFile         = "delete-file"
	EventReadFile           = "read-file"
	EventWriteFile          = "write-file"
	EventUploadFile         = "upload-file"
	EventDownloadFile       = "download-file"
)

// Outbound event names.
const (
	EventContainerReady       = "container-ready"
	EventContainerError       = "container-error"
	EventTerminalConnected    = "terminal-connected"
	EventTerminalDisconnected = "terminal-disconnected"
	EventTerminalData         = "terminal-data"
	EventTerminalError        = "terminal-error"
	EventFileTree             = "file-tree"
	EventFileCreated          = "file-created"
	EventFileDeleted          = "file-deleted"
	EventFileContent          = "file-content"
	EventFileSaved            = "file-saved"
	EventFileChanged          = "file-changed"
	EventFileUploaded         = "file-uploaded"
	EventFileDownload         = "file-download"
	EventFileError            = "file-error"
	EventError                = "error"
)

// Terminal error codes.
const (
	CodeNoSession    = "no_session"
	CodeDestroyed    = "destroyed"
	CodeBackpressure = "backpressure"
	CodeResizeFailed = "resize_failed"
	CodeOpenFailed   = "open_failed"
)

// EncodingBase64 marks content that is base64 encoded.
const EncodingBase64 = "base64"

// ErrInvalidPayload wraps every validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

// Frame is the envelope of every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request is implemented by every inbound payload.
type Request interface {
	Validate() error
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidPayload, field, reason)
}

func requireRoom(roomID string) error {
	if roomID == "" {
		return invalid("roomId", "is required")
	}
	return nil
}

func requirePath(p string) error {
	if p == "" {
		return invalid("path", "is required")
	}
	return nil
}

// JoinRoomRequest asks for the room's sandbox.
type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

func (r *JoinRoomRequest) Validate() error {
	return requireRoom(r.RoomID)
}

// LeaveRoomRequest stops room broadcasts for the connection.
type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *LeaveRoomRequest) Validate() error {
	return requireRoom(r.RoomID)
}

// ConnectTerminalRequest opens a shell. ContainerID is informational; the
// room id is the only address.
type ConnectTerminalRequest struct {
	RoomID      string `json:"roomId"`
	ContainerID string `json:"containerId,omitempty"`
	Rows        uint   `json:"rows,omitempty"`
	Cols        uint   `json:"cols,omitempty"`
}

func (r *ConnectTerminalRequest) Validate() error {
	return requireRoom(r.RoomID)
}

// DisconnectTerminalRequest closes one of the connection's terminals.
type DisconnectTerminalRequest struct {
	TerminalID string `json:"terminalId"`
}

func (r *DisconnectTerminalRequest) Validate() error {
	if r.TerminalID == "" {
		return invalid("terminalId", "is required")
	}
	return nil
}

// TerminalInputRequest carries keystrokes. TerminalID defaults to the
// connection's most recently opened terminal.
type TerminalInputRequest struct {
	TerminalID string  `json:"terminalId,omitempty"`
	Data       *string `json:"data"`
}

func (r *TerminalInputRequest) Validate() error {
	if r.Data == nil {
		return invalid("data", "is required")
	}
	return nil
}

// TerminalResizeRequest changes the terminal size.
type TerminalResizeRequest struct {
	TerminalID string `json:"terminalId,omitempty"`
	Rows       uint   `json:"rows"`
	Cols       uint   `json:"cols"`
}

func (r *TerminalResizeRequest) Validate() error {
	if r.Rows == 0 {
		return invalid("rows", "must be positive")
	}
	if r.Cols == 0 {
		return invalid("cols", "must be positive")
	}
	return nil
}

// FileTreeRequest lists a directory. An empty path lists the workspace.
type FileTreeRequest struct {
	RoomID      string `json:"roomId"`
	ContainerID string `json:"containerId,omitempty"`
	Path        string `json:"path,omitempty"`
}

func (r *FileTreeRequest) Validate() error {
	return requireRoom(r.RoomID)
}

// CreateFileRequest creates a file or directory.
type CreateFileRequest struct {
	RoomID      string             `json:"roomId"`
	ContainerID string             `json:"containerId,omitempty"`
	Path        string             `json:"path"`
	Type        fsbridge.EntryType `json:"type"`
	Content     string             `json:"content,omitempty"`
}

func (r *CreateFileRequest) Validate() error {
	if err := requireRoom(r.RoomID); err != nil {
		return err
	}
	if err := requirePath(r.Path); err != nil {
		return err
	}
	if !r.Type.Valid() {
		return invalid("type", "must be file or directory")
	}
	return nil
}

// PathRequest addresses one path; used by delete-file, read-file and
// download-file.
type PathRequest struct {
	RoomID      string `json:"roomId"`
	ContainerID string `json:"containerId,omitempty"`
	Path        string `json:"path"`
}

func (r *PathRequest) Validate() error {
	if err := requireRoom(r.RoomID); err != nil {
		return err
	}
	return requirePath(r.Path)
}

// WriteFileRequest saves a file.
type WriteFileRequest struct {
	RoomID      string  `json:"roomId"`
	ContainerID string  `json:"containerId,omitempty"`
	Path        string  `json:"path"`
	Content     *string `json:"content"`
}

func (r *WriteFileRequest) Validate() error {
	if err := requireRoom(r.RoomID); err != nil {
		return err
	}
	if err := requirePath(r.Path); err != nil {
		return err
	}
	if r.Content == nil {
		return invalid("content", "is required")
	}
	return nil
}

// UploadFileRequest stores fileName under path.
type UploadFileRequest struct {
	RoomID      string `json:"roomId"`
	ContainerID string `json:"containerId,omitempty"`
	FileName    string `json:"fileName"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding,omitempty"`
	Path        string `json:"path,omitempty"`
}

func (r *UploadFileRequest) Validate() error {
	if err := requireRoom(r.RoomID); err != nil {
		return err
	}
	if r.FileName == "" {
		return invalid("fileName", "is required")
	}
	if r.Encoding != "" && r.Encoding != EncodingBase64 {
		return invalid("encoding", "must be empty or base64")
	}
	if r.Encoding == EncodingBase64 {
		if _, err := base64.StdEncoding.DecodeString(r.Content); err != nil {
			return invalid("content", "is not valid base64")
		}
	}
	return nil
}

// Bytes returns the decoded upload content.
func (r *UploadFileRequest) Bytes() []byte {
	if r.Encoding == EncodingBase64 {
		b, _ := base64.StdEncoding.DecodeString(r.Content)
		return b
	}
	return []byte(r.Content)
}

// decode unmarshals data into req and validates it.
func decode(data json.RawMessage, req Request) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return req.Validate()
}

// Outbound payloads.

type ContainerReady struct {
	RoomID      string `json:"roomId"`
	ContainerID string `json:"containerId"`
}

type ContainerError struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
}

type TerminalConnected struct {
	TerminalID string `json:"terminalId"`
	RoomID     string `json:"roomId"`
}

type TerminalDisconnected struct {
	TerminalID string `json:"terminalId"`
	Reason     string `json:"reason"`
}

type TerminalData struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type TerminalError struct {
	TerminalID string `json:"terminalId,omitempty"`
	Code       string `json:"code"`
	Error      string `json:"error"`
}

type FileTree struct {
	Files []*fsbridge.FileNode `json:"files"`
	Path  string               `json:"path"`
}

type FileCreated struct {
	Path    string             `json:"path"`
	Type    fsbridge.EntryType `json:"type"`
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
}

type FileDeleted struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type FileContent struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Error    string `json:"error,omitempty"`
}

type FileSaved struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type FileChanged struct {
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

type FileUploaded struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

type FileDownload struct {
	FileName string `json:"fileName"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type FileError struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Message   string `json:"message"`
}

type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// encodeContent returns content as a JSON-safe string, switching to base64
// for anything that is not valid UTF-8.
func encodeContent(content []byte) (string, string) {
	if utf8.Valid(content) {
		return string(content), ""
	}
	return base64.StdEncoding.EncodeToString(content), EncodingBase64
}
