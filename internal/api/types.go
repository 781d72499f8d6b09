package api

import (
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/broker"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Request bodies carry the owner inline; query parameters take precedence.

// Content encodings. Text that is valid UTF-8 travels as is; anything
// else is base64.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// SaveFileRequest is the JSON body for PUT /api/v1/files/content.
// Encoding defaults to utf-8.
type SaveFileRequest struct {
	workspace.Owner
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// PathRequest is the JSON body for POST /api/v1/files/folder
type PathRequest struct {
	workspace.Owner
	Path string `json:"path"`
}

// DeleteRequest is the JSON body for POST /api/v1/files/delete
type DeleteRequest struct {
	workspace.Owner
	Path        string `json:"path"`
	IsDirectory bool   `json:"is_directory"`
}

// RenameRequest is the JSON body for POST /api/v1/files/rename
type RenameRequest struct {
	workspace.Owner
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// ExecRequest is the JSON body for POST /api/v1/exec
type ExecRequest struct {
	workspace.Owner
	Command string `json:"command"`
}

// EnsureRequest is the JSON body for POST /api/v1/workspace
type EnsureRequest struct {
	workspace.Owner
	Kind  string `json:"kind,omitempty"`
	Image string `json:"image,omitempty"`
}

// TreeResponse is returned by GET /api/v1/files/tree
type TreeResponse struct {
	Files           []*broker.Node  `json:"files"`
	WorkspaceStatus workspace.State `json:"workspace_status"`
}

// ContentResponse is returned by GET /api/v1/files/content
type ContentResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// StatusResponse is returned by mutating calls
type StatusResponse struct {
	Status string `json:"status"`
}

// ExecResponse is returned by POST /api/v1/exec
type ExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// WorkspaceResponse is returned by GET and POST /api/v1/workspace
type WorkspaceResponse struct {
	ID          string          `json:"id"`
	Namespace   string          `json:"namespace"`
	BackingKind workspace.Kind  `json:"backing_kind"`
	Status      workspace.State `json:"status"`
	Image       string          `json:"image,omitempty"`
	AccessURL   string          `json:"access_url,omitempty"`
	AppRunning  *bool           `json:"app_running,omitempty"`
	AppPort     int             `json:"app_port,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Attempts []Attempt `json:"attempts,omitempty"`
}

// Attempt is one failed transport in an AccessUnavailable error.
type Attempt struct {
	Transport string `json:"transport"`
	Error     string `json:"error"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	ActiveSessions int      `json:"active_sessions"`
	Backends       []string `json:"backends"`
}
