// Package models defines the core domain types for the kernelbridge client.
package models

import (
	"time"
)

// SessionStatus represents the lifecycle state of a kernel session.
type SessionStatus string

const (
	SessionStatusStarting   SessionStatus = "starting"
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusBusy       SessionStatus = "busy"
	SessionStatusRestarting SessionStatus = "restarting"
	// SessionStatusDead is terminal: explicit shutdown, process exit, or
	// transport disconnect all land here and nothing leaves it.
	SessionStatusDead SessionStatus = "dead"
)

// ConnectionStatus represents the transport-layer state of one transport
// instance. A restart creates a fresh transport starting at connecting
// again; disconnected is terminal for the instance it happened on.
type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// IsTerminal returns true if the session can no longer accept requests.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusDead
}

// KernelInfo holds interpreter metadata learned from the first successful
// kernel_info reply. Cached on the session for the rest of its life.
type KernelInfo struct {
	Implementation        string `json:"implementation"`
	ImplementationVersion string `json:"implementation_version"`
	ProtocolVersion       string `json:"protocol_version"`
	LanguageName          string `json:"language_name,omitempty"`
	LanguageVersion       string `json:"language_version,omitempty"`
	Banner                string `json:"banner,omitempty"`
}

// SessionSummary provides a condensed view of a session for listing.
type SessionSummary struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Status           SessionStatus    `json:"status"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	ExecutionCount   int              `json:"execution_count"`
	KernelInfo       *KernelInfo      `json:"kernel_info,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SpawnRequest represents a request to start a new kernel session.
type SpawnRequest struct {
	ExecutablePath string `json:"executable_path"`
	DisplayName    string `json:"display_name,omitempty"`
}

// ExecuteRequest represents one code snippet submitted for execution.
// StoreHistory controls whether the interpreter's execution counter
// advances for this request.
type ExecuteRequest struct {
	Code         string `json:"code"`
	StoreHistory bool   `json:"store_history"`
	Stream       bool   `json:"stream,omitempty"`
}
