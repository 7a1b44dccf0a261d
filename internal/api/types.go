package api

import (
	"time"

	"github.com/mattjoyce/crucible/internal/schema"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse reports service liveness.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
}

// CreateSessionRequest carries the configuration and metadata of a new
// session.
type CreateSessionRequest struct {
	DisplayName   string               `json:"display_name"`
	Description   string               `json:"description,omitempty"`
	Creator       string               `json:"creator,omitempty"`
	Configuration schema.Configuration `json:"syscfg"`
}

// CreateSessionResponse returns the new session id.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// ListSessionsResponse lists all known session ids.
type ListSessionsResponse struct {
	Sessions []string `json:"sessions"`
}

// StatusResponse reports the session state.
type StatusResponse struct {
	State schema.State `json:"state"`
}

// UpdateParameterRequest carries one new parameter value.
type UpdateParameterRequest struct {
	Value any `json:"value"`
}

// ExecuteRequest triggers a build or run cycle.
type ExecuteRequest struct {
	Command        string `json:"command"` // "build" or "run"
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Async          bool   `json:"async,omitempty"`
}

// ExecuteResponse reports the outcome of an execution request. Async
// acceptance carries no output.
type ExecuteResponse struct {
	Accepted bool         `json:"accepted,omitempty"`
	State    schema.State `json:"state,omitempty"`
	Output   string       `json:"output,omitempty"`
	Error    string       `json:"execution_error,omitempty"`
}

// HistoryEntry is one recorded execution of a session.
type HistoryEntry struct {
	ID          string     `json:"id"`
	Phase       string     `json:"phase"`
	State       string     `json:"state"`
	ExitMessage string     `json:"exit_message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
