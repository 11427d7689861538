package livesession

import "time"

// State is the controller's view of the active session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// ErrorInfo is the last error surfaced to the operator. Message is already
// redacted and safe to display.
type ErrorInfo struct {
	Context string    `json:"context"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a copy of the controller state at one point in time.
type Snapshot struct {
	State         State        `json:"state"`
	StatusMessage string       `json:"status_message,omitempty"`
	Progress      int          `json:"progress"`
	LastError     *ErrorInfo   `json:"last_error,omitempty"`
	LivestreamID  string       `json:"livestream_id,omitempty"`
	Session       *LiveSession `json:"session,omitempty"`
	Polling       bool         `json:"polling"`
}

// terminalMessage is the operator-facing reason a session cannot be used.
func terminalMessage(s LiveSession) string {
	if s.JobStatus == StatusFailed {
		return "Session failed to start"
	}
	return "Session has ended"
}
