package livesession

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the backend's lifecycle code for a live session or render job.
type JobStatus int

const (
	StatusUnknown      JobStatus = 0
	StatusLive         JobStatus = 1
	StatusEnded        JobStatus = 2
	StatusCompleted    JobStatus = 3
	StatusFailed       JobStatus = 4
	StatusProcessing   JobStatus = 5
	StatusInitializing JobStatus = 6
	StatusStarting     JobStatus = 7
)

func (s JobStatus) IsReady() bool { return s == StatusLive }

// IsTerminal reports whether no further progress is expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusLive:
		return "live"
	case StatusEnded:
		return "ended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusProcessing:
		return "processing"
	case StatusInitializing:
		return "initializing"
	case StatusStarting:
		return "starting"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// statusMessage is what an operator sees while a session is still starting.
func (s JobStatus) statusMessage() string {
	switch s {
	case StatusUnknown:
		return "Initializing..."
	case StatusProcessing:
		return "Processing..."
	case StatusInitializing:
		return "Initializing session..."
	case StatusStarting:
		return "Starting avatar..."
	default:
		return "Connecting..."
	}
}

// progress maps a non-terminal status to the connection progress bar.
func (s JobStatus) progress() int {
	p := 25 + int(s)*10
	if p > 75 {
		return 75
	}
	if p < 0 {
		return 0
	}
	return p
}

type CameraConfig struct {
	Preset   string  `json:"preset,omitempty"`
	Zoom     float64 `json:"zoom,omitempty"`
	Position string  `json:"position,omitempty"`
}

type VoiceConfig struct {
	ID       string  `json:"id,omitempty"`
	Provider string  `json:"provider,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

type LLMConfig struct {
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type LipsyncConfig struct {
	Model string `json:"model,omitempty"`
}

// SessionConfig is the avatar/camera/voice/llm/lipsync configuration a
// session runs with.
type SessionConfig struct {
	AvatarID      string         `json:"avatar_id"`
	EnvironmentID string         `json:"environment_id,omitempty"`
	Camera        CameraConfig   `json:"camera"`
	Voice         *VoiceConfig   `json:"voice,omitempty"`
	LLM           *LLMConfig     `json:"llm,omitempty"`
	Lipsync       *LipsyncConfig `json:"lipsync,omitempty"`
}

// ErrInvalidConfig is returned before any network call when a launch
// configuration is incomplete.
var ErrInvalidConfig = errors.New("invalid livestream config")

func (c SessionConfig) Validate() error {
	if strings.TrimSpace(c.AvatarID) == "" {
		return fmt.Errorf("%w: avatar is required", ErrInvalidConfig)
	}
	return nil
}

// CreateRequest is the body of POST /api/v1/live.
type CreateRequest struct {
	SessionConfig
	UserToken string `json:"user_token,omitempty"`
}

// LiveSession is the client's projection of a backend live session.
type LiveSession struct {
	ID        string        `json:"id"`
	Config    SessionConfig `json:"config"`
	JobStatus JobStatus     `json:"jobstatus"`
	EndedAt   *time.Time    `json:"ended_at"`
	CreatedAt time.Time     `json:"created_at"`
}

// HasEnded reports whether ended_at carries a real timestamp. The backend
// sends 0001-01-01T00:00:00Z for sessions that have not ended.
func (s LiveSession) HasEnded() bool {
	return s.EndedAt != nil && !s.EndedAt.IsZero()
}

func (s LiveSession) IsTerminal() bool {
	return s.JobStatus.IsTerminal() || s.HasEnded()
}

func (s LiveSession) IsReady() bool {
	return s.JobStatus.IsReady() && !s.HasEnded()
}
