package livesession

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrSessionFailed   = errors.New("session failed to start")
	ErrClosed          = errors.New("controller closed")
	// ErrSuperseded is returned when End or another connect replaced the
	// session while the call was waiting on the backend.
	ErrSuperseded = errors.New("livestream superseded")
)

// Backend is the live-session slice of the resource API.
type Backend interface {
	// CreateLiveSession starts a session and returns its id.
	CreateLiveSession(ctx context.Context, req CreateRequest) (string, error)
	// GetLiveSession returns ErrSessionNotFound when the id is unknown.
	GetLiveSession(ctx context.Context, id string, forceRefresh bool) (LiveSession, error)
	// EndLiveSession terminates a session. alreadyEnded is true when the
	// backend reports the session as gone (401 or 404 on DELETE).
	EndLiveSession(ctx context.Context, id string) (alreadyEnded bool, err error)
}
