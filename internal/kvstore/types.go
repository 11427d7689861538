package kvstore

import (
	"context"
	"errors"
)

// Keys used by the console.
const (
	KeyLiveSessionID = "live_session_id"
	KeyAuthToken     = "auth_token"
)

var ErrNotFound = errors.New("key not found")

// Store persists small pieces of console state across restarts.
type Store interface {
	Save(ctx context.Context, key, value string) error
	// Load returns ErrNotFound when the key has never been saved or was deleted.
	Load(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
