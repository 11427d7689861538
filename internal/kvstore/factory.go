package kvstore

import (
	"context"
	"strings"
)

// NewStore picks Redis when redisURL is set, then Postgres, then in-memory.
func NewStore(ctx context.Context, databaseURL, redisURL string) (Store, error) {
	if strings.TrimSpace(redisURL) != "" {
		return NewRedisStore(ctx, redisURL)
	}
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewInMemoryStore(), nil
}
