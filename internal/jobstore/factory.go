package jobstore

import (
	"context"
	"strings"
)

// NewStore picks postgres when databaseURL is set, else redis when
// redisAddr is set, else an in-memory store.
func NewStore(ctx context.Context, databaseURL, redisAddr string) (Store, error) {
	switch {
	case strings.TrimSpace(databaseURL) != "":
		return NewPostgresStore(ctx, databaseURL)
	case strings.TrimSpace(redisAddr) != "":
		return NewRedisStore(ctx, redisAddr, defaultRedisTTL)
	default:
		return NewInMemoryStore(defaultMemoryLimit), nil
	}
}
