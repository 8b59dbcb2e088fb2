package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a TTL-bounded key/value store for on-chain lookups. It is an
// explicit injected dependency with an explicit invalidation contract: the
// coordinator deletes a stake's key whenever it settles that stake.
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// StakeKey is the cache key for one (event, wallet) on-chain stake lookup.
func StakeKey(eventID uuid.UUID, walletAddress string) string {
	return fmt.Sprintf("stake:%s:%s", eventID, walletAddress)
}
