package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// DefaultLockTTL bounds how long a crashed holder can block an owner.
const DefaultLockTTL = 15 * time.Minute

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// OwnerLocks implements pipeline.OwnerLocker across processes.
type OwnerLocks struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewOwnerLocks creates a lock set. Locks expire after ttl even if never
// released.
func NewOwnerLocks(client *goredis.Client, prefix string, ttl time.Duration, log zerolog.Logger) *OwnerLocks {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &OwnerLocks{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (l *OwnerLocks) key(ownerID string) string {
	return l.prefix + "lock:owner:" + ownerID
}

// TryLock implements pipeline.OwnerLocker.
func (l *OwnerLocks) TryLock(ctx context.Context, ownerID string) (func(), error) {
	key := l.key(ownerID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("TryLock: setting %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrRunInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("owner_id", ownerID).Msg("owner lock release failed")
			}
		})
	}, nil
}
