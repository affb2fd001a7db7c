package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a single-key run lock taken with SET NX PX.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis builds a run lock on key. The ttl bounds how long a crashed holder blocks others.
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_lock").Logger(),
	}
}

// TryLock attempts to take the lock without waiting.
func (r *Redis) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctxUnlock, r.client, []string{r.key}, token).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", r.key).Msg("failed to release redis lock")
		}
	}
	return unlock, true, nil
}
