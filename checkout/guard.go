package checkout

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/skillbridge/backend/escrow"
	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrSubmissionInProgress = &escrow.Error{
	Kind:    escrow.KindConflict,
	Code:    "submission_in_progress",
	Message: "a submission for this payment is already in progress",
}

// Guard lets one operation at a time run for a key. Acquire fails with
// ErrSubmissionInProgress while the key is held.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MemoryGuard is a Guard for a single process.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: map[string]struct{}{}}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.keys[key]; ok {
		return nil, ErrSubmissionInProgress
	}
	g.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.keys, key)
			g.mu.Unlock()
		})
	}, nil
}

const (
	redisKeyPrefix = "skillbridge:checkout:"
	DefaultLockTTL = 30 * time.Second
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock taken over by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a Guard shared by every replica using the same Redis. Locks
// expire after TTL so a crashed holder cannot block a payment forever.
type RedisGuard struct {
	client *redis.Client
	TTL    time.Duration
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, TTL: DefaultLockTTL}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	token := shortuuid.New()
	lockKey := redisKeyPrefix + key

	ok, err := g.client.SetNX(ctx, lockKey, token, g.TTL).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire checkout lock")
	}
	if !ok {
		return nil, ErrSubmissionInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the request context may already be cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			releaseScript.Run(releaseCtx, g.client, []string{lockKey}, token)
		})
	}, nil
}
