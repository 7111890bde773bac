package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locks are advisory: holders must check business state after acquiring,
// and every lock carries a TTL so a crashed holder cannot wedge the
// system. Release and refresh are token-guarded so an expired holder
// cannot clobber a successor's lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is one held advisory lock.
type Lock struct {
	store *Store
	name  string
	token string
	ttl   time.Duration
}

// AcquireLock attempts to take the named lock for ttl. The second return
// is false when another holder has it.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("statestore: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: s, name: name, token: token, ttl: ttl}, true, nil
}

// Name returns the lock's name.
func (l *Lock) Name() string { return l.name }

// Refresh extends the TTL. Returns false when the lock has expired and
// possibly been taken by someone else.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.store.rdb, []string{lockKeyPrefix + l.name},
		l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("statestore: refresh lock %s: %w", l.name, err)
	}
	return n == 1, nil
}

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.store.rdb, []string{lockKeyPrefix + l.name}, l.token).Int64()
	if err != nil {
		return false, fmt.Errorf("statestore: release lock %s: %w", l.name, err)
	}
	return n == 1, nil
}
