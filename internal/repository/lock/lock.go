package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/util"
	"github.com/redis/go-redis/v9"
)

const (
	KeyLock      = "lk" // STRING. lk:{sha1(path)} -> owner token, with PX ttl.
	KeySeparator = ":"

	defaultPollInterval = 200 * time.Millisecond
	releaseTimeout      = 5 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type lockRepository struct {
	cl   *redis.Client
	ttl  time.Duration
	poll time.Duration
	log  *slog.Logger
}

func NewLockRepository(cl *redis.Client, ttl time.Duration, log *slog.Logger) *lockRepository {
	return &lockRepository{
		cl:   cl,
		ttl:  ttl,
		poll: defaultPollInterval,
		log:  log.With(slog.String("item", "LockRepository")),
	}
}

// Acquire blocks until the lock for name is held or ctx is done. The
// returned release func is safe to call once.
func (r *lockRepository) Acquire(ctx context.Context, name string) (func(), error) {
	key := KeyLock + KeySeparator + util.HashKey(name)
	token := uuid.NewString()

	for {
		ok, err := r.cl.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", common.ErrLockNotAcquired, name, ctx.Err())
			}

			return nil, fmt.Errorf("cannot set lock key: %w", err)
		}

		if ok {
			r.log.Debug("Lock acquired", slog.String("name", name))

			return func() { r.release(key, token, name) }, nil
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %s: %w", common.ErrLockNotAcquired, name, ctx.Err())
		case <-timer.C:
		}
	}
}

func (r *lockRepository) release(key, token, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	n, err := releaseScript.Run(ctx, r.cl, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.log.Error("Cannot release lock", slog.String("name", name), slog.Any("error", err))

		return
	}

	if n == 0 {
		r.log.Warn("Lock expired before release", slog.String("name", name))
	}
}
