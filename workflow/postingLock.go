package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/hospitality/ledger_backend/config"
	"github.com/hospitality/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// KeyedLocker serializes work per key (one (org, property) pair). Lock blocks until the key is
// free or ctx ends; the returned func releases it.
type KeyedLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is the in-process keyed mutex. Keys are never evicted; the set of properties is small.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: map[string]chan struct{}{}}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisLocker adds a cross-instance redislock on top of the in-process lock. If Redis itself
// is unreachable it proceeds with the local lock only; a lock held elsewhere is an error so the
// delivery is retried.
type RedisLocker struct {
	local   *MemoryLocker
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	logger  *logrus.Logger
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{
		local:   NewMemoryLocker(),
		client:  client,
		ttl:     ttl,
		backoff: 25 * time.Millisecond,
		logger:  logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if l.client == nil {
		return unlockLocal, nil
	}

	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		unlockLocal()
		return nil, fmt.Errorf("could not obtain lock %s: %w", key, err)
	}
	if err != nil {
		config.LogWarn(l.logger, "Workflow", "RedisLocker.Lock", "redis lock unavailable; proceeding with local lock", key, err)
		return unlockLocal, nil
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			config.LogWarn(l.logger, "Workflow", "RedisLocker.Release", "release redis lock", key, err)
		}
		unlockLocal()
	}, nil
}

func propertyLockKey(orgId, propertyId string) string {
	return utils.LedgerLockKey(orgId, propertyId)
}

// AcquirePropertyPostingLock serializes projection writes per property across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the transaction that does the writes.
func AcquirePropertyPostingLock(tx *gorm.DB, orgId, propertyId string) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 5)", postingLockName(orgId, propertyId)).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for org_id=%s property_id=%s", orgId, propertyId)
	}
	return nil
}

func ReleasePropertyPostingLock(tx *gorm.DB, orgId, propertyId string) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", postingLockName(orgId, propertyId)).Scan(&_ok).Error
}

// MySQL caps lock names at 64 characters.
func postingLockName(orgId, propertyId string) string {
	name := fmt.Sprintf("ledger:%s:%s", orgId, propertyId)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// withPostingLock runs fn inside tx holding the advisory lock when the dialect supports it.
func withPostingLock(tx *gorm.DB, orgId, propertyId string, fn func() error) error {
	if tx.Dialector.Name() != "mysql" {
		return fn()
	}
	if err := AcquirePropertyPostingLock(tx, orgId, propertyId); err != nil {
		return err
	}
	defer ReleasePropertyPostingLock(tx, orgId, propertyId)
	return fn()
}
