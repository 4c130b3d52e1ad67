package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/alanyoungcy/ward/internal/domain"
)

// LockConfig tunes distributed lock acquisition.
type LockConfig struct {
	TTL      time.Duration
	Attempts uint
	Delay    time.Duration
}

// Locker serializes work per key. Within the process it uses one mutex per
// key; when a LockManager is configured it also takes a distributed lock so
// several ward instances can share one database.
type Locker struct {
	mu     sync.Mutex
	keys   map[string]*keyLock
	dist   domain.LockManager
	cfg    LockConfig
	logger *slog.Logger
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocker returns a Locker. dist may be nil.
func NewLocker(dist domain.LockManager, cfg LockConfig, logger *slog.Logger) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 50 * time.Millisecond
	}
	return &Locker{
		keys:   make(map[string]*keyLock),
		dist:   dist,
		cfg:    cfg,
		logger: logger,
	}
}

func (l *Locker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.keys[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}

// Lock blocks until key is held or ctx ends. The returned unlock is
// idempotent.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.ref(key)
	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("locker: %s: %w", key, ctx.Err())
	}
	release := func() {
		<-kl.ch
		l.unref(key)
	}

	if l.dist == nil {
		var once sync.Once
		return func() { once.Do(release) }, nil
	}

	unlock, err := retry.DoWithData(
		func() (func(), error) {
			return l.dist.Acquire(ctx, "ward:lock:"+key, l.cfg.TTL)
		},
		retry.Context(ctx),
		retry.Attempts(l.cfg.Attempts),
		retry.Delay(l.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrLockHeld)
		}),
		retry.OnRetry(func(n uint, err error) {
			l.logger.DebugContext(ctx, "locker: lock busy, retrying",
				slog.String("key", key),
				slog.Uint64("attempt", uint64(n+1)),
			)
		}),
	)
	if err != nil {
		release()
		return nil, fmt.Errorf("locker: acquire %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			release()
		})
	}, nil
}

func poolKey(id string) string  { return "pool:" + id }
func claimKey(id string) string { return "claim:" + id }
