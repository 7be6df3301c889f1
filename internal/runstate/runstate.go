// Package runstate coordinates batch runs through Redis. A lease keyed by
// the collection receiving annotations keeps two runs from writing the same
// sink at once, and a checkpoint remembers the last completed window so an
// interrupted run can resume.
package runstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/redis"
)

const keyPrefix = "annotator:"

// Owner-checked scripts: only the holder may extend or drop a lease.
const (
	renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
)

// KV is the subset of the Redis client used here.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (int64, error)
}

// Lease is an exclusive, expiring claim on a sink.
type Lease struct {
	kv       KV
	key      string
	owner    string
	ttl      time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	renewing atomic.Bool
	logger   *slog.Logger
}

// Acquire claims the sink for owner. It fails with errors.ErrLeaseHeld when
// another run holds it.
func Acquire(ctx context.Context, kv KV, sink, owner string, ttl time.Duration) (*Lease, error) {
	key := keyPrefix + "lease:" + sink
	ok, err := kv.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lease: %w", err)
	}
	if !ok {
		holder, _ := kv.Get(ctx, key)
		return nil, apperrors.Newf(apperrors.ErrLeaseHeld, 0, "%s is held by run %s", sink, holder)
	}
	l := &Lease{
		kv:     kv,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "run-lease", "sink", sink, "run_id", owner),
	}
	l.logger.Info("run lease acquired", "ttl", ttl)
	return l, nil
}

// KeepAlive renews the lease every third of its TTL until Release is
// called. lost is invoked once if the lease can no longer be renewed.
func (l *Lease) KeepAlive(ctx context.Context, lost func()) {
	if !l.renewing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.Renew(ctx)
				if err != nil {
					l.logger.Warn("renewing run lease failed", "error", err)
					continue
				}
				if !ok {
					l.logger.Error("run lease lost")
					if lost != nil {
						lost()
					}
					return
				}
			}
		}
	}()
}

// Renew extends the lease and reports whether it is still held.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := l.kv.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("renewing run lease: %w", err)
	}
	return n == 1, nil
}

// Release stops renewal and drops the lease if it is still held.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		if l.renewing.Load() {
			<-l.done
		}
	})
	n, err := l.kv.Eval(ctx, releaseScript, []string{l.key}, l.owner)
	if err != nil {
		return fmt.Errorf("releasing run lease: %w", err)
	}
	if n == 0 {
		l.logger.Warn("run lease already expired or taken over")
		return nil
	}
	l.logger.Info("run lease released")
	return nil
}

// Checkpoint stores the end of the last completed window of one batch.
type Checkpoint struct {
	kv  KV
	key string
}

// NewCheckpoint scopes a checkpoint to a sink and the batch bounds, so a
// different date range never resumes from a foreign checkpoint.
func NewCheckpoint(kv KV, sink, batchStart, batchEnd string) *Checkpoint {
	return &Checkpoint{
		kv:  kv,
		key: fmt.Sprintf("%scheckpoint:%s:%s:%s", keyPrefix, sink, batchStart, batchEnd),
	}
}

// Checkpoint returns the saved window end, or "" when none was saved.
func (c *Checkpoint) Checkpoint(ctx context.Context) (string, error) {
	v, err := c.kv.Get(ctx, c.key)
	if redis.IsNilError(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading checkpoint: %w", err)
	}
	return v, nil
}

// SaveCheckpoint records windowEnd as completed.
func (c *Checkpoint) SaveCheckpoint(ctx context.Context, windowEnd string) error {
	if err := c.kv.Set(ctx, c.key, windowEnd, 0); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}
