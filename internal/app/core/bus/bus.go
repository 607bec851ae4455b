// Package bus provides the shared pub/sub and short-TTL locking primitives
// the controller uses to coordinate across worker processes: deploy locks,
// enforcement cooldowns, and the cleanup substrate's event channel (spec
// §4.6, §4.11, §5). It is backed by Redis so multiple controller workers
// converge on the same decisions without a shared in-process lock table.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLockHeld is returned by TryLock when the key is already held by
// another owner.
var ErrLockHeld = errors.New("bus: lock already held")

// Bus wraps a Redis client with the lock/cooldown/channel primitives the
// core depends on. All methods fail open on transport errors where the
// spec calls for it (deploy locks); callers decide whether a given error
// should degrade gracefully or propagate.
type Bus struct {
	rdb *redis.Client
}

// Config configures a Bus's underlying Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Bus backed by a new Redis client.
func New(cfg Config) *Bus {
	return &Bus{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewWithClient wraps an existing Redis client, e.g. for tests against
// miniredis or a shared pool.
func NewWithClient(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Ping verifies connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// ---------------------------------------------------------------------------
// Deploy locks
// ---------------------------------------------------------------------------

// DeployLockKey returns the canonical per-node deploy lock key.
func DeployLockKey(labID, nodeID string) string {
	return fmt.Sprintf("deploy_lock:%s:%s", labID, nodeID)
}

// TryLock attempts to set key with NX EX semantics: only succeeds if the
// key is absent, and expires automatically after ttl. Returns ErrLockHeld
// (not a transport error) when another owner holds it.
func (b *Bus) TryLock(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := b.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Unlock releases key unconditionally. Best-effort: spec §5 only requires
// unlock to attempt release, not to guarantee it (the TTL is the backstop).
func (b *Bus) Unlock(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

// AcquireDeployLocks attempts to lock every key in order, releasing any
// already-acquired locks on the first failure so the pipeline never leaves
// a partial lock set behind (spec §4.4: "on partial acquisition,
// already-acquired locks are released to avoid deadlock"). It returns the
// keys it could not acquire.
func (b *Bus) AcquireDeployLocks(ctx context.Context, owner string, ttl time.Duration, keys []string) (conflicting []string, err error) {
	acquired := make([]string, 0, len(keys))
	for _, key := range keys {
		lockErr := b.TryLock(ctx, key, owner, ttl)
		if lockErr == nil {
			acquired = append(acquired, key)
			continue
		}
		if errors.Is(lockErr, ErrLockHeld) {
			for _, a := range acquired {
				_ = b.Unlock(ctx, a)
			}
			return []string{key}, nil
		}
		// Transport error: fail open per spec §4.4 ("on lock-store error,
		// the pipeline fails open"), releasing whatever we grabbed so far.
		for _, a := range acquired {
			_ = b.Unlock(ctx, a)
		}
		return nil, lockErr
	}
	return nil, nil
}

// ReleaseDeployLocks releases every key, best-effort.
func (b *Bus) ReleaseDeployLocks(ctx context.Context, keys []string) {
	for _, key := range keys {
		_ = b.Unlock(ctx, key)
	}
}

// ---------------------------------------------------------------------------
// Enforcement cooldowns
// ---------------------------------------------------------------------------

// CooldownKey returns the canonical per-node enforcement cooldown key.
func CooldownKey(labID, nodeID string) string {
	return fmt.Sprintf("enforcement_cooldown:%s:%s", labID, nodeID)
}

// InCooldown reports whether the node is within its post-enforcement
// cooldown window. A transport error is treated as "not in cooldown" so a
// Redis outage degrades to more-frequent-than-intended enforcement rather
// than none at all.
func (b *Bus) InCooldown(ctx context.Context, labID, nodeID string) bool {
	n, err := b.rdb.Exists(ctx, CooldownKey(labID, nodeID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// StartCooldown marks the node as cooling down for the given duration.
func (b *Bus) StartCooldown(ctx context.Context, labID, nodeID string, ttl time.Duration) error {
	return b.rdb.Set(ctx, CooldownKey(labID, nodeID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// ClearCooldown removes the node's cooldown key immediately, e.g. when its
// desired state changes and a stale cooldown should not suppress the next
// enforcement pass.
func (b *Bus) ClearCooldown(ctx context.Context, labID, nodeID string) error {
	return b.rdb.Del(ctx, CooldownKey(labID, nodeID)).Err()
}

// ---------------------------------------------------------------------------
// Cleanup event channel
// ---------------------------------------------------------------------------

// CleanupChannel is the shared pub/sub channel the cleanup substrate
// listens on (spec §4.11).
const CleanupChannel = "archetype:cleanup-events"

// PublishCleanupEvent publishes a raw JSON-encoded cleanup event payload.
func (b *Bus) PublishCleanupEvent(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, CleanupChannel, payload).Err()
}

// SubscribeCleanupEvents returns a channel of raw event payloads. Callers
// must call Close on the returned subscription when done.
func (b *Bus) SubscribeCleanupEvents(ctx context.Context) *redis.PubSub {
	return b.rdb.Subscribe(ctx, CleanupChannel)
}
