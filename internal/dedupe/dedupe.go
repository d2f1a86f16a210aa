// Package dedupe suppresses repeated bucket notifications. S3 and MinIO
// deliver notifications at least once, so the same object event can arrive
// more than once.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Guard interface {
	// Claim returns true the first time it sees ref within the TTL.
	Claim(ctx context.Context, ref domain.ObjectRef) (bool, error)
}

// Key identifies one object event by bucket, key and sequencer. Events
// without a sequencer fall back to the event time.
func Key(ref domain.ObjectRef) string {
	marker := ref.Sequencer
	if marker == "" && !ref.EventTime.IsZero() {
		marker = ref.EventTime.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(ref.Bucket + "\x00" + ref.Key + "\x00" + marker))
	return hex.EncodeToString(sum[:16])
}

type RedisGuard struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

func NewRedisGuard(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisGuard, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "cartoonify:dedupe"
	}
	return &RedisGuard{client: client, ttl: ttl, keyPrefix: keyPrefix}, nil
}

func (g *RedisGuard) Claim(ctx context.Context, ref domain.ObjectRef) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+":"+Key(ref), 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release forgets ref so a later delivery is processed again. The intake
// calls it when enqueueing fails after a successful claim.
func (g *RedisGuard) Release(ctx context.Context, ref domain.ObjectRef) error {
	return g.client.Del(ctx, g.keyPrefix+":"+Key(ref)).Err()
}

// MemoryGuard is an in-process Guard for single-instance runs and tests.
type MemoryGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, ref domain.ObjectRef) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := Key(ref)
	if expires, ok := g.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.seen[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, ref domain.ObjectRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, Key(ref))
	return nil
}
