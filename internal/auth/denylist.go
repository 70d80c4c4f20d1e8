package auth

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Denylist records revoked token ids until they expire.
type Denylist interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// MemoryDenylist is a process-local denylist.
type MemoryDenylist struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{revoked: make(map[string]time.Time)}
}

func (m *MemoryDenylist) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, k)
		}
	}
	m.revoked[jti] = now.Add(ttl)
	return nil
}

func (m *MemoryDenylist) Revoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.revoked[jti]
	return ok && time.Now().Before(exp), nil
}

// RedisDenylist shares revocations between server instances.
type RedisDenylist struct {
	client *redis.Client
}

// NewRedisDenylist connects to the Redis server at url.
func NewRedisDenylist(ctx context.Context, url string) (*RedisDenylist, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisDenylist{client: client}, nil
}

func (r *RedisDenylist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, "revoked:"+jti, "1", ttl).Err()
}

func (r *RedisDenylist) Revoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, "revoked:"+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisDenylist) Close() error {
	return r.client.Close()
}
