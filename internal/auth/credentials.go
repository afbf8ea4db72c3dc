package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CredentialStore tracks live refresh tokens by token id. Entries expire
// after their TTL and are single use.
type CredentialStore interface {
	Save(ctx context.Context, tokenID, subject string, ttl time.Duration) error
	// Consume removes tokenID and returns its subject, or "" if unknown or expired.
	Consume(ctx context.Context, tokenID string) (string, error)
}

// MemoryCredentials is a process-local CredentialStore.
type MemoryCredentials struct {
	mu      sync.Mutex
	entries map[string]credential
	now     func() time.Time
}

type credential struct {
	subject string
	expires time.Time
}

// NewMemoryCredentials creates an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{entries: make(map[string]credential), now: time.Now}
}

func (m *MemoryCredentials) Save(_ context.Context, tokenID, subject string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, c := range m.entries {
		if !now.Before(c.expires) {
			delete(m.entries, id)
		}
	}
	m.entries[tokenID] = credential{subject: subject, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryCredentials) Consume(_ context.Context, tokenID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.entries[tokenID]
	if !ok {
		return "", nil
	}
	delete(m.entries, tokenID)
	if !m.now().Before(c.expires) {
		return "", nil
	}
	return c.subject, nil
}

// RedisCredentials keeps refresh tokens in Redis so every API replica sees them.
type RedisCredentials struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCredentials creates a store sharing an existing client.
func NewRedisCredentials(client *redis.Client, keyPrefix string) *RedisCredentials {
	if keyPrefix == "" {
		keyPrefix = "busattendance:refresh:"
	}
	return &RedisCredentials{client: client, keyPrefix: keyPrefix}
}

func (r *RedisCredentials) Save(ctx context.Context, tokenID, subject string, ttl time.Duration) error {
	return r.client.Set(ctx, r.keyPrefix+tokenID, subject, ttl).Err()
}

// Consume uses GETDEL so a token can be redeemed only once.
func (r *RedisCredentials) Consume(ctx context.Context, tokenID string) (string, error) {
	subject, err := r.client.GetDel(ctx, r.keyPrefix+tokenID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return subject, err
}
