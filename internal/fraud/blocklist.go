package fraud

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Blocklist answers whether an address is known-fraudulent. Implementations
// must be safe for concurrent use.
type Blocklist interface {
	Add(ctx context.Context, address string) error
	Remove(ctx context.Context, address string) error
	Contains(ctx context.Context, address string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// MemoryBlocklist is an in-process set, used in tests and single-node runs.
type MemoryBlocklist struct {
	mu        sync.RWMutex
	addresses map[string]bool
}

func NewMemoryBlocklist(addresses ...string) *MemoryBlocklist {
	b := &MemoryBlocklist{addresses: make(map[string]bool, len(addresses))}
	for _, a := range addresses {
		b.addresses[a] = true
	}
	return b
}

func (b *MemoryBlocklist) Add(_ context.Context, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses[address] = true
	return nil
}

func (b *MemoryBlocklist) Remove(_ context.Context, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addresses, address)
	return nil
}

func (b *MemoryBlocklist) Contains(_ context.Context, address string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addresses[address], nil
}

func (b *MemoryBlocklist) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.addresses))
	for a := range b.addresses {
		out = append(out, a)
	}
	return out, nil
}

const blocklistKey = "fraud:blocklist"

// RedisBlocklist shares the blocklist across workers via a Redis set.
type RedisBlocklist struct {
	client *redis.Client
}

func NewRedisBlocklist(client *redis.Client) *RedisBlocklist {
	return &RedisBlocklist{client: client}
}

func (b *RedisBlocklist) Add(ctx context.Context, address string) error {
	return b.client.SAdd(ctx, blocklistKey, address).Err()
}

func (b *RedisBlocklist) Remove(ctx context.Context, address string) error {
	return b.client.SRem(ctx, blocklistKey, address).Err()
}

func (b *RedisBlocklist) Contains(ctx context.Context, address string) (bool, error) {
	return b.client.SIsMember(ctx, blocklistKey, address).Result()
}

func (b *RedisBlocklist) List(ctx context.Context) ([]string, error) {
	return b.client.SMembers(ctx, blocklistKey).Result()
}
