package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Directory is the cross-instance view of presence: party id to the id of
// the instance holding its connection.
type Directory interface {
	Set(ctx context.Context, partyID string) error
	Touch(ctx context.Context, partyID string) error
	Remove(ctx context.Context, partyID string) error
	Locate(ctx context.Context, partyID string) (instance string, ok bool, err error)
}

const keyPrefix = "presence:"

// owner-guarded so an instance never clears or extends a registration that
// has moved to another instance
var (
	removeIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	touchIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisDirectory struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
}

func NewRedisDirectory(client *redis.Client, instance string, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, instance: instance, ttl: ttl}
}

func (d *RedisDirectory) Set(ctx context.Context, partyID string) error {
	return d.client.Set(ctx, keyPrefix+partyID, d.instance, d.ttl).Err()
}

func (d *RedisDirectory) Touch(ctx context.Context, partyID string) error {
	return touchIfOwner.Run(ctx, d.client, []string{keyPrefix + partyID}, d.instance, d.ttl.Milliseconds()).Err()
}

func (d *RedisDirectory) Remove(ctx context.Context, partyID string) error {
	return removeIfOwner.Run(ctx, d.client, []string{keyPrefix + partyID}, d.instance).Err()
}

func (d *RedisDirectory) Locate(ctx context.Context, partyID string) (string, bool, error) {
	v, err := d.client.Get(ctx, keyPrefix+partyID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// MemoryDirectory serves single-instance deployments.
type MemoryDirectory struct {
	mu       sync.RWMutex
	instance string
	owners   map[string]string
}

func NewMemoryDirectory(instance string) *MemoryDirectory {
	return &MemoryDirectory{instance: instance, owners: make(map[string]string)}
}

func (d *MemoryDirectory) Set(_ context.Context, partyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[partyID] = d.instance
	return nil
}

func (d *MemoryDirectory) Touch(context.Context, string) error { return nil }

func (d *MemoryDirectory) Remove(_ context.Context, partyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owners[partyID] == d.instance {
		delete(d.owners, partyID)
	}
	return nil
}

func (d *MemoryDirectory) Locate(_ context.Context, partyID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.owners[partyID]
	return v, ok, nil
}
