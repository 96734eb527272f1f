package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix    = "lock:"
	revokedPrefix = "revoked:"
	seenPrefix    = "seen:"
)

// Client serves the sweep lease, payment event de-duplication and token
// revocation lookups.
type Client struct {
	client *redis.Client
	// owner marks the locks taken by this process so Unlock never drops a
	// lease another replica acquired after ours expired.
	owner string
}

// unlockScript deletes the key only while it still holds our owner value.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func NewClient(ctx context.Context, addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "addr", addr, "error", err)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	slog.Info("connected to Redis", "addr", addr)
	return Wrap(client), nil
}

// Wrap adapts an existing go-redis client.
func Wrap(client *redis.Client) *Client {
	return &Client{client: client, owner: uuid.NewString()}
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

func (c *Client) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}

// TryLock takes a lease on key for ttl. It reports false without error when
// another holder has it.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.SetNX(ctx, lockPrefix+key, c.owner, ttl)
	if err != nil {
		slog.Error("failed to acquire lease", "method", "TryLock", "key", key, "error", err)
		return false, err
	}
	return ok, nil
}

func (c *Client) Unlock(ctx context.Context, key string) error {
	if err := unlockScript.Run(ctx, c.client, []string{lockPrefix + key}, c.owner).Err(); err != nil && err != redis.Nil {
		slog.Error("failed to release lease", "method", "Unlock", "key", key, "error", err)
		return err
	}
	return nil
}

// FirstSeen records id under scope and reports whether this is its first
// delivery within ttl.
func (c *Client) FirstSeen(ctx context.Context, scope, id string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, seenPrefix+scope+":"+id, 1, ttl)
}

// Forget drops a FirstSeen marker so the id can be processed again.
func (c *Client) Forget(ctx context.Context, scope, id string) error {
	return c.Del(ctx, seenPrefix+scope+":"+id)
}

// Revoke blocks a token id until its natural expiry.
func (c *Client) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return c.Set(ctx, revokedPrefix+tokenID, 1, ttl)
}

func (c *Client) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := c.client.Exists(ctx, revokedPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
