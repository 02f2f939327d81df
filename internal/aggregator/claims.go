package aggregator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tphakala/aedbatch/internal/errors"
)

// Claims marks chunks as in flight so that a redelivered copy is not
// processed while the first delivery is still running.
type Claims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// NopClaims grants every claim. Finalization stays idempotent through the
// chunk receipt, so claims only save duplicate work.
type NopClaims struct{}

func (NopClaims) Claim(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopClaims) Release(context.Context, string) error                      { return nil }

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaims stores claims as expiring Redis keys.
type RedisClaims struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisClaims returns claims stored under prefix. owner identifies this
// process; only the owner can release its claims.
func NewRedisClaims(client redis.UniversalClient, prefix, owner string) *RedisClaims {
	return &RedisClaims{client: client, prefix: prefix, owner: owner}
}

// Claim sets the key if it is free. It reports false when another owner
// holds it.
func (c *RedisClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, c.owner, ttl).Result()
	if err != nil {
		return false, claimError(err, "claim", key)
	}
	return ok, nil
}

// Release drops the claim if this owner still holds it.
func (c *RedisClaims) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.prefix + key}, c.owner).Err(); err != nil {
		return claimError(err, "release", key)
	}
	return nil
}

func claimError(err error, op, key string) error {
	return errors.New(err).
		Component("aggregator").
		Category(errors.CategoryNetwork).
		Context("operation", op).
		Context("key", key).
		Build()
}
