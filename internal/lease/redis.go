// Package lease implements fleet claims on Redis so liquidator replicas do
// not submit for the same account at the same time.
package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const keyPrefix = "liquidator:claim:"

// compare-and-delete: only the owner may release
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer holds per-account claims as SET NX PX keys. A claim expires
// after ttl if its owner dies mid-submission.
type RedisClaimer struct {
	client redis.UniversalClient
	owner  string
	ttl    time.Duration
}

func NewRedisClaimer(client redis.UniversalClient, owner string, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{client: client, owner: owner, ttl: ttl}
}

// Connect opens a client for a comma-separated address list (one address
// for a single node, several for a cluster) and pings it.
func Connect(ctx context.Context, addrs string, log zerolog.Logger) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: strings.Split(addrs, ","),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addrs, err)
	}
	log.Info().Str("addrs", addrs).Msg("redis connected")
	return client, nil
}

func key(account solana.PublicKey) string {
	return keyPrefix + account.String()
}

// Claim implements core.Claimer. Re-claiming an account this owner already
// holds extends it.
func (c *RedisClaimer) Claim(ctx context.Context, account solana.PublicKey) (bool, error) {
	ok, err := c.client.SetNX(ctx, key(account), c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", account, err)
	}
	if ok {
		return true, nil
	}

	holder, err := c.client.Get(ctx, key(account)).Result()
	if err == redis.Nil {
		// expired between SETNX and GET
		return c.client.SetNX(ctx, key(account), c.owner, c.ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", account, err)
	}
	if holder != c.owner {
		return false, nil
	}
	if err := c.client.PExpire(ctx, key(account), c.ttl).Err(); err != nil {
		return false, fmt.Errorf("extend claim %s: %w", account, err)
	}
	return true, nil
}

// Release implements core.Claimer. Releasing a claim held by another owner
// is a no-op.
func (c *RedisClaimer) Release(ctx context.Context, account solana.PublicKey) error {
	if err := releaseScript.Run(ctx, c.client, []string{key(account)}, c.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", account, err)
	}
	return nil
}
