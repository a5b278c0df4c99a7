package lease_test

import (
	"context"
	"testing"
	"time"

	"PerpLiquidator/internal/lease"
	"PerpLiquidator/internal/testutil"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) redis.UniversalClient {
	t.Helper()
	testutil.RequireIntegration(t)
	client, err := lease.Connect(context.Background(), testutil.TestRedisAddr(), zerolog.Nop())
	if err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisClaimer_Exclusive(t *testing.T) {
	client := connect(t)
	ctx := context.Background()
	acct := testutil.Key(byte(time.Now().UnixNano()))

	a := lease.NewRedisClaimer(client, "replica-a", time.Minute)
	b := lease.NewRedisClaimer(client, "replica-b", time.Minute)
	defer a.Release(ctx, acct)

	ok, err := a.Claim(ctx, acct)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, acct)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must not claim a held account")

	ok, err = a.Claim(ctx, acct)
	require.NoError(t, err)
	assert.True(t, ok, "owner re-claim extends")

	// b cannot release a's claim
	require.NoError(t, b.Release(ctx, acct))
	ok, _ = b.Claim(ctx, acct)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, acct))
	ok, err = b.Claim(ctx, acct)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, acct))
}

func TestRedisClaimer_Expires(t *testing.T) {
	client := connect(t)
	ctx := context.Background()
	acct := testutil.Key(0xC1)

	a := lease.NewRedisClaimer(client, "replica-a", 50*time.Millisecond)
	b := lease.NewRedisClaimer(client, "replica-b", time.Minute)
	defer b.Release(ctx, acct)

	ok, err := a.Claim(ctx, acct)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := b.Claim(ctx, acct)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}
