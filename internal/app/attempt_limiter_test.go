package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttemptLimiter(t *testing.T) (*RedisAttemptLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAttemptLimiter(client, "test:rl:"), mr
}

func TestAttemptLimiter_CountsWithinWindow(t *testing.T) {
	limiter, mr := newTestAttemptLimiter(t)
	ctx := context.Background()
	key := AttemptKey{Scope: AttemptScopeVerify, OwnerID: uuid.New(), TransferID: uuid.New()}

	for want := 1; want <= 3; want++ {
		decision, err := limiter.ConsumeAttempt(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, decision.Attempts)
		assert.Equal(t, want <= 2, decision.Allowed)
		assert.Equal(t, time.Minute, decision.RetryAfter)
	}

	assert.True(t, mr.Exists("test:rl:transfer_attempts:verify:"+key.OwnerID.String()+":"+key.TransferID.String()))
}

func TestAttemptLimiter_KeysOnOwnerAndTransfer(t *testing.T) {
	limiter, _ := newTestAttemptLimiter(t)
	ctx := context.Background()
	owner := AttemptKey{Scope: AttemptScopeVerify, OwnerID: uuid.New(), TransferID: uuid.New()}

	stranger := owner
	stranger.OwnerID = uuid.New()
	for i := 0; i < 5; i++ {
		_, err := limiter.ConsumeAttempt(ctx, stranger, 1, time.Minute)
		require.NoError(t, err)
	}

	decision, err := limiter.ConsumeAttempt(ctx, owner, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Attempts)

	otp := owner
	otp.Scope = AttemptScopeOtpRequest
	decision, err = limiter.ConsumeAttempt(ctx, otp, 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, decision.Attempts)
}

func TestAttemptLimiter_WindowResets(t *testing.T) {
	limiter, mr := newTestAttemptLimiter(t)
	ctx := context.Background()
	key := AttemptKey{Scope: AttemptScopeOtpRequest, OwnerID: uuid.New(), TransferID: uuid.New()}

	_, err := limiter.ConsumeAttempt(ctx, key, 1, time.Minute)
	require.NoError(t, err)
	decision, err := limiter.ConsumeAttempt(ctx, key, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	mr.FastForward(61 * time.Second)

	decision, err = limiter.ConsumeAttempt(ctx, key, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Attempts)
}

func TestAttemptLimiter_DisabledInputs(t *testing.T) {
	key := AttemptKey{Scope: AttemptScopeVerify, OwnerID: uuid.New(), TransferID: uuid.New()}

	var nilLimiter *RedisAttemptLimiter
	decision, err := nilLimiter.ConsumeAttempt(context.Background(), key, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Zero(t, decision.Attempts)

	limiter, _ := newTestAttemptLimiter(t)
	decision, err = limiter.ConsumeAttempt(context.Background(), key, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	anonymous := key
	anonymous.OwnerID = uuid.Nil
	decision, err = limiter.ConsumeAttempt(context.Background(), anonymous, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Zero(t, decision.Attempts)
}
