package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AttemptScope names the verification action being throttled.
type AttemptScope string

const (
	AttemptScopeVerify     AttemptScope = "verify"
	AttemptScopeOtpRequest AttemptScope = "otp_request"
)

// AttemptKey identifies one owner's attempts against one transfer. Keying on both means a
// caller who learns a transfer id cannot spend its owner's budget.
type AttemptKey struct {
	Scope      AttemptScope
	OwnerID    uuid.UUID
	TransferID uuid.UUID
}

// AttemptDecision is the outcome of recording one attempt.
type AttemptDecision struct {
	Attempts   int
	Allowed    bool
	RetryAfter time.Duration
}

// AttemptLimiter throttles verification attempts per transfer. Transfer rows never carry
// attempt counters.
type AttemptLimiter interface {
	ConsumeAttempt(ctx context.Context, key AttemptKey, limit int, window time.Duration) (AttemptDecision, error)
}

// SET NX opens the window; INCR keeps its TTL.
var attemptWindowScript = redis.NewScript(`
redis.call("SET", KEYS[1], "0", "PX", ARGV[1], "NX")
local attempts = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
return {attempts, ttl}
`)

// RedisAttemptLimiter counts attempts in a fixed window shared by every replica.
type RedisAttemptLimiter struct {
	client redis.Cmdable
	prefix string
}

func NewRedisAttemptLimiter(client redis.Cmdable, prefix string) *RedisAttemptLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "finora:rate_limit"
	}
	return &RedisAttemptLimiter{client: client, prefix: prefix}
}

func (l *RedisAttemptLimiter) redisKey(key AttemptKey) string {
	return fmt.Sprintf("%s:transfer_attempts:%s:%s:%s", l.prefix, key.Scope, key.OwnerID, key.TransferID)
}

// ConsumeAttempt records one attempt. Limiting is off for a nil limiter, a non-positive
// limit or window, or a key without scope, owner or transfer.
func (l *RedisAttemptLimiter) ConsumeAttempt(ctx context.Context, key AttemptKey, limit int, window time.Duration) (AttemptDecision, error) {
	if l == nil || l.client == nil || limit <= 0 || window <= 0 ||
		key.Scope == "" || key.OwnerID == uuid.Nil || key.TransferID == uuid.Nil {
		return AttemptDecision{Allowed: true}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	reply, err := attemptWindowScript.Run(ctx, l.client, []string{l.redisKey(key)}, windowMs).Int64Slice()
	if err != nil {
		return AttemptDecision{}, fmt.Errorf("consume %s attempt: %w", key.Scope, err)
	}
	if len(reply) != 2 {
		return AttemptDecision{}, fmt.Errorf("unexpected attempt window reply of length %d", len(reply))
	}

	ttl := time.Duration(reply[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Duration(windowMs) * time.Millisecond
	}
	return AttemptDecision{
		Attempts:   int(reply[0]),
		Allowed:    int(reply[0]) <= limit,
		RetryAfter: ttl,
	}, nil
}
