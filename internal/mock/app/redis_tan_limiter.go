package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
)

// Counts one validation and starts the window on the first one. A key that lost its expiry
// gets a fresh window instead of counting forever.
var tanValidationScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// TANValidationLimiter counts TAN validations of a PSU in one flow within a window.
type TANValidationLimiter interface {
	ConsumeTANValidation(ctx context.Context, flow flowdomain.FlowType, psuID string, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RedisTANLimiter keeps the validation counters in Redis so every mock-server replica
// enforces the same budget.
type RedisTANLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTANLimiter(client redis.UniversalClient, prefix string) *RedisTANLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "mock_server:rate_limit"
	}
	return &RedisTANLimiter{client: client, prefix: trimmedPrefix}
}

func (r *RedisTANLimiter) key(flow flowdomain.FlowType, psuID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, tanValidationScope, flow, psuID)
}

func (r *RedisTANLimiter) ConsumeTANValidation(ctx context.Context, flow flowdomain.FlowType, psuID string, window time.Duration) (int, int, error) {
	psuID = strings.TrimSpace(psuID)
	if r == nil || r.client == nil || psuID == "" || window <= 0 {
		return 0, 0, nil
	}

	// PEXPIRE below one second would let the counter reset between two clicks
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := tanValidationScript.Run(ctx, r.client, []string{r.key(flow, psuID)}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	return parseTANValidationResult(raw, windowMs)
}

// parseTANValidationResult reads the {count, pttl} reply of tanValidationScript. The retry
// hint is rounded up to whole seconds for the Retry-After header.
func parseTANValidationResult(raw interface{}, windowMs int64) (int, int, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected tan limiter reply: %T %v", raw, raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected tan limiter count: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected tan limiter ttl: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int((ttlMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(count), retryAfter, nil
}
