package app

import (
	"context"
	"testing"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
)

func TestParseTANValidationResult(t *testing.T) {
	tests := []struct {
		name      string
		raw       interface{}
		wantCount int
		wantRetry int
		wantErr   bool
	}{
		{name: "first validation", raw: []interface{}{int64(1), int64(60000)}, wantCount: 1, wantRetry: 60},
		{name: "partial second rounds up", raw: []interface{}{int64(4), int64(1500)}, wantCount: 4, wantRetry: 2},
		{name: "window about to close", raw: []interface{}{int64(11), int64(0)}, wantCount: 11, wantRetry: 1},
		{name: "missing ttl uses window", raw: []interface{}{int64(2), int64(-1)}, wantCount: 2, wantRetry: 60},
		{name: "not an array", raw: "OK", wantErr: true},
		{name: "short array", raw: []interface{}{int64(1)}, wantErr: true},
		{name: "count as string", raw: []interface{}{"1", int64(60000)}, wantErr: true},
		{name: "ttl as string", raw: []interface{}{int64(3), "60000"}, wantCount: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, retry, err := parseTANValidationResult(tt.raw, 60000)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%t, got %v", tt.wantErr, err)
			}
			if count != tt.wantCount {
				t.Fatalf("expected count %d, got %d", tt.wantCount, count)
			}
			if !tt.wantErr && retry != tt.wantRetry {
				t.Fatalf("expected retry after %ds, got %ds", tt.wantRetry, retry)
			}
		})
	}
}

func TestRedisTANLimiter_KeyPerFlowAndPsu(t *testing.T) {
	limiter := NewRedisTANLimiter(nil, " mock_server:rate_limit: ")

	if got := limiter.key(flowdomain.FlowAIS, "PSU_001"); got != "mock_server:rate_limit:tan_validate:ais:PSU_001" {
		t.Fatalf("unexpected key %q", got)
	}
	if limiter.key(flowdomain.FlowAIS, "PSU_001") == limiter.key(flowdomain.FlowPIS, "PSU_001") {
		t.Fatalf("ais and pis validations must be counted apart")
	}
}

func TestRedisTANLimiter_WithoutClientAllowsEverything(t *testing.T) {
	limiter := NewRedisTANLimiter(nil, "")
	count, retry, err := limiter.ConsumeTANValidation(context.Background(), flowdomain.FlowAIS, "PSU_001", time.Minute)
	if err != nil || count != 0 || retry != 0 {
		t.Fatalf("expected a no-op, got count=%d retry=%d err=%v", count, retry, err)
	}
}
