package app

import (
	"context"
	"errors"
	"testing"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
	"golang.org/x/crypto/bcrypt"
)

type limiterStub struct {
	count      int
	retryAfter int
	err        error

	lastFlow   flowdomain.FlowType
	lastPsu    string
	lastWindow time.Duration
}

func (l *limiterStub) ConsumeTANValidation(ctx context.Context, flow flowdomain.FlowType, psuID string, window time.Duration) (int, int, error) {
	l.count++
	l.lastFlow, l.lastPsu, l.lastWindow = flow, psuID, window
	return l.count, l.retryAfter, l.err
}

func newTestTANService(repo *bankRepoStub, limiter TANValidationLimiter, opts TANOptions) *TANService {
	opts.HashCost = bcrypt.MinCost
	service := NewTANService(repo, limiter, opts)
	service.generate = func() (string, error) { return "123456", nil }
	return service
}

func TestGenerate_ExposesTANOnlyWhenEnabled(t *testing.T) {
	ctx := context.Background()

	hidden, err := newTestTANService(newBankRepoStub(), nil, TANOptions{}).Generate(ctx, flowdomain.FlowAIS, "PSU_001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hidden.TAN != "" || hidden.ConfirmationID == "" {
		t.Fatalf("unexpected response: %+v", hidden)
	}

	exposed, err := newTestTANService(newBankRepoStub(), nil, TANOptions{ExposeTAN: true}).Generate(ctx, flowdomain.FlowAIS, "PSU_001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exposed.TAN != "123456" {
		t.Fatalf("expected exposed tan, got %+v", exposed)
	}
}

func TestGenerate_StoresHashOnly(t *testing.T) {
	repo := newBankRepoStub()
	service := newTestTANService(repo, nil, TANOptions{})
	if _, err := service.Generate(context.Background(), flowdomain.FlowAIS, "PSU_001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.tans) != 1 || repo.tans[0].Hash == "123456" {
		t.Fatalf("expected a hashed tan, got %+v", repo.tans)
	}
}

func TestValidate_CorrectTAN(t *testing.T) {
	repo := newBankRepoStub()
	service := newTestTANService(repo, nil, TANOptions{})
	ctx := context.Background()
	if _, err := service.Generate(ctx, flowdomain.FlowAIS, "PSU_001"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456"); !errors.Is(err, store.ErrTANNotFound) {
		t.Fatalf("a used tan must not validate twice, got %v", err)
	}
}

func TestValidate_WrongTANUntilLimit(t *testing.T) {
	repo := newBankRepoStub()
	service := newTestTANService(repo, nil, TANOptions{MaxAttempts: 3})
	ctx := context.Background()
	if _, err := service.Generate(ctx, flowdomain.FlowAIS, "PSU_001"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "000000"); !errors.Is(err, ErrWrongTAN) {
			t.Fatalf("attempt %d: expected ErrWrongTAN, got %v", attempt, err)
		}
	}
	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456"); !errors.Is(err, ErrTANLimitExceeded) {
		t.Fatalf("expected ErrTANLimitExceeded after exhausting attempts, got %v", err)
	}
}

func TestValidate_NewTANSupersedesOld(t *testing.T) {
	repo := newBankRepoStub()
	service := newTestTANService(repo, nil, TANOptions{})
	ctx := context.Background()

	_, _ = service.Generate(ctx, flowdomain.FlowAIS, "PSU_001")
	service.generate = func() (string, error) { return "654321", nil }
	_, _ = service.Generate(ctx, flowdomain.FlowAIS, "PSU_001")

	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456"); !errors.Is(err, ErrWrongTAN) {
		t.Fatalf("old tan must not validate, got %v", err)
	}
	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "654321"); err != nil {
		t.Fatalf("new tan should validate: %v", err)
	}
}

func TestValidate_ExpiredTAN(t *testing.T) {
	repo := newBankRepoStub()
	service := newTestTANService(repo, nil, TANOptions{TTL: time.Minute})
	ctx := context.Background()
	_, _ = service.Generate(ctx, flowdomain.FlowAIS, "PSU_001")

	service.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456"); !errors.Is(err, store.ErrTANNotFound) {
		t.Fatalf("expected ErrTANNotFound for an expired tan, got %v", err)
	}
}

func TestValidate_ForeignConsent(t *testing.T) {
	repo := newBankRepoStub()
	service := newTestTANService(repo, nil, TANOptions{})
	ctx := context.Background()
	_, _ = service.Generate(ctx, flowdomain.FlowAIS, "PSU_002")

	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_002", "c1", "123456"); !errors.Is(err, store.ErrConsentNotFound) {
		t.Fatalf("expected ErrConsentNotFound, got %v", err)
	}
}

func TestValidate_RateLimited(t *testing.T) {
	repo := newBankRepoStub()
	limiter := &limiterStub{count: 5, retryAfter: 42}
	service := newTestTANService(repo, limiter, TANOptions{ValidateRateLimit: 5, ValidateRateLimitWindow: 30 * time.Second})
	ctx := context.Background()
	_, _ = service.Generate(ctx, flowdomain.FlowAIS, "PSU_001")

	err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456")
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) || rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected RateLimitError with retry after 42s, got %v", err)
	}
	if limiter.lastFlow != flowdomain.FlowAIS || limiter.lastPsu != "PSU_001" || limiter.lastWindow != 30*time.Second {
		t.Fatalf("unexpected limiter call: flow=%s psu=%s window=%s", limiter.lastFlow, limiter.lastPsu, limiter.lastWindow)
	}
	if repo.tans[0].Attempts != 0 {
		t.Fatalf("a rate limited validation must not spend an attempt")
	}
}

func TestValidate_RateLimitWindowDefaultsToOneMinute(t *testing.T) {
	limiter := &limiterStub{}
	service := newTestTANService(newBankRepoStub(), limiter, TANOptions{ValidateRateLimit: 5})
	ctx := context.Background()
	_, _ = service.Generate(ctx, flowdomain.FlowPIS, "PSU_001")

	_ = service.Validate(ctx, flowdomain.FlowPIS, "PSU_001", "", "123456")
	if limiter.lastWindow != time.Minute || limiter.lastFlow != flowdomain.FlowPIS {
		t.Fatalf("unexpected limiter call: flow=%s window=%s", limiter.lastFlow, limiter.lastWindow)
	}
}

func TestValidate_LimiterFailureAllowsValidation(t *testing.T) {
	repo := newBankRepoStub()
	limiter := &limiterStub{err: errStub}
	service := newTestTANService(repo, limiter, TANOptions{ValidateRateLimit: 5})
	ctx := context.Background()
	_, _ = service.Generate(ctx, flowdomain.FlowAIS, "PSU_001")

	if err := service.Validate(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "123456"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
