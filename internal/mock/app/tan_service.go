/**
 * @description
 * This file contains the mock TAN server. It issues six digit TANs for a PSU and flow,
 * stores only their bcrypt hash, and validates entries with an attempt counter and an
 * optional per-PSU rate limit.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: TAN hashing.
 * - github.com/google/uuid: TAN and confirmation ids.
 * - github.com/redis/go-redis/v9: Shared validation counters (redis_tan_limiter.go).
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrWrongTAN         = errors.New("wrong tan")
	ErrTANLimitExceeded = errors.New("tan attempt limit exceeded")
	ErrPsuIDRequired    = errors.New("psu id is required")
	ErrTANRequired      = errors.New("tan is required")
)

// RateLimitError is returned when a PSU validates TANs too often.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many tan validations; retry after %ds", e.RetryAfterSeconds)
}

const tanValidationScope = "tan_validate"

// TANOptions tunes the mock TAN server.
type TANOptions struct {
	TTL         time.Duration
	MaxAttempts int
	ExposeTAN   bool
	// ValidateRateLimit caps validations per PSU and flow within ValidateRateLimitWindow.
	// Zero disables the limit.
	ValidateRateLimit       int
	ValidateRateLimitWindow time.Duration
	HashCost                int
}

// GeneratedTAN is the answer to a TAN generation. TAN is only set when exposing TANs is enabled.
type GeneratedTAN struct {
	ConfirmationID string `json:"confirmationId"`
	TAN            string `json:"tan,omitempty"`
}

// TANService implements TAN generation and validation.
type TANService struct {
	repo     store.Repository
	limiter  TANValidationLimiter
	opts     TANOptions
	now      func() time.Time
	generate func() (string, error)
}

// NewTANService creates the TAN service. limiter may be nil.
func NewTANService(repo store.Repository, limiter TANValidationLimiter, opts TANOptions) *TANService {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ValidateRateLimitWindow <= 0 {
		opts.ValidateRateLimitWindow = time.Minute
	}
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	return &TANService{
		repo:     repo,
		limiter:  limiter,
		opts:     opts,
		now:      time.Now,
		generate: randomTAN,
	}
}

func randomTAN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Generate issues a new TAN for the PSU and flow. Older active TANs stop being valid.
func (s *TANService) Generate(ctx context.Context, flow flowdomain.FlowType, psuID string) (*GeneratedTAN, error) {
	psuID = strings.TrimSpace(psuID)
	if psuID == "" {
		return nil, ErrPsuIDRequired
	}

	plainTAN, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate tan: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plainTAN), s.opts.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash tan: %w", err)
	}

	tan := &domain.TAN{
		ID:             uuid.NewString(),
		PsuID:          psuID,
		Flow:           flow,
		ConfirmationID: uuid.NewString(),
		Hash:           string(hash),
		ExpiresAt:      s.now().Add(s.opts.TTL),
	}
	if err := s.repo.CreateTAN(ctx, tan); err != nil {
		return nil, fmt.Errorf("failed to store tan: %w", err)
	}

	// Demo only: the PSU has no second channel, so the TAN is read from the log.
	log.Printf("level=info component=tan_service msg=\"tan generated\" psu_id=%s flow=%s confirmation_id=%s tan=%s", psuID, flow, tan.ConfirmationID, plainTAN)

	result := &GeneratedTAN{ConfirmationID: tan.ConfirmationID}
	if s.opts.ExposeTAN {
		result.TAN = plainTAN
	}
	return result, nil
}

// Validate checks a TAN entered for a consent of the PSU.
func (s *TANService) Validate(ctx context.Context, flow flowdomain.FlowType, psuID, consentID, entered string) error {
	psuID = strings.TrimSpace(psuID)
	entered = strings.TrimSpace(entered)
	if psuID == "" {
		return ErrPsuIDRequired
	}
	if entered == "" {
		return ErrTANRequired
	}

	if s.limiter != nil && s.opts.ValidateRateLimit > 0 {
		count, retryAfter, err := s.limiter.ConsumeTANValidation(ctx, flow, psuID, s.opts.ValidateRateLimitWindow)
		if err != nil {
			log.Printf("level=warn component=tan_service msg=\"tan limiter unavailable; allowing validation\" psu_id=%s flow=%s err=%v", psuID, flow, err)
		} else if count > s.opts.ValidateRateLimit {
			log.Printf("level=warn component=tan_service msg=\"tan validations rate limited\" psu_id=%s flow=%s count=%d retry_after=%d", psuID, flow, count, retryAfter)
			return &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	if consentID = strings.TrimSpace(consentID); consentID != "" {
		consent, err := s.repo.GetConsent(ctx, consentID)
		if err != nil {
			return err
		}
		if consent.PsuID != psuID || consent.Flow != flow {
			return store.ErrConsentNotFound
		}
	}

	tan, err := s.repo.FindLatestTAN(ctx, psuID, flow)
	if err != nil {
		return err
	}
	switch {
	case tan.Status == domain.TANStatusInvalidated && tan.Attempts >= s.opts.MaxAttempts:
		return ErrTANLimitExceeded
	case tan.Status != domain.TANStatusActive:
		return store.ErrTANNotFound
	case s.now().After(tan.ExpiresAt):
		return store.ErrTANNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tan.Hash), []byte(entered)); err != nil {
		updated, recordErr := s.repo.RecordTANFailure(ctx, tan.ID, s.opts.MaxAttempts)
		if recordErr != nil {
			return fmt.Errorf("failed to record wrong tan: %w", recordErr)
		}
		log.Printf("level=info component=tan_service msg=\"wrong tan\" psu_id=%s flow=%s attempts=%d max_attempts=%d", psuID, flow, updated.Attempts, s.opts.MaxAttempts)
		return ErrWrongTAN
	}

	if err := s.repo.MarkTANUsed(ctx, tan.ID); err != nil {
		return err
	}
	log.Printf("level=info component=tan_service msg=\"tan validated\" psu_id=%s flow=%s confirmation_id=%s", psuID, flow, tan.ConfirmationID)
	return nil
}
