/**
 * @description
 * Scheduled job implementations for the mock-server.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
	"github.com/transfa/consent-flow/pkg/rabbitmq"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, publisher rabbitmq.Publisher, logger *slog.Logger) *Jobs {
	return &Jobs{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// ExpireConsents flips consents past their validity to EXPIRED.
func (j *Jobs) ExpireConsents() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.now()
	expired, err := j.repo.ExpireConsents(ctx, now)
	if err != nil {
		j.logger.Error("failed to expire consents", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	for i := range expired {
		consent := expired[i]
		previous := consent.Status
		consent.Status = flowdomain.ConsentStatusExpired
		publishConsentStatus(ctx, j.publisher, &consent, previous, now)
	}
	j.logger.Info("consent expiry job finished", "expired", len(expired))
}
