package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
)

// FlowEventPattern binds the action log to every flow outcome.
const FlowEventPattern = "consent.flow.*"

// ConsentActionConsumer records flow outcomes published by the flow-service in the
// consent audit trail.
type ConsentActionConsumer struct {
	repo store.Repository
}

func NewConsentActionConsumer(repo store.Repository) *ConsentActionConsumer {
	return &ConsentActionConsumer{repo: repo}
}

// HandleMessage returns false only when the message should be retried.
func (c *ConsentActionConsumer) HandleMessage(routingKey string, body []byte) bool {
	var event flowdomain.FlowEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=consent_action_consumer msg=\"failed to unmarshal payload; dropping\" routing_key=%s err=%v", routingKey, err)
		return true
	}
	if strings.TrimSpace(event.ConsentID) == "" {
		log.Printf("level=warn component=consent_action_consumer msg=\"event without consent id; dropping\" routing_key=%s", routingKey)
		return true
	}

	action := string(event.State)
	if action == "" {
		action = strings.TrimPrefix(routingKey, "consent.flow.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.repo.RecordConsentAction(ctx, domain.ConsentAction{
		ConsentID:  event.ConsentID,
		SessionID:  event.SessionID,
		PsuID:      event.PsuID,
		Action:     action,
		Reason:     event.Reason,
		Attempts:   event.Attempts,
		OccurredAt: event.OccurredAt,
	})
	if err != nil {
		log.Printf("level=error component=consent_action_consumer msg=\"failed to record consent action\" consent_id=%s err=%v", event.ConsentID, err)
		return false
	}
	return true
}
