package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/consent-flow/internal/flow/domain"
)

// RedisSessionStore keeps flow sessions in Redis so several flow-service replicas can share them.
// Replicas must also share a RedisSessionLocker to serialize actions on one session.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "consent_flow:session"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &RedisSessionStore{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (s *RedisSessionStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
