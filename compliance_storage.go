package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-checkout-verifier/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrDecisionNotFound = errors.New("decision record not found")

const DefaultRetention time.Duration = 30 * 24 * time.Hour

// Should be safe to use concurrently
type ComplianceRecorder interface {
	// Persists the finalized decision. An empty Id is filled in with a new
	// one, the stored id is returned.
	RecordDecision(ctx context.Context, record models.DecisionRecord) (string, error)

	// Returns ErrDecisionNotFound when no record exists for the id.
	RetrieveDecision(ctx context.Context, id string) (models.DecisionRecord, error)
}

type InMemoryComplianceRecorder struct {
	Records map[string]models.DecisionRecord
	mutex   sync.Mutex
}

func NewInMemoryComplianceRecorder() *InMemoryComplianceRecorder {
	return &InMemoryComplianceRecorder{
		Records: make(map[string]models.DecisionRecord),
	}
}

// RedisComplianceRecorder keeps each record for the retention period and
// pushes its id on an outbox list that the durable compliance store drains.
type RedisComplianceRecorder struct {
	client    *redis.Client
	namespace string
	retention time.Duration
}

func NewRedisComplianceRecorder(client *redis.Client, namespace string, retention time.Duration) *RedisComplianceRecorder {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisComplianceRecorder{client: client, namespace: namespace, retention: retention}
}

// ------------------------------------------------------------------------------

func decisionKey(namespace, id string) string {
	return fmt.Sprintf("%s:decision:%s", namespace, id)
}

func outboxKey(namespace string) string {
	return fmt.Sprintf("%s:decisions:outbox", namespace)
}

func withRecordId(record models.DecisionRecord) models.DecisionRecord {
	if record.Id == "" {
		record.Id = uuid.NewString()
	}
	return record
}

func (s *RedisComplianceRecorder) RecordDecision(ctx context.Context, record models.DecisionRecord) (string, error) {
	record = withRecordId(record)

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal decision record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, decisionKey(s.namespace, record.Id), data, s.retention)
		pipe.RPush(ctx, outboxKey(s.namespace), record.Id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store decision record %s: %w", record.Id, err)
	}
	return record.Id, nil
}

func (s *RedisComplianceRecorder) RetrieveDecision(ctx context.Context, id string) (models.DecisionRecord, error) {
	data, err := s.client.Get(ctx, decisionKey(s.namespace, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DecisionRecord{}, ErrDecisionNotFound
	}
	if err != nil {
		return models.DecisionRecord{}, fmt.Errorf("failed to read decision record %s: %w", id, err)
	}

	var record models.DecisionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.DecisionRecord{}, fmt.Errorf("failed to decode decision record %s: %w", id, err)
	}
	return record, nil
}

// PendingDecisionIds returns the ids not yet taken from the outbox, oldest first.
func (s *RedisComplianceRecorder) PendingDecisionIds(ctx context.Context) ([]string, error) {
	return s.client.LRange(ctx, outboxKey(s.namespace), 0, -1).Result()
}

// ------------------------------------------------------------------------------

func (s *InMemoryComplianceRecorder) RecordDecision(_ context.Context, record models.DecisionRecord) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record = withRecordId(record)
	s.Records[record.Id] = record
	return record.Id, nil
}

func (s *InMemoryComplianceRecorder) RetrieveDecision(_ context.Context, id string) (models.DecisionRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if record, ok := s.Records[id]; ok {
		return record, nil
	}
	return models.DecisionRecord{}, ErrDecisionNotFound
}
