package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cutline/render/internal/model"
)

// JobTTL bounds how long job records and payloads are kept
const JobTTL = 24 * time.Hour

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrPayloadNotFound = errors.New("payload not found")
)

// JobStore persists job records and the session payloads they point to
type JobStore interface {
	SaveJob(ctx context.Context, job *model.RenderJob) error
	GetJob(ctx context.Context, jobID string) (*model.RenderJob, error)
	SavePayload(ctx context.Context, payload *model.HeadlessJobPayload) error
	GetPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error)
}

// RedisJobStore keeps jobs under job:<id> and payloads under payload:<token>
type RedisJobStore struct {
	redis *redis.Client
}

func NewRedisJobStore(redisClient *redis.Client) *RedisJobStore {
	return &RedisJobStore{redis: redisClient}
}

func (s *RedisJobStore) SaveJob(ctx context.Context, job *model.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf("job:%s", job.JobID), data, JobTTL).Err()
}

func (s *RedisJobStore) GetJob(ctx context.Context, jobID string) (*model.RenderJob, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf("job:%s", jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisJobStore) SavePayload(ctx context.Context, payload *model.HeadlessJobPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf("payload:%s", payload.Token), data, JobTTL).Err()
}

func (s *RedisJobStore) GetPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf("payload:%s", token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrPayloadNotFound
		}
		return nil, err
	}

	var payload model.HeadlessJobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// MemoryJobStore is a process-local JobStore for development without Redis
type MemoryJobStore struct {
	mu       sync.RWMutex
	jobs     map[string]memoryEntry[model.RenderJob]
	payloads map[string]memoryEntry[model.HeadlessJobPayload]
	now      func() time.Time
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:     make(map[string]memoryEntry[model.RenderJob]),
		payloads: make(map[string]memoryEntry[model.HeadlessJobPayload]),
		now:      time.Now,
	}
}

func (s *MemoryJobStore) SaveJob(ctx context.Context, job *model.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = memoryEntry[model.RenderJob]{value: *job, expiresAt: s.now().Add(JobTTL)}
	return nil
}

func (s *MemoryJobStore) GetJob(ctx context.Context, jobID string) (*model.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrJobNotFound
	}
	job := e.value
	return &job, nil
}

func (s *MemoryJobStore) SavePayload(ctx context.Context, payload *model.HeadlessJobPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[payload.Token] = memoryEntry[model.HeadlessJobPayload]{value: *payload, expiresAt: s.now().Add(JobTTL)}
	return nil
}

func (s *MemoryJobStore) GetPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.payloads[token]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, ErrPayloadNotFound
	}
	payload := e.value
	return &payload, nil
}
