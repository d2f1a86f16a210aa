package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) Complete(_ context.Context, id string, outcome domain.JobOutcome) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = domain.JobStatusSucceeded
		job.OutputBucket = outcome.OutputBucket
		job.OutputKey = outcome.OutputKey
		job.Width = outcome.Width
		job.Height = outcome.Height
		job.PersonPixels = outcome.PersonPixels
		job.Saturated = outcome.Saturated
		job.FailureStage = ""
		job.FailureMessage = ""
		completed := job.UpdatedAt
		job.CompletedAt = &completed
	})
}

func (s *MemoryJobStore) Fail(_ context.Context, id, stage, message string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = domain.JobStatusFailed
		job.FailureStage = stage
		job.FailureMessage = message
		completed := job.UpdatedAt
		job.CompletedAt = &completed
	})
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) update(id string, mutate func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	job.UpdatedAt = s.now().UTC()
	mutate(&job)
	s.jobs[id] = job
	return job, nil
}
