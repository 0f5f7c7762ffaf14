package models

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore 进程内实现，用于测试与 store.driver=memory
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*ConversionJob
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*ConversionJob),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, sourceURL string) (*ConversionJob, error) {
	job := NewConversionJob(uuid.NewString(), sourceURL, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*ConversionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch, cond Condition) (*ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := cond.Check(cur); err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := ApplyPatch(next, patch, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*ConversionJob, error) {
	return s.list(func(j *ConversionJob) bool { return !j.Status.IsTerminal() }), nil
}

func (s *MemoryStore) ListStale(ctx context.Context, before time.Time) ([]*ConversionJob, error) {
	return s.list(func(j *ConversionJob) bool {
		return !j.Status.IsTerminal() && j.UpdatedAt.Before(before)
	}), nil
}

func (s *MemoryStore) list(keep func(*ConversionJob) bool) []*ConversionJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConversionJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}
