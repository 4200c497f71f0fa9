package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore is a JobStore held in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ JobStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID != "" {
		if _, ok := m.jobs[job.ID]; ok {
			return errors.Wrapf(ErrDuplicateJob, "id %s", job.ID)
		}
	}
	prepareNew(job, time.Now().UTC())
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.jobs[job.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "id %s", job.ID)
	}
	job.CreatedAt = old.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) UpdateRunState(_ context.Context, id string, rs RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	job = job.Clone()
	job.Status = rs.Status
	job.LastRunAt = cloneTime(rs.LastRunAt)
	job.NextRunTime = cloneTime(rs.NextRunTime)
	job.LastError = rs.LastError
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return job.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
