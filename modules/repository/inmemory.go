package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Deepreo/jobs/job"
	"github.com/jonboulle/clockwork"
)

// InMemory is the reference job.Repository. Records are deep copied on the way in and out.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*job.Record
	clock   clockwork.Clock
}

func NewInMemory(clock clockwork.Clock) *InMemory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemory{records: make(map[string]*job.Record), clock: clock}
}

func (m *InMemory) Save(ctx context.Context, record *job.Record) (*job.Record, error) {
	r, err := prepare(record, m.clock.Now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return r.Clone(), nil
}

func (m *InMemory) Get(ctx context.Context, id string) (*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, job.NotFound(id)
	}
	return r.Clone(), nil
}

func (m *InMemory) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

func (m *InMemory) Delete(ctx context.Context, id string) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, job.NotFound(id)
	}
	delete(m.records, id)
	return r, nil
}

func (m *InMemory) FindAll(ctx context.Context) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*job.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *InMemory) FindByStatusBetweenFireTimes(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*job.Record
	for _, r := range m.records {
		if matches(r, from, to, statuses) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, byPriority)
	return out, nil
}

func (m *InMemory) Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		if err := job.ValidateMergeDelta(id, delta); err != nil {
			return nil, err
		}
		return nil, job.NotFound(id)
	}
	merged, err := merge(id, current, delta, m.clock.Now())
	if err != nil {
		return nil, err
	}
	m.records[id] = merged
	return merged.Clone(), nil
}
