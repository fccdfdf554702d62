package data

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps the audit trail in process. It backs tests and
// runs where no database is configured.
type MemoryRepository struct {
	events      map[string]*EventRecord
	bySeq       map[uint64]string
	checkpoints map[string]uint64
	mu          sync.RWMutex
}

// Ensure MemoryRepository implements the Repository interface
var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:      make(map[string]*EventRecord),
		bySeq:       make(map[uint64]string),
		checkpoints: make(map[string]uint64),
	}
}

func (m *MemoryRepository) SaveEvent(ctx context.Context, rec *EventRecord) error {
	return m.SaveEvents(ctx, []*EventRecord{rec})
}

func (m *MemoryRepository) SaveEvents(_ context.Context, recs []*EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, ok := m.events[rec.ID]; ok || seen[rec.ID] {
			return ErrDuplicate
		}
		if _, ok := m.bySeq[rec.Seq]; ok {
			return ErrDuplicate
		}
		seen[rec.ID] = true
	}
	for _, rec := range recs {
		cp := *rec
		m.events[rec.ID] = &cp
		m.bySeq[rec.Seq] = rec.ID
	}
	return nil
}

func (m *MemoryRepository) GetEvent(_ context.Context, id string) (*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) ListEvents(_ context.Context, filter EventFilter) ([]*EventRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []*EventRecord
	for _, rec := range m.events {
		if filter.matches(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) LatestSeq(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest uint64
	for seq := range m.bySeq {
		if seq > latest {
			latest = seq
		}
	}
	return latest, nil
}

func (m *MemoryRepository) SaveCheckpoint(_ context.Context, sink string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.checkpoints[sink] {
		m.checkpoints[sink] = seq
	}
	return nil
}

func (m *MemoryRepository) GetCheckpoint(_ context.Context, sink string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq, ok := m.checkpoints[sink]
	if !ok {
		return 0, ErrNotFound
	}
	return seq, nil
}
