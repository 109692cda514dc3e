package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jeongseonghan/pilotrx/internal/sim"
)

// MemoryStore keeps encoded reports in a map, so callers never share a
// report with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	reports     map[string][]byte
	summaries   map[string]Summary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.reports = make(map[string][]byte)
	s.summaries = make(map[string]Summary)
	return nil
}

func (s *MemoryStore) SaveReport(_ context.Context, report *sim.Report) error {
	payload, err := EncodeReport(report)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.reports[report.ID] = payload
	s.summaries[report.ID] = summarize(report)
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (*sim.Report, bool, error) {
	s.mu.RLock()
	payload, ok := s.reports[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	report, err := DecodeReport(payload)
	if err != nil {
		return nil, false, err
	}
	return report, true, nil
}

func (s *MemoryStore) ListReports(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
