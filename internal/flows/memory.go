package flows

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySource is an in-memory Source backed by a slice of rows.
type MemorySource struct {
	mu   sync.RWMutex
	rows map[string][]Row
}

// NewMemorySource builds a source preloaded with rows.
func NewMemorySource(rows ...Row) *MemorySource {
	s := &MemorySource{rows: make(map[string][]Row)}
	s.Add(rows...)
	return s
}

func memoryKey(day time.Time, chain string) string {
	return FormatDay(day) + "|" + chain
}

// Add appends rows to the source.
func (s *MemorySource) Add(rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.Day = NormalizeDay(r.Day)
		k := memoryKey(r.Day, r.Chain)
		s.rows[k] = append(s.rows[k], r)
	}
}

// Days lists distinct days held for chain, ascending.
func (s *MemorySource) Days(chain string) []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[time.Time]struct{})
	for _, rows := range s.rows {
		for _, r := range rows {
			if r.Chain == chain {
				seen[r.Day] = struct{}{}
			}
		}
	}
	days := make([]time.Time, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// FetchFlows returns a copy of the rows stored for day and chain.
func (s *MemorySource) FetchFlows(_ context.Context, day time.Time, chain string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[memoryKey(day, chain)]
	out := make([]Row, len(rows))
	copy(out, rows)
	return out, nil
}

var _ Source = (*MemorySource)(nil)
