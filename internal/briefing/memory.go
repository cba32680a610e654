package briefing

import (
	"context"
	"sort"
	"sync"
	"time"

	"xchain-radar/internal/flows"
)

// MemoryStore keeps briefings in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Briefing
	now   func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Briefing), now: time.Now}
}

func memoryKey(day time.Time, chain string) string {
	return flows.FormatDay(day) + "|" + chain
}

// Upsert stores b, replacing any existing briefing with the same key.
func (s *MemoryStore) Upsert(_ context.Context, b Briefing) error {
	b.Day = flows.NormalizeDay(b.Day)
	b.EvidenceJSON = append([]byte(nil), b.EvidenceJSON...)
	b.CreatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[memoryKey(b.Day, b.Chain)] = b
	return nil
}

// Get returns the briefing for (day, chain) or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, day time.Time, chain string) (Briefing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[memoryKey(day, chain)]
	if !ok {
		return Briefing{}, ErrNotFound
	}
	return b, nil
}

// ListRecent returns up to limit briefings, newest day first.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Briefing, error) {
	all := s.snapshot()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Day.Equal(all[j].Day) {
			return all[i].Day.After(all[j].Day)
		}
		return all[i].Chain < all[j].Chain
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListBetween returns briefings for chain within [from, to].
func (s *MemoryStore) ListBetween(_ context.Context, chain string, from, to time.Time) ([]Briefing, error) {
	from, to = flows.NormalizeDay(from), flows.NormalizeDay(to)
	out := make([]Briefing, 0)
	for _, b := range s.snapshot() {
		if b.Chain != chain || b.Day.Before(from) || b.Day.After(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// Len reports the number of stored briefings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStore) snapshot() []Briefing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Briefing, 0, len(s.items))
	for _, b := range s.items {
		out = append(out, b)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
