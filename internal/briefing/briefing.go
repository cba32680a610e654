package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"xchain-radar/internal/flows"
)

// ErrNotFound is returned when no briefing exists for a (day, chain) key.
var ErrNotFound = errors.New("briefing not found")

// Briefing is the stored explanation of one chain's day.
type Briefing struct {
	Day              time.Time
	Chain            string
	ModelID          string
	SummaryText      string
	EvidenceJSON     json.RawMessage
	HasAnomaly       bool
	EvidenceRowCount int
	// Fallback is set when the narrative came from the degraded summarizer.
	Fallback  bool
	CreatedAt time.Time
}

// DayString formats Day as YYYY-MM-DD.
func (b Briefing) DayString() string {
	return flows.FormatDay(b.Day)
}

// Store persists briefings keyed by (day, chain). Upsert overwrites.
type Store interface {
	Upsert(ctx context.Context, b Briefing) error
	Get(ctx context.Context, day time.Time, chain string) (Briefing, error)
	ListRecent(ctx context.Context, limit int) ([]Briefing, error)
	// ListBetween returns briefings for chain with from <= day <= to, oldest first.
	ListBetween(ctx context.Context, chain string, from, to time.Time) ([]Briefing, error)
}
