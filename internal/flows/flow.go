package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout is the canonical textual form of a calendar day.
const DayLayout = "2006-01-02"

// Row is one daily aggregate for a (chain, bridge, token) triple as written by the flow aggregator.
type Row struct {
	Day           time.Time
	Chain         string
	Bridge        string
	Token         string
	InUSD         decimal.Decimal
	OutUSD        decimal.Decimal
	NetUSD        decimal.Decimal
	TxCount       int64
	UniqueWallets int64
}

// Key identifies a row within a single day and chain.
type Key struct {
	Bridge string
	Token  string
}

// Key returns the grouping key of the row.
func (r Row) Key() Key {
	return Key{Bridge: r.Bridge, Token: r.Token}
}

// Source reads daily aggregates. Implementations never mutate rows.
type Source interface {
	FetchFlows(ctx context.Context, day time.Time, chain string) ([]Row, error)
}

// NormalizeDay truncates t to midnight UTC of its calendar date.
func NormalizeDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders a day as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return NormalizeDay(t).Format(DayLayout)
}

// Yesterday returns the calendar day before now in loc.
func Yesterday(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}
