package evidence

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrailingDays is the fixed length of the baseline window ending the day before the target day.
const TrailingDays = 7

// Row holds the contrast evidence for one (bridge, token) group.
type Row struct {
	Bridge string
	Token  string

	NetToday         decimal.Decimal
	NetYesterday     decimal.Decimal
	Net7dAvg         decimal.Decimal
	DeltaVsYesterday decimal.Decimal
	DeltaVs7dAvg     decimal.Decimal
	PctDeltaVs7dAvg  decimal.Decimal

	InToday         decimal.Decimal
	OutToday        decimal.Decimal
	TxCount         int64
	UniqueWallets   int64
	ShareOfChainNet decimal.Decimal
}

// Totals aggregates the emitted groups for the target day.
type Totals struct {
	InUSD         decimal.Decimal
	OutUSD        decimal.Decimal
	NetUSD        decimal.Decimal
	NetYesterday  decimal.Decimal
	Net7dAvg      decimal.Decimal
	TxCount       int64
	UniqueWallets int64
}

// Bundle is the evidence for one (day, chain). It is built per request and never stored directly.
type Bundle struct {
	Day    time.Time
	Chain  string
	Rows   []Row
	Totals Totals
}
