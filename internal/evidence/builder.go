package evidence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"xchain-radar/internal/flows"
	"xchain-radar/internal/retry"
)

// ErrNoData is returned when the target day has no aggregated rows yet.
var ErrNoData = errors.New("no flow data for day")

// DefaultEpsilon floors the baseline denominator, in USD.
var DefaultEpsilon = decimal.NewFromInt(1)

var trailingDivisor = decimal.NewFromInt(TrailingDays)

// Options tune the builder.
type Options struct {
	Epsilon decimal.Decimal
	Retry   retry.Policy
}

// Builder reads flows for D, D-1 and the trailing window and computes contrast evidence.
type Builder struct {
	source flows.Source
	opts   Options
	logger zerolog.Logger
}

// NewBuilder constructs an evidence builder over source.
func NewBuilder(source flows.Source, opts Options, logger zerolog.Logger) *Builder {
	if !opts.Epsilon.IsPositive() {
		opts.Epsilon = DefaultEpsilon
	}
	return &Builder{
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "evidence_builder").Logger(),
	}
}

// Build fetches the target day first so that a missing day fails before any history is read.
func (b *Builder) Build(ctx context.Context, day time.Time, chain string) (Bundle, error) {
	day = flows.NormalizeDay(day)

	today, err := b.fetch(ctx, day, chain)
	if err != nil {
		return Bundle{}, err
	}
	if len(today) == 0 {
		return Bundle{}, fmt.Errorf("%w: %s %s", ErrNoData, flows.FormatDay(day), chain)
	}

	rows := today
	for offset := 1; offset <= TrailingDays; offset++ {
		past, err := b.fetch(ctx, day.AddDate(0, 0, -offset), chain)
		if err != nil {
			return Bundle{}, err
		}
		rows = append(rows, past...)
	}

	bundle, err := FromRows(day, chain, rows, b.opts.Epsilon)
	if err != nil {
		return Bundle{}, err
	}
	b.logger.Debug().Str("day", flows.FormatDay(day)).Str("chain", chain).
		Int("groups", len(bundle.Rows)).Str("net_usd", bundle.Totals.NetUSD.StringFixed(2)).
		Msg("evidence built")
	return bundle, nil
}

func (b *Builder) fetch(ctx context.Context, day time.Time, chain string) ([]flows.Row, error) {
	var rows []flows.Row
	err := retry.Do(ctx, b.opts.Retry, "fetch flows", func(ctx context.Context) error {
		var fetchErr error
		rows, fetchErr = b.source.FetchFlows(ctx, day, chain)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch flows for %s: %w", flows.FormatDay(day), err)
	}
	return rows, nil
}

type accumulator struct {
	today, yesterday, windowSum decimal.Decimal
	in, out                     decimal.Decimal
	txs, wallets                int64
}

// FromRows computes a bundle from raw rows spanning D-7..D. Rows outside that range or for
// another chain are ignored; duplicate keys within a day are summed.
func FromRows(day time.Time, chain string, rows []flows.Row, epsilon decimal.Decimal) (Bundle, error) {
	day = flows.NormalizeDay(day)
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}

	groups := make(map[flows.Key]*accumulator)
	seenToday := false
	for _, r := range rows {
		if r.Chain != chain {
			continue
		}
		offset := int(day.Sub(flows.NormalizeDay(r.Day)).Hours() / 24)
		if offset < 0 || offset > TrailingDays {
			continue
		}
		acc, ok := groups[r.Key()]
		if !ok {
			acc = &accumulator{}
			groups[r.Key()] = acc
		}
		switch offset {
		case 0:
			seenToday = true
			acc.today = acc.today.Add(r.NetUSD)
			acc.in = acc.in.Add(r.InUSD)
			acc.out = acc.out.Add(r.OutUSD)
			acc.txs += r.TxCount
			acc.wallets += r.UniqueWallets
		case 1:
			acc.yesterday = acc.yesterday.Add(r.NetUSD)
			acc.windowSum = acc.windowSum.Add(r.NetUSD)
		default:
			acc.windowSum = acc.windowSum.Add(r.NetUSD)
		}
	}
	if !seenToday {
		return Bundle{}, fmt.Errorf("%w: %s %s", ErrNoData, flows.FormatDay(day), chain)
	}

	bundle := Bundle{Day: day, Chain: chain, Rows: make([]Row, 0, len(groups))}
	for key, acc := range groups {
		avg := acc.windowSum.Div(trailingDivisor)
		deltaAvg := acc.today.Sub(avg)
		bundle.Rows = append(bundle.Rows, Row{
			Bridge:           key.Bridge,
			Token:            key.Token,
			NetToday:         acc.today,
			NetYesterday:     acc.yesterday,
			Net7dAvg:         avg,
			DeltaVsYesterday: acc.today.Sub(acc.yesterday),
			DeltaVs7dAvg:     deltaAvg,
			PctDeltaVs7dAvg:  deltaAvg.Div(decimal.Max(avg.Abs(), epsilon)),
			InToday:          acc.in,
			OutToday:         acc.out,
			TxCount:          acc.txs,
			UniqueWallets:    acc.wallets,
		})

		bundle.Totals.InUSD = bundle.Totals.InUSD.Add(acc.in)
		bundle.Totals.OutUSD = bundle.Totals.OutUSD.Add(acc.out)
		bundle.Totals.NetUSD = bundle.Totals.NetUSD.Add(acc.today)
		bundle.Totals.NetYesterday = bundle.Totals.NetYesterday.Add(acc.yesterday)
		bundle.Totals.Net7dAvg = bundle.Totals.Net7dAvg.Add(avg)
		bundle.Totals.TxCount += acc.txs
		bundle.Totals.UniqueWallets += acc.wallets
	}

	if !bundle.Totals.NetUSD.IsZero() {
		for i := range bundle.Rows {
			bundle.Rows[i].ShareOfChainNet = bundle.Rows[i].NetToday.Div(bundle.Totals.NetUSD)
		}
	}

	sort.Slice(bundle.Rows, func(i, j int) bool {
		a, b := bundle.Rows[i], bundle.Rows[j]
		if c := a.NetToday.Abs().Cmp(b.NetToday.Abs()); c != 0 {
			return c > 0
		}
		if a.Bridge != b.Bridge {
			return a.Bridge < b.Bridge
		}
		return a.Token < b.Token
	})

	return bundle, nil
}
