package anomaly

import (
	"sort"

	"github.com/shopspring/decimal"

	"xchain-radar/internal/evidence"
)

var (
	// DefaultThreshold flags a 50% swing against the 7-day baseline.
	DefaultThreshold = decimal.RequireFromString("0.5")
	// DefaultMaterialityFloor ignores groups whose combined |avg|+|today| is at most 10k USD.
	DefaultMaterialityFloor = decimal.NewFromInt(10_000)
)

// Options parameterise classification.
type Options struct {
	Threshold        decimal.Decimal
	MaterialityFloor decimal.Decimal
}

// DefaultOptions returns the stock threshold and floor.
func DefaultOptions() Options {
	return Options{Threshold: DefaultThreshold, MaterialityFloor: DefaultMaterialityFloor}
}

// Contributor is a ranked evidence group.
type Contributor struct {
	Bridge          string
	Token           string
	Score           decimal.Decimal
	PctDeltaVs7dAvg decimal.Decimal
	DeltaVs7dAvg    decimal.Decimal
	Anomalous       bool
}

// Verdict is the classifier output.
type Verdict struct {
	HasAnomaly         bool
	RankedContributors []Contributor
	ThresholdUsed      decimal.Decimal
	MaterialityFloor   decimal.Decimal
}

// Top returns at most k leading contributors.
func (v Verdict) Top(k int) []Contributor {
	if k <= 0 || k >= len(v.RankedContributors) {
		return v.RankedContributors
	}
	return v.RankedContributors[:k]
}

// AnomalousCount counts contributors over threshold and floor.
func (v Verdict) AnomalousCount() int {
	n := 0
	for _, c := range v.RankedContributors {
		if c.Anomalous {
			n++
		}
	}
	return n
}

// Classify ranks every group of the bundle and decides whether the day is anomalous.
// It has no side effects; identical inputs give identical verdicts.
func Classify(bundle evidence.Bundle, opts Options) Verdict {
	if opts.Threshold.IsNegative() {
		opts.Threshold = decimal.Zero
	}

	verdict := Verdict{
		RankedContributors: make([]Contributor, 0, len(bundle.Rows)),
		ThresholdUsed:      opts.Threshold,
		MaterialityFloor:   opts.MaterialityFloor,
	}

	for _, r := range bundle.Rows {
		score := r.PctDeltaVs7dAvg.Abs()
		material := r.Net7dAvg.Abs().Add(r.NetToday.Abs()).GreaterThan(opts.MaterialityFloor)
		c := Contributor{
			Bridge:          r.Bridge,
			Token:           r.Token,
			Score:           score,
			PctDeltaVs7dAvg: r.PctDeltaVs7dAvg,
			DeltaVs7dAvg:    r.DeltaVs7dAvg,
			Anomalous:       material && score.GreaterThanOrEqual(opts.Threshold),
		}
		if c.Anomalous {
			verdict.HasAnomaly = true
		}
		verdict.RankedContributors = append(verdict.RankedContributors, c)
	}

	sort.SliceStable(verdict.RankedContributors, func(i, j int) bool {
		return less(verdict.RankedContributors[i], verdict.RankedContributors[j])
	})
	return verdict
}

// less orders by score desc, |delta| desc, bridge asc, token asc.
func less(a, b Contributor) bool {
	if c := a.Score.Cmp(b.Score); c != 0 {
		return c > 0
	}
	if c := a.DeltaVs7dAvg.Abs().Cmp(b.DeltaVs7dAvg.Abs()); c != 0 {
		return c > 0
	}
	if a.Bridge != b.Bridge {
		return a.Bridge < b.Bridge
	}
	return a.Token < b.Token
}
