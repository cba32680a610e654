package briefing

import (
	"github.com/shopspring/decimal"

	"xchain-radar/internal/anomaly"
	"xchain-radar/internal/evidence"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/narrative"
)

// Snapshot is the JSON form of an evidence bundle and its verdict stored with a briefing.
type Snapshot struct {
	Day              string                  `json:"date"`
	Chain            string                  `json:"chain"`
	HasAnomaly       bool                    `json:"has_anomaly"`
	Threshold        string                  `json:"threshold"`
	MaterialityFloor string                  `json:"materiality_floor"`
	Totals           narrative.Totals        `json:"chain_totals"`
	Rows             []narrative.Contributor `json:"rows"`
}

func usd(d decimal.Decimal) string   { return d.StringFixed(2) }
func ratio(d decimal.Decimal) string { return d.StringFixed(6) }

// NewSnapshot renders bundle rows in bundle order, annotated with the verdict's scores.
func NewSnapshot(bundle evidence.Bundle, verdict anomaly.Verdict) Snapshot {
	scored := make(map[flows.Key]anomaly.Contributor, len(verdict.RankedContributors))
	for _, c := range verdict.RankedContributors {
		scored[flows.Key{Bridge: c.Bridge, Token: c.Token}] = c
	}

	rows := make([]narrative.Contributor, 0, len(bundle.Rows))
	for _, r := range bundle.Rows {
		rows = append(rows, contributorView(r, scored[flows.Key{Bridge: r.Bridge, Token: r.Token}]))
	}

	return Snapshot{
		Day:              flows.FormatDay(bundle.Day),
		Chain:            bundle.Chain,
		HasAnomaly:       verdict.HasAnomaly,
		Threshold:        ratio(verdict.ThresholdUsed),
		MaterialityFloor: usd(verdict.MaterialityFloor),
		Totals:           totalsView(bundle.Totals),
		Rows:             rows,
	}
}

// NewPayload selects the top k ranked contributors for the narrative service.
func NewPayload(bundle evidence.Bundle, verdict anomaly.Verdict, k int) narrative.Payload {
	byKey := make(map[flows.Key]evidence.Row, len(bundle.Rows))
	for _, r := range bundle.Rows {
		byKey[flows.Key{Bridge: r.Bridge, Token: r.Token}] = r
	}

	top := verdict.Top(k)
	contributors := make([]narrative.Contributor, 0, len(top))
	for _, c := range top {
		contributors = append(contributors, contributorView(byKey[flows.Key{Bridge: c.Bridge, Token: c.Token}], c))
	}

	return narrative.Payload{
		Day:             flows.FormatDay(bundle.Day),
		Chain:           bundle.Chain,
		HasAnomaly:      verdict.HasAnomaly,
		Threshold:       ratio(verdict.ThresholdUsed),
		TopContributors: contributors,
		Totals:          totalsView(bundle.Totals),
	}
}

func contributorView(r evidence.Row, c anomaly.Contributor) narrative.Contributor {
	return narrative.Contributor{
		Bridge:           r.Bridge,
		Token:            r.Token,
		Score:            ratio(c.Score),
		Anomalous:        c.Anomalous,
		NetToday:         usd(r.NetToday),
		NetYesterday:     usd(r.NetYesterday),
		Net7dAvg:         usd(r.Net7dAvg),
		DeltaVsYesterday: usd(r.DeltaVsYesterday),
		DeltaVs7dAvg:     usd(r.DeltaVs7dAvg),
		PctDeltaVs7dAvg:  ratio(r.PctDeltaVs7dAvg),
		ShareOfChainNet:  ratio(r.ShareOfChainNet),
		TxCount:          r.TxCount,
		UniqueWallets:    r.UniqueWallets,
	}
}

func totalsView(t evidence.Totals) narrative.Totals {
	return narrative.Totals{
		InUSD:         usd(t.InUSD),
		OutUSD:        usd(t.OutUSD),
		NetUSD:        usd(t.NetUSD),
		NetYesterday:  usd(t.NetYesterday),
		Net7dAvg:      usd(t.Net7dAvg),
		TxCount:       t.TxCount,
		UniqueWallets: t.UniqueWallets,
	}
}
