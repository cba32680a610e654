package narrative

import (
	"context"
	"errors"
)

// ErrEmptyNarrative is returned when a summarizer produced no usable text.
var ErrEmptyNarrative = errors.New("narrative service returned empty text")

// Contributor is one ranked bridge/token group as presented to the narrative service.
// Monetary values are fixed-point strings.
type Contributor struct {
	Bridge           string `json:"bridge"`
	Token            string `json:"token"`
	Score            string `json:"score"`
	Anomalous        bool   `json:"anomalous"`
	NetToday         string `json:"net_usd_today"`
	NetYesterday     string `json:"net_usd_yesterday"`
	Net7dAvg         string `json:"net_usd_7d_avg"`
	DeltaVsYesterday string `json:"delta_vs_yesterday"`
	DeltaVs7dAvg     string `json:"delta_vs_7d_avg"`
	PctDeltaVs7dAvg  string `json:"pct_delta_vs_7d_avg"`
	ShareOfChainNet  string `json:"share_of_chain_net"`
	TxCount          int64  `json:"tx_count"`
	UniqueWallets    int64  `json:"unique_wallets"`
}

// Totals are the chain-level aggregates for the day.
type Totals struct {
	InUSD         string `json:"in_usd"`
	OutUSD        string `json:"out_usd"`
	NetUSD        string `json:"net_usd"`
	NetYesterday  string `json:"net_usd_yesterday"`
	Net7dAvg      string `json:"net_usd_7d_avg"`
	TxCount       int64  `json:"tx_count"`
	UniqueWallets int64  `json:"unique_wallets"`
}

// Payload is everything the narrative service is shown.
type Payload struct {
	Day             string        `json:"date"`
	Chain           string        `json:"chain"`
	HasAnomaly      bool          `json:"has_anomaly"`
	Threshold       string        `json:"threshold"`
	TopContributors []Contributor `json:"top_contributors"`
	Totals          Totals        `json:"chain_totals"`
}

// Narrative is a generated explanation and the model that wrote it.
type Narrative struct {
	Text     string
	ModelID  string
	Fallback bool
}

// Summarizer turns an evidence payload into text.
type Summarizer interface {
	Summarize(ctx context.Context, payload Payload) (Narrative, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, payload Payload) (Narrative, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, payload Payload) (Narrative, error) {
	return f(ctx, payload)
}
