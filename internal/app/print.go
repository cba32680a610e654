package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"xchain-radar/internal/anomaly"
	"xchain-radar/internal/briefing"
	"xchain-radar/internal/commitment"
	"xchain-radar/internal/storage"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

func printBriefing(b briefing.Briefing) {
	fmt.Fprintf(stdout, "day: %s  chain: %s  model: %s  anomaly: %t  rows: %d  fallback: %t\n\n",
		b.DayString(), b.Chain, b.ModelID, b.HasAnomaly, b.EvidenceRowCount, b.Fallback)
	fmt.Fprintln(stdout, b.SummaryText)
	fmt.Fprintln(stdout)
}

func printVerdict(v anomaly.Verdict) {
	top := v.Top(10)
	if len(top) == 0 {
		return
	}
	writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bridge\tToken\tScore\tvs7d%\tΔ7d USD\tAnomalous")
	for _, c := range top {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%t\n",
			c.Bridge, c.Token, c.Score.StringFixed(4), c.PctDeltaVs7dAvg.StringFixed(4),
			c.DeltaVs7dAvg.StringFixed(2), c.Anomalous)
	}
	writer.Flush()
	fmt.Fprintln(stdout)
}

func printCommitment(res commitment.Result) {
	line := fmt.Sprintf("%s %s  status=%s  hash=%s", res.Record.DayString(), res.Record.Chain, res.Status, res.Record.SummaryHash.Hex())
	if res.Receipt.TxID != "" {
		line += "  tx=" + res.Receipt.TxID
	}
	if res.Previous != (common.Hash{}) {
		line += "  superseded=" + res.Previous.Hex()
	}
	fmt.Fprintln(stdout, line)
}

func printVerification(b briefing.Briefing, v commitment.Verification) {
	state := "MISSING"
	switch {
	case v.Match():
		state = "MATCH"
	case v.Found:
		state = "MISMATCH"
	}
	fmt.Fprintf(stdout, "%s %s  %s\n  key:       %s\n  expected:  %s\n", b.DayString(), b.Chain, state, v.Key.Hex(), v.Expected.Hex())
	if v.Found {
		fmt.Fprintf(stdout, "  on ledger: %s\n", v.OnLedger.Hex())
	}
}

func printCommitmentLog(entries []storage.CommitmentEntry) {
	if len(entries) == 0 {
		return
	}
	writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Submitted (UTC)\tHash\tTx")
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", e.SubmittedAt.UTC().Format(time.RFC3339), e.SummaryHash.Hex(), e.TxID)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func truncate(v string, n int) string {
	r := []rune(v)
	if len(r) <= n {
		return v
	}
	return string(r[:n-1]) + "…"
}
