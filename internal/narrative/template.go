package narrative

import (
	"context"
	"fmt"
	"strings"
)

// TemplateModelID identifies text produced by Template.
const TemplateModelID = "template-v1"

// Template renders a fixed-format briefing without any external call. Output depends only on
// the payload, which makes it suitable for tests and as a degraded fallback.
type Template struct{}

// Summarize renders the payload.
func (Template) Summarize(_ context.Context, p Payload) (Narrative, error) {
	return Narrative{Text: RenderTemplate(p), ModelID: TemplateModelID}, nil
}

// RenderTemplate formats the header, up to five flows and an action line.
func RenderTemplate(p Payload) string {
	conclusion := "No significant anomaly"
	if p.HasAnomaly {
		conclusion = "Anomaly detected"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Cross-Chain Flow Briefing | %s]\n", p.Day)
	fmt.Fprintf(&b, "Conclusion: %s on %s (threshold %s vs 7d avg).\n", conclusion, p.Chain, p.Threshold)
	fmt.Fprintf(&b, "Chain net: %s USD (yesterday %s, 7d avg %s); in %s, out %s.\n",
		p.Totals.NetUSD, p.Totals.NetYesterday, p.Totals.Net7dAvg, p.Totals.InUSD, p.Totals.OutUSD)

	if len(p.TopContributors) == 0 {
		b.WriteString("Top flows: none.\n")
	} else {
		b.WriteString("Top flows:\n")
		for i, c := range p.TopContributors {
			if i == 5 {
				break
			}
			marker := ""
			if c.Anomalous {
				marker = " [anomalous]"
			}
			fmt.Fprintf(&b, "- %s/%s %s: net=%s, vs7d=%s, tx=%d, wallets=%d%s\n",
				p.Chain, c.Bridge, c.Token, c.NetToday, c.PctDeltaVs7dAvg, c.TxCount, c.UniqueWallets, marker)
		}
	}
	b.WriteString("Action: keep watching major bridges/tokens; set threshold alerts for large addresses.")
	return b.String()
}

var _ Summarizer = Template{}
