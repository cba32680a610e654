package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
)

// Show prints recent briefings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show briefings")
	}
	if closeStore != nil {
		defer closeStore()
	}

	briefings, err := store.ListRecent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(briefings) == 0 {
		fmt.Fprintln(stdout, "no briefings found")
		return nil
	}

	writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Day\tChain\tAnomaly\tRows\tModel\tFallback\tSummary")

	for _, b := range briefings {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%t\t%d\t%s\t%t\t%s\n",
			b.DayString(),
			b.Chain,
			b.HasAnomaly,
			b.EvidenceRowCount,
			b.ModelID,
			b.Fallback,
			truncate(sanitizeInline(b.SummaryText), 80),
		)
	}

	writer.Flush()
	return nil
}
