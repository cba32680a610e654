package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"xchain-radar/internal/flows"
)

// dailyTotal aggregates one chain's flows for one day.
type dailyTotal struct {
	Day           time.Time
	InUSD         decimal.Decimal
	OutUSD        decimal.Decimal
	NetUSD        decimal.Decimal
	TxCount       int64
	UniqueWallets int64
	Groups        int
}

// Export renders daily chain totals as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	if opts.Chain == "" {
		opts.Chain = a.Config.Pipeline.Chain
	}

	loc, err := a.Config.Pipeline.Location()
	if err != nil {
		return err
	}
	to := flows.Yesterday(time.Now(), loc)
	if opts.To != nil {
		to = flows.NormalizeDay(*opts.To)
	}
	from := to.AddDate(0, 0, -29)
	if opts.From != nil {
		from = flows.NormalizeDay(*opts.From)
	}
	if to.Before(from) {
		return errors.New("from must not be after to")
	}

	rt := &runtime{}
	defer rt.Close()
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		rt.store = store
		rt.closers = append(rt.closers, closeStore)
	}
	source, err := a.newFlowSource(ctx, rt)
	if err != nil {
		return err
	}

	totals, err := collectTotals(ctx, source, opts.Chain, from, to)
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		a.Logger.Info().Msg("no flows found for export window")
		return nil
	}

	downsampled := downsampleTotals(totals, opts.MaxPoints)
	a.Logger.Info().Int("total", len(totals)).Int("exported", len(downsampled)).Msg("exporting daily totals")

	if opts.CSVPath != "" {
		if err := writeTotalsCSV(opts.CSVPath, opts.Chain, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTotalsPNG(opts.PNGPath, opts.Chain, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// collectTotals sums every row per day. Days without rows are omitted.
func collectTotals(ctx context.Context, source flows.Source, chain string, from, to time.Time) ([]dailyTotal, error) {
	var out []dailyTotal
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		rows, err := source.FetchFlows(ctx, d, chain)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		t := dailyTotal{Day: d, Groups: len(rows)}
		for _, r := range rows {
			t.InUSD = t.InUSD.Add(r.InUSD)
			t.OutUSD = t.OutUSD.Add(r.OutUSD)
			t.NetUSD = t.NetUSD.Add(r.NetUSD)
			t.TxCount += r.TxCount
			t.UniqueWallets += r.UniqueWallets
		}
		out = append(out, t)
	}
	return out, nil
}

func downsampleTotals(totals []dailyTotal, max int) []dailyTotal {
	if max <= 0 || len(totals) <= max {
		return totals
	}
	if max == 1 {
		return totals[len(totals)-1:]
	}

	result := make([]dailyTotal, 0, max)
	step := float64(len(totals)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(totals) {
			idx = len(totals) - 1
		}
		result = append(result, totals[idx])
	}
	return result
}

func writeTotalsCSV(path, chain string, totals []dailyTotal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "chain", "in_usd", "out_usd", "net_usd", "tx_count", "unique_wallets", "groups"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, t := range totals {
		record := []string{
			flows.FormatDay(t.Day),
			chain,
			t.InUSD.StringFixed(2),
			t.OutUSD.StringFixed(2),
			t.NetUSD.StringFixed(2),
			strconv.FormatInt(t.TxCount, 10),
			strconv.FormatInt(t.UniqueWallets, 10),
			strconv.Itoa(t.Groups),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeTotalsPNG(path, chain string, totals []dailyTotal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(totals))
	in := make([]float64, len(totals))
	out := make([]float64, len(totals))
	net := make([]float64, len(totals))

	for i, t := range totals {
		x[i] = t.Day
		in[i] = t.InUSD.InexactFloat64()
		out[i] = t.OutUSD.InexactFloat64()
		net[i] = t.NetUSD.InexactFloat64()
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Title:  "Bridge flows: " + chain,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Volume (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Net (USD)",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Inflow",
				XValues: x,
				YValues: in,
			},
			chart.TimeSeries{
				Name:    "Outflow",
				XValues: x,
				YValues: out,
			},
			chart.TimeSeries{
				Name:    "Net",
				XValues: x,
				YValues: net,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
