package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchain-radar/internal/config"
)

var fixtureDay = time.Date(2025, 8, 29, 0, 0, 0, 0, time.UTC)

// writeFixture writes D-7..D for stargate/USDC, with todayNet on D and 100k on every other day.
func writeFixture(t *testing.T, todayNet int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("day,chain,bridge,token,in_usd,out_usd,net_usd,tx_count,unique_wallets\n")
	for off := 7; off >= 0; off-- {
		net := 100000
		if off == 0 {
			net = todayNet
		}
		day := fixtureDay.AddDate(0, 0, -off).Format("2006-01-02")
		fmt.Fprintf(&b, "%s,ethereum,stargate,USDC,%d,0,%d,40,12\n", day, net, net)
		fmt.Fprintf(&b, "%s,ethereum,across,USDT,50000,0,50000,8,3\n", day)
	}
	path := filepath.Join(t.TempDir(), "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testApp(t *testing.T, csvPath string) *App {
	t.Helper()
	prevDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(prevDir) })
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Flows.Source = "csv"
	cfg.Flows.CSVPath = csvPath
	cfg.Narrative.Provider = "template"
	cfg.Lock.Backend = "local"
	cfg.Database.DSN = ""
	return NewApp(cfg, zerolog.Nop())
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

func TestSimulatePublishesOnce(t *testing.T) {
	a := testApp(t, writeFixture(t, 1_000_000))
	out := captureStdout(t)

	err := a.Simulate(context.Background(), SimulateOptions{FlowsPath: a.Config.Flows.CSVPath})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "day: 2025-08-29")
	assert.Contains(t, text, "Conclusion: Anomaly detected")
	assert.Contains(t, text, "status=published")
	assert.Contains(t, text, "status=already_published")
}

func TestExplainWithoutLedgerDryRun(t *testing.T) {
	a := testApp(t, writeFixture(t, 105_000))
	out := captureStdout(t)

	err := a.Explain(context.Background(), ExplainOptions{Day: fixtureDay, Chain: "ethereum", Publish: true, DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No significant anomaly")
	assert.Contains(t, out.String(), "status=dry_run")
}

func TestExplainNoData(t *testing.T) {
	a := testApp(t, writeFixture(t, 105_000))
	captureStdout(t)

	err := a.Explain(context.Background(), ExplainOptions{Day: fixtureDay.AddDate(0, 0, 3), Chain: "ethereum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no flow data")
}

func TestBackfillCountsSkippedDays(t *testing.T) {
	a := testApp(t, writeFixture(t, 1_000_000))
	captureStdout(t)

	err := a.Backfill(context.Background(), BackfillOptions{
		From:    fixtureDay.AddDate(0, 0, -2),
		To:      fixtureDay.AddDate(0, 0, 2),
		Chain:   "ethereum",
		Workers: 3,
	})
	require.NoError(t, err)
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	a := testApp(t, writeFixture(t, 1_000_000))
	err := a.Backfill(context.Background(), BackfillOptions{From: fixtureDay, To: fixtureDay.AddDate(0, 0, -1)})
	require.Error(t, err)
}

func TestExportCSVAndPNG(t *testing.T) {
	a := testApp(t, writeFixture(t, 1_000_000))
	dir := t.TempDir()
	from, to := fixtureDay.AddDate(0, 0, -7), fixtureDay
	csvPath := filepath.Join(dir, "out", "totals.csv")
	pngPath := filepath.Join(dir, "out", "totals.png")

	err := a.Export(context.Background(), ExportOptions{From: &from, To: &to, CSVPath: csvPath, PNGPath: pngPath})
	require.NoError(t, err)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 9)
	assert.Equal(t, []string{"2025-08-29", "ethereum", "1050000.00", "0.00", "1050000.00", "48", "15", "2"}, records[8])

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExportRequiresOutput(t *testing.T) {
	a := testApp(t, writeFixture(t, 1_000_000))
	require.Error(t, a.Export(context.Background(), ExportOptions{}))
}

func TestDownsampleTotals(t *testing.T) {
	totals := make([]dailyTotal, 10)
	for i := range totals {
		totals[i] = dailyTotal{Day: fixtureDay.AddDate(0, 0, i)}
	}
	got := downsampleTotals(totals, 4)
	require.Len(t, got, 4)
	assert.Equal(t, totals[0].Day, got[0].Day)
	assert.Equal(t, totals[9].Day, got[3].Day)
	assert.Len(t, downsampleTotals(totals, 20), 10)
}

func TestMigrateRequiresDSN(t *testing.T) {
	a := testApp(t, writeFixture(t, 1_000_000))
	require.Error(t, a.Migrate("up"))
}
