package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "ethereum", cfg.Pipeline.Chain)
	assert.Equal(t, "Asia/Tokyo", cfg.Pipeline.Timezone)
	assert.True(t, cfg.Pipeline.Threshold.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, cfg.Pipeline.MaterialityFloor.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.Pipeline.Epsilon.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.Equal(t, 900000, cfg.Pipeline.MaxSnapshotBytes)
	assert.EqualValues(t, 7001, cfg.Ledger.ChainID)
	assert.EqualValues(t, 200000, cfg.Ledger.GasLimit)
	assert.Equal(t, 900, cfg.Narrative.MaxOutputTokens)
	assert.InDelta(t, 0.2, cfg.Narrative.Temperature, 1e-9)
	assert.False(t, cfg.Narrative.FallbackOnError)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)

	policy := cfg.Retry.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)

	loc, err := cfg.Pipeline.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  threshold: 0.75
  materiality_floor: "25000.50"
narrative:
  provider: template
`)
	t.Setenv("XCHAIN_PIPELINE_TOP_K", "3")
	t.Setenv("XCHAIN_LEDGER_CHAIN_ID", "1")
	t.Setenv("XCHAIN_RETRY_MAX_DELAY", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Pipeline.Threshold.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, "25000.5", cfg.Pipeline.MaterialityFloor.String())
	assert.Equal(t, "template", cfg.Narrative.Provider)
	assert.Equal(t, 3, cfg.Pipeline.TopK)
	assert.EqualValues(t, 1, cfg.Ledger.ChainID)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxDelay)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad timezone":       "pipeline:\n  timezone: Mars/Olympus\n",
		"zero epsilon":       "pipeline:\n  epsilon: 0\n",
		"bad decimal":        "pipeline:\n  threshold: abc\n",
		"csv without path":   "flows:\n  source: csv\n",
		"unknown source":     "flows:\n  source: bigquery\n",
		"redis without addr": "lock:\n  backend: redis\n",
		"tiny lease":         "lock:\n  lease_ttl: 100ms\n",
		"short lease":        "lock:\n  lease_ttl: 20s\nnarrative:\n  request_timeout: 30s\n",
		"ledger no key":      "ledger:\n  enabled: true\n  contract_address: \"0x00000000000000000000000000000000000000aa\"\n",
		"telegram no token":  "alerting:\n  telegram:\n    enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLedgerDryRunNeedsNoKey(t *testing.T) {
	_, err := Load(writeConfig(t, "ledger:\n  enabled: true\n  dry_run: true\n"))
	require.NoError(t, err)
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}
