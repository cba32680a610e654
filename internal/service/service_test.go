package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchain-radar/internal/alerting"
	"xchain-radar/internal/anomaly"
	"xchain-radar/internal/briefing"
	"xchain-radar/internal/commitment"
	"xchain-radar/internal/evidence"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/ledger"
	"xchain-radar/internal/lock"
	"xchain-radar/internal/metrics"
	"xchain-radar/internal/narrative"
	"xchain-radar/internal/retry"
)

var targetDay = time.Date(2025, 8, 29, 0, 0, 0, 0, time.UTC)

func flowRow(offset int, bridge, token string, net int64) flows.Row {
	n := decimal.NewFromInt(net)
	return flows.Row{
		Day: targetDay.AddDate(0, 0, -offset), Chain: "ethereum", Bridge: bridge, Token: token,
		InUSD: n, OutUSD: decimal.Zero, NetUSD: n, TxCount: 12, UniqueWallets: 5,
	}
}

func spikeSource(today int64) *flows.MemorySource {
	src := flows.NewMemorySource(flowRow(0, "stargate", "USDC", today))
	for off := 1; off <= 7; off++ {
		src.Add(flowRow(off, "stargate", "USDC", 100_000))
	}
	return src
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func scrape(t *testing.T, r *metrics.Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

type harness struct {
	pipeline *Pipeline
	store    *briefing.MemoryStore
	ledger   *ledger.Memory
	notifier *recordingNotifier
	metrics  *metrics.Recorder
	locker   *lock.Local
}

func newHarness(t *testing.T, src flows.Source, summarizer narrative.Summarizer) *harness {
	t.Helper()
	if summarizer == nil {
		summarizer = narrative.Template{}
	}
	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	h := &harness{
		store:    briefing.NewMemoryStore(),
		ledger:   ledger.NewMemory(),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(),
		locker:   lock.NewLocal(),
	}
	logger := zerolog.Nop()
	h.pipeline = New(Deps{
		Builder:   evidence.NewBuilder(src, evidence.Options{Retry: policy}, logger),
		Assembler: briefing.NewAssembler(summarizer, h.store, briefing.AssemblerOptions{}, logger),
		Store:     h.store,
		Publisher: commitment.NewPublisher(h.ledger, nil, commitment.PublisherOptions{Retry: policy}, logger),
		Locker:    h.locker,
		Notifier:  h.notifier,
		Metrics:   h.metrics,
	}, Options{
		Classifier:    anomaly.DefaultOptions(),
		DefaultChain:  "ethereum",
		PublishOnTick: true,
		AlertsOn:      true,
		AlertPolicy:   alerting.Policy{SendOnFallback: true},
	}, logger)
	return h
}

func TestExplainAnomalyStoresAndPublishes(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)

	out, err := h.pipeline.Explain(context.Background(), targetDay, "Ethereum", true)
	require.NoError(t, err)

	assert.True(t, out.Verdict.HasAnomaly)
	assert.True(t, out.Briefing.HasAnomaly)
	require.NotNil(t, out.Commitment)
	assert.Equal(t, commitment.StatusPublished, out.Commitment.Status)
	assert.Len(t, h.ledger.Submissions(), 1)

	stored, err := h.store.Get(context.Background(), targetDay, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, out.Briefing.SummaryText, stored.SummaryText)

	require.Equal(t, 1, h.notifier.count())
	assert.Equal(t, "mem-1", h.notifier.notes[0].TxID)
	assert.Contains(t, scrape(t, h.metrics), `xchain_radar_pipeline_runs_total{chain="ethereum",outcome="ok"} 1`)
}

func TestExplainRerunIsAlreadyPublished(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)

	_, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
	require.NoError(t, err)
	out, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
	require.NoError(t, err)

	require.NotNil(t, out.Commitment)
	assert.Equal(t, commitment.StatusAlreadyPublished, out.Commitment.Status)
	assert.Len(t, h.ledger.Submissions(), 1)
}

func TestExplainSmallSwingNoAnomaly(t *testing.T) {
	h := newHarness(t, spikeSource(105_000), nil)

	out, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", false)
	require.NoError(t, err)
	assert.False(t, out.Verdict.HasAnomaly)
	assert.Nil(t, out.Commitment)
	assert.Empty(t, h.ledger.Submissions())
	assert.Contains(t, out.Briefing.SummaryText, "No significant anomaly")
}

func TestExplainNoDataStoresNothing(t *testing.T) {
	h := newHarness(t, flows.NewMemorySource(), nil)

	_, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
	require.ErrorIs(t, err, evidence.ErrNoData)
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.ledger.Submissions())
	assert.Equal(t, 0, h.notifier.count())
	assert.Contains(t, scrape(t, h.metrics), `xchain_radar_pipeline_runs_total{chain="ethereum",outcome="no_data"} 1`)
}

func TestExplainEmptyNarrative(t *testing.T) {
	empty := narrative.SummarizerFunc(func(context.Context, narrative.Payload) (narrative.Narrative, error) {
		return narrative.Narrative{Text: "   "}, nil
	})
	h := newHarness(t, spikeSource(1_000_000), empty)

	_, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
	require.ErrorIs(t, err, narrative.ErrEmptyNarrative)
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.ledger.Submissions())
}

func TestExplainLockHeldReturnsInProgress(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)

	unlock, ok, err := h.locker.TryLock(context.Background(), lockKey(targetDay, "ethereum"))
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
	require.ErrorIs(t, err, ErrInProgress)
	assert.Equal(t, 0, h.store.Len())
}

func TestExplainConcurrentSameKeySubmitsOnce(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
			if err != nil && !errors.Is(err, ErrInProgress) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, h.ledger.Submissions(), 1)
}

func TestExplainPublishFailureKeepsBriefing(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)
	h.ledger.FailNext = 1
	h.ledger.PublishErr = errors.New("execution reverted")

	out, err := h.pipeline.Explain(context.Background(), targetDay, "ethereum", true)
	require.Error(t, err)
	assert.Nil(t, out.Commitment)
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, 1, h.notifier.count())
}

func TestGetOrCompute(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)
	ctx := context.Background()

	_, _, err := h.pipeline.GetOrCompute(ctx, targetDay, "ethereum", false)
	require.ErrorIs(t, err, briefing.ErrNotFound)

	b, computed, err := h.pipeline.GetOrCompute(ctx, targetDay, "ethereum", true)
	require.NoError(t, err)
	assert.True(t, computed)
	assert.Empty(t, h.ledger.Submissions(), "query path never publishes")

	again, computed, err := h.pipeline.GetOrCompute(ctx, targetDay, "ethereum", true)
	require.NoError(t, err)
	assert.False(t, computed)
	assert.Equal(t, b.SummaryText, again.SummaryText)
}

func TestResolveDefaults(t *testing.T) {
	h := newHarness(t, flows.NewMemorySource(), nil)
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	h.pipeline.opts.Location = loc
	// 2025-08-29 16:00 UTC is already 2025-08-30 in Tokyo.
	h.pipeline.now = func() time.Time { return time.Date(2025, 8, 29, 16, 0, 0, 0, time.UTC) }

	day, chain := h.pipeline.Resolve(time.Time{}, "  ")
	assert.Equal(t, targetDay, day)
	assert.Equal(t, "ethereum", chain)
}

func TestProcessDayExplainsYesterday(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)

	tick := time.Date(2025, 8, 30, 0, 30, 0, 0, time.UTC)
	require.NoError(t, h.pipeline.ProcessDay(context.Background(), tick))
	assert.Len(t, h.ledger.Submissions(), 1)

	require.NoError(t, h.pipeline.ProcessDay(context.Background(), tick.AddDate(0, 0, 5)), "no data is not a tick failure")
}

func TestAttestRange(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)
	ctx := context.Background()
	for _, d := range []time.Time{targetDay.AddDate(0, 0, -1), targetDay} {
		require.NoError(t, h.store.Upsert(ctx, briefing.Briefing{
			Day: d, Chain: "ethereum", ModelID: "template-v1", SummaryText: "briefing " + flows.FormatDay(d),
		}))
	}

	results, err := h.pipeline.Attest(ctx, "ethereum", targetDay.AddDate(0, 0, -3), targetDay)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, commitment.StatusPublished, r.Status)
	}

	results, err = h.pipeline.Attest(ctx, "ethereum", targetDay.AddDate(0, 0, -3), targetDay)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, commitment.StatusAlreadyPublished, r.Status)
	}
	assert.Len(t, h.ledger.Submissions(), 2)

	_, err = h.pipeline.Attest(ctx, "ethereum", targetDay, targetDay.AddDate(0, 0, -1))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	h := newHarness(t, spikeSource(1_000_000), nil)
	ctx := context.Background()

	_, err := h.pipeline.Explain(ctx, targetDay, "ethereum", true)
	require.NoError(t, err)

	_, v, err := h.pipeline.Verify(ctx, targetDay, "ethereum")
	require.NoError(t, err)
	assert.True(t, v.Match())

	_, _, err = h.pipeline.Verify(ctx, targetDay.AddDate(0, 0, 1), "ethereum")
	require.ErrorIs(t, err, briefing.ErrNotFound)
}
