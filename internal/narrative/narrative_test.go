package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchain-radar/internal/retry"
)

func samplePayload(anomaly bool) Payload {
	return Payload{
		Day:        "2025-08-29",
		Chain:      "ethereum",
		HasAnomaly: anomaly,
		Threshold:  "0.500000",
		TopContributors: []Contributor{{
			Bridge: "stargate", Token: "USDC", Score: "9.000000", Anomalous: anomaly,
			NetToday: "1000000.00", Net7dAvg: "100000.00", PctDeltaVs7dAvg: "9.000000",
			TxCount: 120, UniqueWallets: 80,
		}},
		Totals: Totals{InUSD: "1500000.00", OutUSD: "500000.00", NetUSD: "1000000.00", NetYesterday: "90000.00", Net7dAvg: "100000.00"},
	}
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestGeminiSuccess(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.RawQuery)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]string{"text": "  Anomaly on stargate.  "}}},
			}},
		})
	}))
	defer srv.Close()

	g := NewGemini(GeminiOptions{BaseURL: srv.URL, APIKey: "secret", Model: "test-model", Temperature: 0.2, MaxOutputTokens: 900}, zerolog.Nop())
	out, err := g.Summarize(context.Background(), samplePayload(true))
	require.NoError(t, err)
	assert.Equal(t, "Anomaly on stargate.", out.Text)
	assert.Equal(t, "test-model", out.ModelID)
	assert.False(t, out.Fallback)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	assert.Equal(t, promptAnomaly, got.Contents[0].Parts[0].Text)
	assert.Contains(t, got.Contents[0].Parts[1].Text, `"bridge":"stargate"`)
	assert.Equal(t, 900, got.GenerationConfig.MaxOutputTokens)
	assert.InDelta(t, 0.2, got.GenerationConfig.Temperature, 1e-9)
}

func TestGeminiTransportErrorOmitsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	g := NewGemini(GeminiOptions{BaseURL: srv.URL, APIKey: "SECRET-KEY-123", Model: "test-model"}, zerolog.Nop())
	_, err := g.Summarize(context.Background(), samplePayload(true))
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
	assert.NotContains(t, err.Error(), "SECRET-KEY-123")
}

func TestGeminiPromptFollowsVerdict(t *testing.T) {
	assert.Equal(t, promptAnomaly, PromptFor(samplePayload(true)))
	assert.Equal(t, promptNoAnomaly, PromptFor(samplePayload(false)))
}

func TestGeminiStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": tc.status, "message": "nope"}})
		}))
		g := NewGemini(GeminiOptions{BaseURL: srv.URL, APIKey: "k"}, zerolog.Nop())
		_, err := g.Summarize(context.Background(), samplePayload(false))
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Contains(t, err.Error(), "nope")
		assert.Equal(t, tc.transient, retry.IsTransient(err), "status %d", tc.status)
	}
}

func TestGeminiEmptyCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}, "promptFeedback": map[string]string{"blockReason": "SAFETY"}})
	}))
	defer srv.Close()

	g := NewGemini(GeminiOptions{BaseURL: srv.URL, APIKey: "k"}, zerolog.Nop())
	_, err := g.Summarize(context.Background(), samplePayload(false))
	require.ErrorIs(t, err, ErrEmptyNarrative)
	assert.False(t, retry.IsTransient(err))
}

func TestGeminiMissingKey(t *testing.T) {
	g := NewGemini(GeminiOptions{}, zerolog.Nop())
	_, err := g.Summarize(context.Background(), samplePayload(false))
	require.Error(t, err)
}

func TestTemplateRendering(t *testing.T) {
	p := samplePayload(true)
	out, err := Template{}.Summarize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, TemplateModelID, out.ModelID)
	assert.True(t, strings.HasPrefix(out.Text, "[Cross-Chain Flow Briefing | 2025-08-29]\n"))
	assert.Contains(t, out.Text, "Conclusion: Anomaly detected on ethereum")
	assert.Contains(t, out.Text, "- ethereum/stargate USDC: net=1000000.00, vs7d=9.000000, tx=120, wallets=80 [anomalous]")
	assert.True(t, strings.HasSuffix(out.Text, "set threshold alerts for large addresses."))

	again, _ := Template{}.Summarize(context.Background(), p)
	assert.Equal(t, out.Text, again.Text)
}

func TestTemplateCapsFlowsAtFive(t *testing.T) {
	p := samplePayload(false)
	p.TopContributors = nil
	for i := 0; i < 8; i++ {
		p.TopContributors = append(p.TopContributors, Contributor{Bridge: "b", Token: "T"})
	}
	text := RenderTemplate(p)
	assert.Equal(t, 5, strings.Count(text, "- ethereum/b T:"))
	assert.Contains(t, text, "No significant anomaly")
}

func TestWithRetryRetriesTransientOnly(t *testing.T) {
	var calls atomic.Int32
	flaky := SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		if calls.Add(1) < 3 {
			return Narrative{}, retry.Transient(errors.New("timeout"))
		}
		return Narrative{Text: "ok", ModelID: "m"}, nil
	})
	out, err := WithRetry(flaky, fastPolicy(3)).Summarize(context.Background(), samplePayload(false))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	empty := SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		calls.Add(1)
		return Narrative{}, ErrEmptyNarrative
	})
	_, err = WithRetry(empty, fastPolicy(3)).Summarize(context.Background(), samplePayload(false))
	require.ErrorIs(t, err, ErrEmptyNarrative)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWithFallback(t *testing.T) {
	failing := SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		return Narrative{}, retry.Transient(errors.New("unavailable"))
	})
	out, err := WithFallback(failing, Template{}, zerolog.Nop()).Summarize(context.Background(), samplePayload(true))
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, TemplateModelID, out.ModelID)

	blank := SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		return Narrative{Text: "   ", ModelID: "m"}, nil
	})
	out, err = WithFallback(blank, Template{}, zerolog.Nop()).Summarize(context.Background(), samplePayload(true))
	require.NoError(t, err)
	assert.True(t, out.Fallback)

	good := SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		return Narrative{Text: "fine", ModelID: "m"}, nil
	})
	out, err = WithFallback(good, Template{}, zerolog.Nop()).Summarize(context.Background(), samplePayload(true))
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, "fine", out.Text)

	canceled := SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		return Narrative{}, context.Canceled
	})
	_, err = WithFallback(canceled, Template{}, zerolog.Nop()).Summarize(context.Background(), samplePayload(true))
	require.ErrorIs(t, err, context.Canceled)
}
