package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"xchain-radar/internal/retry"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-1.5-flash-002"
)

// GeminiOptions parameterise the Gemini generateContent client.
type GeminiOptions struct {
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
	UserAgent       string
}

// Gemini calls the Google Generative Language REST API.
type Gemini struct {
	opts    GeminiOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewGemini constructs a Gemini summarizer.
func NewGemini(opts GeminiOptions, logger zerolog.Logger) *Gemini {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.Model == "" {
		opts.Model = defaultGeminiModel
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 900
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	return &Gemini{
		opts:    opts,
		logger:  logger.With().Str("component", "narrative_gemini").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// ModelID reports the configured model name.
func (g *Gemini) ModelID() string {
	return g.opts.Model
}

// Summarize sends the verdict-specific prompt plus the payload JSON and returns the first
// candidate's text. Blank text is returned as ErrEmptyNarrative.
func (g *Gemini) Summarize(ctx context.Context, p Payload) (Narrative, error) {
	if g.opts.APIKey == "" {
		return Narrative{}, errors.New("gemini api key not configured")
	}

	evidence, err := json.Marshal(p)
	if err != nil {
		return Narrative{}, fmt.Errorf("marshal narrative payload: %w", err)
	}

	reqPayload := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: PromptFor(p)},
				{Text: "Evidence JSON:\n" + string(evidence)},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:     g.opts.Temperature,
			MaxOutputTokens: g.opts.MaxOutputTokens,
		},
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Narrative{}, err
	}

	// 密钥走请求头，不能拼进 URL（url.Error 会带出完整 URL）。
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(g.opts.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Narrative{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-goog-api-key", g.opts.APIKey)
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "xchain-radar/1.0")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Narrative{}, err
		}
		return Narrative{}, retry.Transient(fmt.Errorf("gemini request: %w", err))
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Narrative{}, retry.Transient(fmt.Errorf("read gemini response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseHTTPError(resp.StatusCode, payloadBytes)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Narrative{}, retry.Transient(apiErr)
		}
		return Narrative{}, apiErr
	}

	var genRes generateResponse
	if err := json.Unmarshal(payloadBytes, &genRes); err != nil {
		return Narrative{}, fmt.Errorf("decode gemini response: %w", err)
	}

	text := strings.TrimSpace(genRes.text())
	if text == "" {
		g.logger.Warn().Str("day", p.Day).Str("chain", p.Chain).
			Str("block_reason", genRes.PromptFeedback.BlockReason).
			Msg("gemini returned no text")
		return Narrative{}, ErrEmptyNarrative
	}

	g.logger.Debug().Str("day", p.Day).Str("chain", p.Chain).Int("chars", len(text)).Msg("narrative generated")
	return Narrative{Text: text, ModelID: g.opts.Model}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("gemini api error (%d): %s", status, apiErr.Error.Message)
		}
		if apiErr.Error.Status != "" {
			return fmt.Errorf("gemini api error (%d): %s", status, apiErr.Error.Status)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("gemini api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("gemini api error (%d)", status)
}

var _ Summarizer = (*Gemini)(nil)
