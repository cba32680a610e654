package narrative

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"xchain-radar/internal/retry"
)

// WithRetry retries transient failures of s according to policy.
func WithRetry(s Summarizer, policy retry.Policy) Summarizer {
	return SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		var out Narrative
		err := retry.Do(ctx, policy, "narrative summarize", func(ctx context.Context) error {
			var callErr error
			out, callErr = s.Summarize(ctx, p)
			return callErr
		})
		return out, err
	})
}

// WithFallback degrades to fallback when primary fails or returns blank text.
// Caller cancellation is propagated rather than masked.
func WithFallback(primary, fallback Summarizer, logger zerolog.Logger) Summarizer {
	logger = logger.With().Str("component", "narrative_fallback").Logger()
	return SummarizerFunc(func(ctx context.Context, p Payload) (Narrative, error) {
		out, err := primary.Summarize(ctx, p)
		if err == nil && strings.TrimSpace(out.Text) != "" {
			return out, nil
		}
		if errors.Is(err, context.Canceled) {
			return Narrative{}, err
		}
		if err == nil {
			err = ErrEmptyNarrative
		}
		logger.Warn().Err(err).Str("day", p.Day).Str("chain", p.Chain).Msg("primary narrative failed, using fallback")

		out, fbErr := fallback.Summarize(ctx, p)
		if fbErr != nil {
			return Narrative{}, errors.Join(err, fbErr)
		}
		out.Fallback = true
		return out, nil
	})
}
