package briefing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"xchain-radar/internal/anomaly"
	"xchain-radar/internal/evidence"
	"xchain-radar/internal/narrative"
)

const (
	// DefaultTopK is how many ranked contributors the narrative service sees.
	DefaultTopK = 5
	// DefaultMaxSnapshotBytes bounds the stored evidence JSON.
	DefaultMaxSnapshotBytes = 900_000
)

// ErrSnapshotTooLarge is returned instead of storing a truncated evidence snapshot.
var ErrSnapshotTooLarge = errors.New("evidence snapshot exceeds size limit")

// AssemblerOptions parameterise the assembler.
type AssemblerOptions struct {
	TopK             int
	MaxSnapshotBytes int
}

// Assembler combines evidence, verdict and narrative into a stored Briefing.
type Assembler struct {
	summarizer narrative.Summarizer
	store      Store
	opts       AssemblerOptions
	logger     zerolog.Logger
}

// NewAssembler constructs an assembler. store may be nil for callers that only Compose.
func NewAssembler(summarizer narrative.Summarizer, store Store, opts AssemblerOptions, logger zerolog.Logger) *Assembler {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxSnapshotBytes <= 0 {
		opts.MaxSnapshotBytes = DefaultMaxSnapshotBytes
	}
	return &Assembler{
		summarizer: summarizer,
		store:      store,
		opts:       opts,
		logger:     logger.With().Str("component", "briefing_assembler").Logger(),
	}
}

// Compose builds the briefing without persisting it.
func (a *Assembler) Compose(ctx context.Context, bundle evidence.Bundle, verdict anomaly.Verdict) (Briefing, error) {
	snapshot, err := json.Marshal(NewSnapshot(bundle, verdict))
	if err != nil {
		return Briefing{}, fmt.Errorf("marshal evidence snapshot: %w", err)
	}
	if len(snapshot) > a.opts.MaxSnapshotBytes {
		return Briefing{}, fmt.Errorf("%w: %d > %d bytes", ErrSnapshotTooLarge, len(snapshot), a.opts.MaxSnapshotBytes)
	}

	out, err := a.summarizer.Summarize(ctx, NewPayload(bundle, verdict, a.opts.TopK))
	if err != nil {
		return Briefing{}, fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Briefing{}, narrative.ErrEmptyNarrative
	}

	return Briefing{
		Day:              bundle.Day,
		Chain:            bundle.Chain,
		ModelID:          out.ModelID,
		SummaryText:      text,
		EvidenceJSON:     snapshot,
		HasAnomaly:       verdict.HasAnomaly,
		EvidenceRowCount: len(bundle.Rows),
		Fallback:         out.Fallback,
	}, nil
}

// Assemble composes the briefing and upserts it. Nothing is stored when any step fails.
func (a *Assembler) Assemble(ctx context.Context, bundle evidence.Bundle, verdict anomaly.Verdict) (Briefing, error) {
	if a.store == nil {
		return Briefing{}, errors.New("briefing store not configured")
	}
	b, err := a.Compose(ctx, bundle, verdict)
	if err != nil {
		return Briefing{}, err
	}
	if err := a.store.Upsert(ctx, b); err != nil {
		return Briefing{}, fmt.Errorf("upsert briefing: %w", err)
	}

	a.logger.Info().Str("day", b.DayString()).Str("chain", b.Chain).
		Str("model", b.ModelID).Bool("has_anomaly", b.HasAnomaly).
		Int("rows", b.EvidenceRowCount).Bool("fallback", b.Fallback).
		Msg("briefing stored")
	return b, nil
}
