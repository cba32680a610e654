package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"xchain-radar/internal/alerting"
	"xchain-radar/internal/anomaly"
	"xchain-radar/internal/briefing"
	"xchain-radar/internal/commitment"
	"xchain-radar/internal/evidence"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/lock"
	"xchain-radar/internal/metrics"
	"xchain-radar/internal/narrative"
)

// ErrInProgress is returned when another run holds the (day, chain) lock.
var ErrInProgress = errors.New("briefing run already in progress")

// ErrPublisherNotConfigured is returned by ledger operations on a pipeline without a publisher.
var ErrPublisherNotConfigured = errors.New("commitment publisher not configured")

// Run outcomes reported to metrics.
const (
	outcomeOK         = "ok"
	outcomeNoData     = "no_data"
	outcomeInProgress = "in_progress"
	outcomeError      = "error"
)

// Deps are the collaborators of a Pipeline. Publisher, Notifier and Metrics may be nil.
type Deps struct {
	Builder   *evidence.Builder
	Assembler *briefing.Assembler
	Store     briefing.Store
	Publisher *commitment.Publisher
	Locker    lock.Locker
	Notifier  alerting.Notifier
	Metrics   *metrics.Recorder
}

// Options tune the pipeline.
type Options struct {
	Classifier   anomaly.Options
	DefaultChain string
	Location     *time.Location
	// PublishOnTick controls whether scheduled runs commit to the ledger.
	PublishOnTick bool
	AlertsOn      bool
	AlertPolicy   alerting.Policy
}

// Outcome is the result of one explain run.
type Outcome struct {
	Briefing   briefing.Briefing
	Verdict    anomaly.Verdict
	Commitment *commitment.Result
}

// Pipeline orchestrates evidence, classification, briefing and commitment for one (day, chain).
type Pipeline struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the pipeline service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Pipeline {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if opts.DefaultChain == "" {
		opts.DefaultChain = "ethereum"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
}

// Resolve applies the query defaults: yesterday in the configured timezone and the default chain.
func (p *Pipeline) Resolve(day time.Time, chain string) (time.Time, string) {
	if day.IsZero() {
		day = flows.Yesterday(p.now(), p.opts.Location)
	}
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		chain = p.opts.DefaultChain
	}
	return flows.NormalizeDay(day), chain
}

// Explain runs build → classify → assemble → (publish) under the per-key lock.
func (p *Pipeline) Explain(ctx context.Context, day time.Time, chain string, publish bool) (Outcome, error) {
	day, chain = p.Resolve(day, chain)
	logger := p.logger.With().Str("day", flows.FormatDay(day)).Str("chain", chain).Logger()
	ctx = logger.WithContext(ctx)
	started := p.now()

	out, err := p.explainLocked(ctx, logger, day, chain, publish)
	p.deps.Metrics.RecordRun(chain, runOutcome(err), p.now().Sub(started).Seconds())
	return out, err
}

func (p *Pipeline) explainLocked(ctx context.Context, logger zerolog.Logger, day time.Time, chain string, publish bool) (Outcome, error) {
	unlock, acquired, err := p.deps.Locker.TryLock(ctx, lockKey(day, chain))
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire briefing lock: %w", err)
	}
	if !acquired {
		logger.Debug().Msg("skip run because lock held elsewhere")
		return Outcome{}, ErrInProgress
	}
	defer unlock()

	bundle, err := p.deps.Builder.Build(ctx, day, chain)
	if err != nil {
		return Outcome{}, err
	}

	verdict := anomaly.Classify(bundle, p.opts.Classifier)
	p.deps.Metrics.RecordVerdict(chain, verdict.HasAnomaly)
	logger.Info().Bool("has_anomaly", verdict.HasAnomaly).
		Int("groups", len(verdict.RankedContributors)).
		Int("anomalous", verdict.AnomalousCount()).
		Msg("evidence classified")

	b, err := p.deps.Assembler.Assemble(ctx, bundle, verdict)
	if err != nil {
		return Outcome{}, err
	}
	if b.Fallback {
		p.deps.Metrics.RecordFallback()
	}
	out := Outcome{Briefing: b, Verdict: verdict}

	var publishErr error
	if publish {
		res, err := p.publish(ctx, b)
		if err != nil {
			publishErr = err
		} else {
			out.Commitment = &res
		}
	}

	p.notify(ctx, logger, out)
	return out, publishErr
}

func (p *Pipeline) publish(ctx context.Context, b briefing.Briefing) (commitment.Result, error) {
	if p.deps.Publisher == nil {
		return commitment.Result{}, ErrPublisherNotConfigured
	}
	res, err := p.deps.Publisher.Publish(ctx, b)
	if err != nil {
		p.deps.Metrics.RecordCommitment(outcomeError)
		return commitment.Result{}, err
	}
	p.deps.Metrics.RecordCommitment(string(res.Status))
	return res, nil
}

func (p *Pipeline) notify(ctx context.Context, logger zerolog.Logger, out Outcome) {
	if !p.opts.AlertsOn || p.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		Day:        out.Briefing.Day,
		Chain:      out.Briefing.Chain,
		HasAnomaly: out.Briefing.HasAnomaly,
		Text:       out.Briefing.SummaryText,
		ModelID:    out.Briefing.ModelID,
		Fallback:   out.Briefing.Fallback,
	}
	if out.Commitment != nil {
		note.TxID = out.Commitment.Receipt.TxID
	}
	if !p.opts.AlertPolicy.Allows(note) {
		logger.Debug().Msg("briefing delivery suppressed by policy")
		return
	}
	if err := p.deps.Notifier.Notify(ctx, note); err != nil {
		logger.Error().Err(err).Msg("failed to deliver briefing")
	}
}

// GetOrCompute returns the stored briefing, computing and storing it when absent and compute is set.
// Computed briefings are not published.
func (p *Pipeline) GetOrCompute(ctx context.Context, day time.Time, chain string, compute bool) (briefing.Briefing, bool, error) {
	day, chain = p.Resolve(day, chain)
	b, err := p.deps.Store.Get(ctx, day, chain)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, briefing.ErrNotFound) || !compute {
		return briefing.Briefing{}, false, err
	}
	out, err := p.Explain(ctx, day, chain, false)
	if err != nil {
		return briefing.Briefing{}, false, err
	}
	return out.Briefing, true, nil
}

// ProcessDay is the scheduler tick: explain the day before tick in the configured timezone.
func (p *Pipeline) ProcessDay(ctx context.Context, tick time.Time) error {
	day := flows.Yesterday(tick, p.opts.Location)
	_, err := p.Explain(ctx, day, p.opts.DefaultChain, p.opts.PublishOnTick)
	switch {
	case errors.Is(err, ErrInProgress):
		return nil
	case errors.Is(err, evidence.ErrNoData):
		p.logger.Warn().Str("day", flows.FormatDay(day)).Str("chain", p.opts.DefaultChain).Msg("no flow data, nothing to explain")
		return nil
	}
	return err
}

// Attest publishes stored briefings for chain over [from, to]. Days without a briefing are skipped.
func (p *Pipeline) Attest(ctx context.Context, chain string, from, to time.Time) ([]commitment.Result, error) {
	if p.deps.Publisher == nil {
		return nil, ErrPublisherNotConfigured
	}
	_, chain = p.Resolve(from, chain)
	from, to = flows.NormalizeDay(from), flows.NormalizeDay(to)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s after %s", flows.FormatDay(from), flows.FormatDay(to))
	}

	stored, err := p.deps.Store.ListBetween(ctx, chain, from, to)
	if err != nil {
		return nil, fmt.Errorf("list briefings: %w", err)
	}
	if len(stored) == 0 {
		p.logger.Warn().Str("chain", chain).Str("from", flows.FormatDay(from)).Str("to", flows.FormatDay(to)).Msg("no stored briefings in range")
	}

	results := make([]commitment.Result, 0, len(stored))
	for _, b := range stored {
		res, err := p.attestOne(ctx, b)
		if err != nil {
			return results, fmt.Errorf("attest %s/%s: %w", b.DayString(), b.Chain, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *Pipeline) attestOne(ctx context.Context, b briefing.Briefing) (commitment.Result, error) {
	unlock, acquired, err := p.deps.Locker.TryLock(ctx, lockKey(b.Day, b.Chain))
	if err != nil {
		return commitment.Result{}, fmt.Errorf("acquire briefing lock: %w", err)
	}
	if !acquired {
		return commitment.Result{}, ErrInProgress
	}
	defer unlock()
	return p.publish(ctx, b)
}

// Verify compares the stored briefing's hash with the ledger.
func (p *Pipeline) Verify(ctx context.Context, day time.Time, chain string) (briefing.Briefing, commitment.Verification, error) {
	if p.deps.Publisher == nil {
		return briefing.Briefing{}, commitment.Verification{}, ErrPublisherNotConfigured
	}
	day, chain = p.Resolve(day, chain)
	b, err := p.deps.Store.Get(ctx, day, chain)
	if err != nil {
		return briefing.Briefing{}, commitment.Verification{}, err
	}
	v, err := p.deps.Publisher.Verify(ctx, b)
	if err != nil {
		return b, commitment.Verification{}, err
	}
	return b, v, nil
}

func lockKey(day time.Time, chain string) string {
	return "briefing:" + flows.FormatDay(day) + ":" + chain
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, evidence.ErrNoData):
		return outcomeNoData
	case errors.Is(err, ErrInProgress):
		return outcomeInProgress
	case errors.Is(err, narrative.ErrEmptyNarrative):
		return "empty_narrative"
	default:
		return outcomeError
	}
}
