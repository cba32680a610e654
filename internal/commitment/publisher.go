package commitment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"xchain-radar/internal/briefing"
	"xchain-radar/internal/retry"
)

// Status is the outcome of a publish attempt.
type Status string

const (
	StatusPublished        Status = "published"
	StatusAlreadyPublished Status = "already_published"
	StatusDryRun           Status = "dry_run"
)

// ErrLedgerNotConfigured is returned when a live publish has no ledger.
var ErrLedgerNotConfigured = errors.New("ledger not configured")

// Result describes what Publish did.
type Result struct {
	Status  Status
	Record  Record
	Receipt Receipt
	// Previous holds a different hash already on the ledger for the same key, if any.
	Previous common.Hash
}

// LogEntry is a successful submission as written to the commitment log.
type LogEntry struct {
	Record      Record
	TxID        string
	SubmittedAt time.Time
}

// CommitLog records submissions for audit.
type CommitLog interface {
	RecordCommitment(ctx context.Context, entry LogEntry) error
}

// PublisherOptions parameterise the publisher.
type PublisherOptions struct {
	DryRun      bool
	URITemplate string
	Retry       retry.Policy
}

// Publisher submits briefing commitments with read-before-write duplicate suppression.
type Publisher struct {
	ledger Ledger
	log    CommitLog
	opts   PublisherOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewPublisher constructs a publisher. log may be nil.
func NewPublisher(ledger Ledger, log CommitLog, opts PublisherOptions, logger zerolog.Logger) *Publisher {
	return &Publisher{
		ledger: ledger,
		log:    log,
		opts:   opts,
		logger: logger.With().Str("component", "commitment_publisher").Logger(),
		now:    time.Now,
	}
}

// DryRun reports whether submissions are skipped.
func (p *Publisher) DryRun() bool { return p.opts.DryRun }

// Publish commits b unless the ledger already holds the same summary hash.
func (p *Publisher) Publish(ctx context.Context, b briefing.Briefing) (Result, error) {
	rec := NewRecord(b, ExpandURI(p.opts.URITemplate, b.Day, b.Chain))
	res := Result{Record: rec}
	logger := p.logger.With().Str("day", rec.DayString()).Str("chain", rec.Chain).
		Str("hash", rec.SummaryHash.Hex()).Logger()

	if p.ledger == nil {
		if p.opts.DryRun {
			res.Status = StatusDryRun
			logger.Info().Msg("dry run, ledger not consulted")
			return res, nil
		}
		return Result{}, ErrLedgerNotConfigured
	}

	existing, found, err := p.get(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if found && existing == rec.SummaryHash {
		res.Status = StatusAlreadyPublished
		logger.Info().Msg("commitment already on ledger")
		return res, nil
	}
	if found {
		res.Previous = existing
		logger.Warn().Str("previous", existing.Hex()).Msg("ledger holds a different hash, superseding")
	}

	if p.opts.DryRun {
		res.Status = StatusDryRun
		logger.Info().Uint64("rows", rec.EvidenceRowCount).Bool("has_anomaly", rec.HasAnomaly).Msg("dry run, submission skipped")
		return res, nil
	}

	var receipt Receipt
	err = retry.Do(ctx, p.opts.Retry, "ledger publish", func(ctx context.Context) error {
		var pubErr error
		receipt, pubErr = p.ledger.Publish(ctx, rec)
		return pubErr
	})
	if err != nil {
		return Result{}, fmt.Errorf("publish commitment: %w", err)
	}
	res.Status = StatusPublished
	res.Receipt = receipt
	logger.Info().Str("tx", receipt.TxID).Msg("commitment submitted")

	if p.log != nil {
		entry := LogEntry{Record: rec, TxID: receipt.TxID, SubmittedAt: p.now().UTC()}
		if err := p.log.RecordCommitment(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("tx", receipt.TxID).Msg("failed to write commitment log")
		}
	}
	return res, nil
}

// Verification compares the stored briefing with the ledger.
type Verification struct {
	Key      common.Hash
	Expected common.Hash
	OnLedger common.Hash
	Found    bool
}

// Match reports whether the ledger holds the expected hash.
func (v Verification) Match() bool { return v.Found && v.Expected == v.OnLedger }

// Verify re-reads the ledger and compares it with the recomputed hash of b.
func (p *Publisher) Verify(ctx context.Context, b briefing.Briefing) (Verification, error) {
	if p.ledger == nil {
		return Verification{}, ErrLedgerNotConfigured
	}
	rec := NewRecord(b, "")
	onLedger, found, err := p.get(ctx, rec)
	if err != nil {
		return Verification{}, err
	}
	return Verification{Key: rec.Key(), Expected: rec.SummaryHash, OnLedger: onLedger, Found: found}, nil
}

func (p *Publisher) get(ctx context.Context, rec Record) (common.Hash, bool, error) {
	var (
		hash  common.Hash
		found bool
	)
	err := retry.Do(ctx, p.opts.Retry, "ledger get", func(ctx context.Context) error {
		var getErr error
		hash, found, getErr = p.ledger.Get(ctx, rec.Day, rec.Chain)
		return getErr
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("read ledger commitment: %w", err)
	}
	return hash, found, nil
}
