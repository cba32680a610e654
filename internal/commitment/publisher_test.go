package commitment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xchain-radar/internal/briefing"
	"xchain-radar/internal/commitment"
	"xchain-radar/internal/ledger"
	"xchain-radar/internal/retry"
)

type memoryLog struct {
	mu      sync.Mutex
	entries []commitment.LogEntry
	err     error
}

func (m *memoryLog) RecordCommitment(_ context.Context, e commitment.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func briefingFor(text string) briefing.Briefing {
	return briefing.Briefing{
		Day:              time.Date(2025, 8, 29, 0, 0, 0, 0, time.UTC),
		Chain:            "ethereum",
		ModelID:          "template-v1",
		SummaryText:      text,
		HasAnomaly:       true,
		EvidenceRowCount: 3,
	}
}

func TestPublishTwiceSubmitsOnce(t *testing.T) {
	l := ledger.NewMemory()
	log := &memoryLog{}
	p := commitment.NewPublisher(l, log, commitment.PublisherOptions{URITemplate: "gs://bucket/{chain}/{day}.json", Retry: fastRetry()}, zerolog.Nop())
	b := briefingFor("stargate spike")

	first, err := p.Publish(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusPublished, first.Status)
	assert.Equal(t, "mem-1", first.Receipt.TxID)
	assert.Equal(t, "gs://bucket/ethereum/2025-08-29.json", first.Record.EvidenceURI)

	second, err := p.Publish(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusAlreadyPublished, second.Status)
	assert.Equal(t, first.Record.SummaryHash, second.Record.SummaryHash)

	assert.Len(t, l.Submissions(), 1)
	require.Len(t, log.entries, 1)
	assert.Equal(t, "mem-1", log.entries[0].TxID)
}

func TestPublishSupersedesChangedBriefing(t *testing.T) {
	l := ledger.NewMemory()
	p := commitment.NewPublisher(l, nil, commitment.PublisherOptions{Retry: fastRetry()}, zerolog.Nop())

	first, err := p.Publish(context.Background(), briefingFor("v1"))
	require.NoError(t, err)
	second, err := p.Publish(context.Background(), briefingFor("v2"))
	require.NoError(t, err)

	assert.Equal(t, commitment.StatusPublished, second.Status)
	assert.Equal(t, first.Record.SummaryHash, second.Previous)
	assert.Len(t, l.Submissions(), 2)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	l := ledger.NewMemory()
	l.FailNext = 2
	l.PublishErr = retry.Transient(errors.New("rpc timeout"))
	p := commitment.NewPublisher(l, nil, commitment.PublisherOptions{Retry: fastRetry()}, zerolog.Nop())

	res, err := p.Publish(context.Background(), briefingFor("x"))
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusPublished, res.Status)
	assert.Len(t, l.Submissions(), 1)
}

func TestPublishFatalFailureSurfaces(t *testing.T) {
	l := ledger.NewMemory()
	l.FailNext = 1
	l.PublishErr = errors.New("execution reverted")
	log := &memoryLog{}
	p := commitment.NewPublisher(l, log, commitment.PublisherOptions{Retry: fastRetry()}, zerolog.Nop())

	_, err := p.Publish(context.Background(), briefingFor("x"))
	require.ErrorIs(t, err, l.PublishErr)
	assert.Empty(t, l.Submissions())
	assert.Empty(t, log.entries)
}

func TestCommitLogFailureDoesNotUndoSubmission(t *testing.T) {
	l := ledger.NewMemory()
	p := commitment.NewPublisher(l, &memoryLog{err: errors.New("db down")}, commitment.PublisherOptions{}, zerolog.Nop())

	res, err := p.Publish(context.Background(), briefingFor("x"))
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusPublished, res.Status)
	assert.Len(t, l.Submissions(), 1)
}

func TestDryRun(t *testing.T) {
	l := ledger.NewMemory()
	p := commitment.NewPublisher(l, nil, commitment.PublisherOptions{DryRun: true}, zerolog.Nop())
	b := briefingFor("x")

	res, err := p.Publish(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusDryRun, res.Status)
	assert.Equal(t, commitment.SummaryHash(b), res.Record.SummaryHash)
	assert.Empty(t, l.Submissions())

	offline := commitment.NewPublisher(nil, nil, commitment.PublisherOptions{DryRun: true}, zerolog.Nop())
	res, err = offline.Publish(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusDryRun, res.Status)

	live := commitment.NewPublisher(nil, nil, commitment.PublisherOptions{}, zerolog.Nop())
	_, err = live.Publish(context.Background(), b)
	require.ErrorIs(t, err, commitment.ErrLedgerNotConfigured)
}

func TestScenarioAlreadyCommittedDay(t *testing.T) {
	// (2025-08-29, ethereum) already committed with H; the same inputs hash to H again.
	b := briefingFor("No significant anomaly on ethereum.")
	l := ledger.NewMemory()
	_, err := l.Publish(context.Background(), commitment.NewRecord(b, ""))
	require.NoError(t, err)

	p := commitment.NewPublisher(l, nil, commitment.PublisherOptions{}, zerolog.Nop())
	res, err := p.Publish(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, commitment.StatusAlreadyPublished, res.Status)
	assert.Len(t, l.Submissions(), 1)
}

func TestVerify(t *testing.T) {
	l := ledger.NewMemory()
	p := commitment.NewPublisher(l, nil, commitment.PublisherOptions{}, zerolog.Nop())
	b := briefingFor("x")

	v, err := p.Verify(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, v.Found)
	assert.False(t, v.Match())

	_, err = p.Publish(context.Background(), b)
	require.NoError(t, err)
	v, err = p.Verify(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, v.Match())

	b.SummaryText = "edited"
	v, err = p.Verify(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, v.Found)
	assert.False(t, v.Match())
	assert.NotEqual(t, common.Hash{}, v.OnLedger)
}
