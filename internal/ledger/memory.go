package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"xchain-radar/internal/commitment"
)

// Memory is an in-process ledger. Publish takes effect immediately.
type Memory struct {
	mu          sync.RWMutex
	commitments map[common.Hash]common.Hash
	submissions []commitment.Record

	// FailNext makes the next n Publish calls return PublishErr.
	FailNext   int
	PublishErr error
}

// NewMemory constructs an empty ledger.
func NewMemory() *Memory {
	return &Memory{commitments: make(map[common.Hash]common.Hash)}
}

// Get returns the stored hash for (day, chain).
func (m *Memory) Get(_ context.Context, day time.Time, chain string) (common.Hash, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.commitments[commitment.LedgerKey(day, chain)]
	return h, ok, nil
}

// Publish records rec and returns a synthetic transaction id.
func (m *Memory) Publish(_ context.Context, rec commitment.Record) (commitment.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNext > 0 {
		m.FailNext--
		return commitment.Receipt{}, m.PublishErr
	}

	key := rec.Key()
	m.commitments[key] = rec.SummaryHash
	m.submissions = append(m.submissions, rec)
	return commitment.Receipt{TxID: fmt.Sprintf("mem-%d", len(m.submissions)), Key: key}, nil
}

// Submissions returns every accepted record in order.
func (m *Memory) Submissions() []commitment.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]commitment.Record(nil), m.submissions...)
}

var _ commitment.Ledger = (*Memory)(nil)
