package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CommitmentEntry is one row of the local commitment log.
type CommitmentEntry struct {
	ID               int64
	Day              time.Time
	Chain            string
	LedgerKey        common.Hash
	SummaryHash      common.Hash
	HasAnomaly       bool
	EvidenceRowCount uint64
	ModelID          string
	EvidenceURI      string
	TxID             string
	SubmittedAt      time.Time
	CreatedAt        time.Time
}
