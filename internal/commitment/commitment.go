package commitment

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"xchain-radar/internal/briefing"
	"xchain-radar/internal/flows"
)

// Record is the on-ledger commitment derived from a Briefing.
type Record struct {
	Day              time.Time
	Chain            string
	SummaryHash      common.Hash
	HasAnomaly       bool
	EvidenceRowCount uint64
	ModelID          string
	EvidenceURI      string
}

// DayString formats Day as YYYY-MM-DD.
func (r Record) DayString() string { return flows.FormatDay(r.Day) }

// Key is the ledger slot of the record.
func (r Record) Key() common.Hash { return LedgerKey(r.Day, r.Chain) }

// Receipt identifies a submitted transaction. No confirmation is implied.
type Receipt struct {
	TxID string
	Key  common.Hash
}

// Ledger is the publish target. Get reports found=false when nothing was committed for the key.
type Ledger interface {
	Get(ctx context.Context, day time.Time, chain string) (hash common.Hash, found bool, err error)
	Publish(ctx context.Context, rec Record) (Receipt, error)
}

// SummaryHash digests the fields that identify a briefing's content.
func SummaryHash(b briefing.Briefing) common.Hash {
	return NewEncoder(EncodingVersion).
		PutString(flows.FormatDay(b.Day)).
		PutString(b.Chain).
		PutString(b.SummaryText).
		PutBool(b.HasAnomaly).
		PutU64(uint64(b.EvidenceRowCount)).
		Sum()
}

// LedgerKey is the contract mapping key for (day, chain).
func LedgerKey(day time.Time, chain string) common.Hash {
	return NewEncoder(EncodingVersion).
		PutString(flows.FormatDay(day)).
		PutString(chain).
		Sum()
}

// NewRecord derives the commitment for b.
func NewRecord(b briefing.Briefing, evidenceURI string) Record {
	return Record{
		Day:              flows.NormalizeDay(b.Day),
		Chain:            b.Chain,
		SummaryHash:      SummaryHash(b),
		HasAnomaly:       b.HasAnomaly,
		EvidenceRowCount: uint64(b.EvidenceRowCount),
		ModelID:          b.ModelID,
		EvidenceURI:      evidenceURI,
	}
}

// ExpandURI substitutes {day} and {chain} in tmpl.
func ExpandURI(tmpl string, day time.Time, chain string) string {
	if tmpl == "" {
		return ""
	}
	return strings.NewReplacer("{day}", flows.FormatDay(day), "{chain}", chain).Replace(tmpl)
}
