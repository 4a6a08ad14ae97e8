package sheets

import (
	"context"
	"errors"
	"strings"
	"time"
)

// LedgerEntry is one completed purchase as written to the ledger sheet.
type LedgerEntry struct {
	PurchaseID      string
	Wallet          string
	Part            string
	Requester       string
	Items           string
	RequestedAt     time.Time
	CompletedAt     time.Time
	PaidByRequester bool
	Planned         int64
	Given           int64
	Actual          int64
	Change          int64 // negative when the requester was reimbursed
}

func (e LedgerEntry) Validate() error {
	if strings.TrimSpace(e.PurchaseID) == "" {
		return errors.New("ledger entry without purchase id")
	}
	if e.Actual < 0 || e.Given < 0 || e.Planned <= 0 {
		return errors.New("ledger entry with invalid amounts")
	}
	return nil
}

// Ports for outbound adapters.
type (
	// LedgerWriter appends completed purchases to the accounting ledger.
	// Appending an entry whose PurchaseID is already present must not add a
	// second row.
	LedgerWriter interface {
		AppendEntry(ctx context.Context, e LedgerEntry) (rowRef string, err error)
	}

	// LedgerLister reads back the rows of purchases completed in year.
	LedgerLister interface {
		ListEntries(ctx context.Context, year int) ([]LedgerEntry, error)
	}

	Ledger interface {
		LedgerWriter
		LedgerLister
	}
)
