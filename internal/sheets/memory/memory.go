package memory

import (
	"context"
	"fmt"
	"sync"

	"festa/internal/sheets"
)

// Ledger keeps ledger entries in memory. It backs local development when no
// spreadsheet is configured, and tests.
type Ledger struct {
	mu      sync.Mutex
	entries []sheets.LedgerEntry
	index   map[string]int
}

var (
	_ sheets.LedgerWriter = (*Ledger)(nil)
	_ sheets.LedgerLister = (*Ledger)(nil)
)

func New() *Ledger {
	return &Ledger{index: map[string]int{}}
}

// AppendEntry stores the entry and returns a synthetic row reference.
func (l *Ledger) AppendEntry(_ context.Context, e sheets.LedgerEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[e.PurchaseID]; ok {
		return fmt.Sprintf("mem:%d", i+1), nil
	}
	l.entries = append(l.entries, e)
	l.index[e.PurchaseID] = len(l.entries) - 1
	return fmt.Sprintf("mem:%d", len(l.entries)), nil
}

func (l *Ledger) ListEntries(_ context.Context, year int) ([]sheets.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []sheets.LedgerEntry
	for _, e := range l.entries {
		if e.CompletedAt.Year() == year {
			out = append(out, e)
		}
	}
	return out, nil
}
