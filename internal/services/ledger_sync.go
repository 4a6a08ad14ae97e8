package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"festa/internal/core"
	"festa/internal/metrics"
	"festa/internal/sheets"
	"festa/internal/storage"
)

// ErrNotCompleted is returned when a purchase still has steps left.
var ErrNotCompleted = errors.New("purchase is not completed")

// SyncStore adds the ledger sync bookkeeping to Store.
type SyncStore interface {
	Store
	GetPendingSync(ctx context.Context, limit, maxAttempts int) ([]storage.PendingSync, error)
	IsSynced(ctx context.Context, purchaseID string) (bool, error)
	MarkSynced(ctx context.Context, purchaseID string) error
	MarkSyncError(ctx context.Context, purchaseID string) error
	ResetSyncErrors(ctx context.Context) (int64, error)
	ListSynced(ctx context.Context) ([]string, error)
}

// LedgerSyncConfig holds configuration for the ledger sync processor
type LedgerSyncConfig struct {
	// PollInterval is how often to check for pending purchases (default: 30s)
	PollInterval time.Duration

	// BatchSize is the max number of purchases per poll cycle (default: 10)
	BatchSize int

	// MaxRetries is the number of failed attempts after which a purchase is
	// left alone until RetryFailed is called (default: 3)
	MaxRetries int
}

func DefaultLedgerSyncConfig() LedgerSyncConfig {
	return LedgerSyncConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    10,
		MaxRetries:   3,
	}
}

// LedgerSyncProcessor writes completed purchases to the accounting ledger.
// Completion queues a purchase in SQLite; the processor polls that queue so
// a lost event or a ledger outage only delays the row.
type LedgerSyncProcessor struct {
	store  SyncStore
	ledger sheets.LedgerWriter
	config LedgerSyncConfig

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// one purchase is never written by the poll loop and an event at once
	syncMu sync.Mutex
}

func NewLedgerSyncProcessor(store SyncStore, ledger sheets.LedgerWriter, config LedgerSyncConfig) *LedgerSyncProcessor {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultLedgerSyncConfig().BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultLedgerSyncConfig().MaxRetries
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultLedgerSyncConfig().PollInterval
	}
	return &LedgerSyncProcessor{store: store, ledger: ledger, config: config}
}

// Start begins the polling loop. Returns an error if already running.
func (p *LedgerSyncProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("ledger sync processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Ledger sync processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)
	return nil
}

// Stop signals the loop and waits for the current batch to finish.
func (p *LedgerSyncProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Ledger sync processor stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Ledger sync processor stop timed out")
		return ctx.Err()
	}
}

func (p *LedgerSyncProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *LedgerSyncProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on startup
	p.ProcessPending(ctx, p.config.BatchSize)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessPending(ctx, p.config.BatchSize)
		}
	}
}

// ProcessPending syncs up to limit queued purchases and reports how many
// were written and how many failed.
func (p *LedgerSyncProcessor) ProcessPending(ctx context.Context, limit int) (synced, failed int) {
	pending, err := p.store.GetPendingSync(ctx, limit, p.config.MaxRetries)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load pending ledger rows", "error", err)
		return 0, 0
	}
	if len(pending) == 0 {
		return 0, 0
	}

	slog.DebugContext(ctx, "Processing ledger batch", "count", len(pending))
	for _, item := range pending {
		if ctx.Err() != nil {
			return synced, failed
		}
		if err := p.SyncPurchase(ctx, item.PurchaseID); err != nil {
			slog.WarnContext(ctx, "Ledger sync failed",
				"purchase_id", item.PurchaseID,
				"attempt", item.Attempts+1,
				"error", err)
			failed++
			continue
		}
		synced++
	}
	return synced, failed
}

// SyncPurchase writes one completed purchase to the ledger. Purchases that
// are already synced are skipped.
func (p *LedgerSyncProcessor) SyncPurchase(ctx context.Context, purchaseID string) error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	done, err := p.store.IsSynced(ctx, purchaseID)
	if err != nil {
		return fmt.Errorf("check sync state: %w", err)
	}
	if done {
		return nil
	}

	start := time.Now()
	entry, err := p.buildEntry(ctx, purchaseID)
	if err == nil {
		var ref string
		ref, err = p.ledger.AppendEntry(ctx, entry)
		if err == nil {
			slog.InfoContext(ctx, "Purchase written to ledger", "purchase_id", purchaseID, "ref", ref)
		}
	}
	metrics.RecordLedgerSync(time.Since(start), err == nil)

	if err != nil {
		if markErr := p.store.MarkSyncError(ctx, purchaseID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark ledger sync error", "purchase_id", purchaseID, "error", markErr)
		}
		return err
	}
	if err := p.store.MarkSynced(ctx, purchaseID); err != nil {
		// The row exists; the next attempt finds it and does not append again
		slog.ErrorContext(ctx, "Failed to mark purchase as synced", "purchase_id", purchaseID, "error", err)
	}
	return nil
}

// RetryFailed makes purchases that ran out of attempts eligible again.
func (p *LedgerSyncProcessor) RetryFailed(ctx context.Context) (int64, error) {
	n, err := p.store.ResetSyncErrors(ctx)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Ledger sync errors reset", "count", n)
	return n, nil
}

// LedgerCheck compares the purchases marked synced with the ledger rows of
// one year.
type LedgerCheck struct {
	Year    int
	Synced  int
	Rows    int
	Missing []string // marked synced, but no ledger row
	Unknown []string // ledger row without a synced purchase
}

func (c LedgerCheck) OK() bool {
	return len(c.Missing) == 0 && len(c.Unknown) == 0
}

// Verify reads the ledger back and reports rows that disagree with the sync
// queue for purchases completed in year.
func (p *LedgerSyncProcessor) Verify(ctx context.Context, year int) (LedgerCheck, error) {
	check := LedgerCheck{Year: year}
	lister, ok := p.ledger.(sheets.LedgerLister)
	if !ok {
		return check, errors.New("ledger cannot be read back")
	}

	ids, err := p.store.ListSynced(ctx)
	if err != nil {
		return check, fmt.Errorf("list synced purchases: %w", err)
	}
	synced := make(map[string]bool, len(ids))
	for _, id := range ids {
		purchase, err := p.store.GetPurchase(ctx, id)
		if err != nil {
			return check, fmt.Errorf("load purchase %s: %w", id, err)
		}
		if completedAt(purchase).Year() == year {
			synced[id] = true
		}
	}
	check.Synced = len(synced)

	entries, err := lister.ListEntries(ctx, year)
	if err != nil {
		return check, fmt.Errorf("read ledger: %w", err)
	}
	check.Rows = len(entries)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.PurchaseID] = true
		if !synced[e.PurchaseID] {
			check.Unknown = append(check.Unknown, e.PurchaseID)
		}
	}
	for id := range synced {
		if !seen[id] {
			check.Missing = append(check.Missing, id)
		}
	}
	sort.Strings(check.Missing)
	sort.Strings(check.Unknown)

	slog.InfoContext(ctx, "Ledger verified",
		"year", year, "synced", check.Synced, "rows", check.Rows,
		"missing", len(check.Missing), "unknown", len(check.Unknown))
	return check, nil
}

func (p *LedgerSyncProcessor) buildEntry(ctx context.Context, purchaseID string) (sheets.LedgerEntry, error) {
	purchase, err := p.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return sheets.LedgerEntry{}, fmt.Errorf("load purchase: %w", err)
	}
	if core.Status(purchase) != core.StatusCompleted {
		return sheets.LedgerEntry{}, fmt.Errorf("purchase %s: %w", purchaseID, ErrNotCompleted)
	}
	part, err := p.store.GetPart(ctx, purchase.PartID)
	if err != nil {
		return sheets.LedgerEntry{}, fmt.Errorf("load part: %w", err)
	}
	wallet, err := p.store.GetWallet(ctx, part.WalletID)
	if err != nil {
		return sheets.LedgerEntry{}, fmt.Errorf("load wallet: %w", err)
	}
	requester, err := p.store.GetUser(ctx, purchase.RequestedBy)
	if err != nil {
		return sheets.LedgerEntry{}, fmt.Errorf("load requester: %w", err)
	}
	return LedgerEntryFor(purchase, part, wallet, requester), nil
}

// LedgerEntryFor flattens a completed purchase into a ledger row.
func LedgerEntryFor(p core.Purchase, part core.Part, w core.Wallet, requester core.User) sheets.LedgerEntry {
	e := sheets.LedgerEntry{
		PurchaseID:      p.ID,
		Wallet:          w.Name,
		Part:            part.Name,
		Requester:       requester.Name,
		Items:           p.Items,
		RequestedAt:     p.CreatedAt,
		CompletedAt:     completedAt(p),
		PaidByRequester: p.PaidByRequester,
		Planned:         p.PlannedUsage.Yen,
		Given:           p.GivenAmount(),
		Change:          p.ChangeDue(),
	}
	if p.UsageReport != nil {
		e.Actual = p.UsageReport.ActualUsage.Yen
	}
	return e
}

// completedAt is the time of the last recorded step.
func completedAt(p core.Purchase) time.Time {
	var last time.Time
	for _, t := range []time.Time{
		stepTime(p.UsageReport != nil, func() time.Time { return p.UsageReport.At }),
		stepTime(p.ChangeReturn != nil, func() time.Time { return p.ChangeReturn.At }),
		stepTime(p.ReceiptSubmission != nil, func() time.Time { return p.ReceiptSubmission.At }),
	} {
		if t.After(last) {
			last = t
		}
	}
	return last
}

func stepTime(ok bool, at func() time.Time) time.Time {
	if !ok {
		return time.Time{}
	}
	return at()
}
