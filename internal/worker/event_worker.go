// Package worker consumes purchase events: it tells the next responsible
// users what is waiting for them and writes completed purchases to the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"festa/internal/amqp"
	"festa/internal/core"
	"festa/internal/metrics"
	"festa/internal/notify"
	"festa/internal/storage"
)

// Store is the read side the worker needs.
type Store interface {
	GetUser(ctx context.Context, id string) (core.User, error)
	GetWallet(ctx context.Context, id string) (core.Wallet, error)
	GetPart(ctx context.Context, id string) (core.Part, error)
	GetPurchase(ctx context.Context, id string) (core.Purchase, error)
}

// LedgerSyncer is implemented by *services.LedgerSyncProcessor.
type LedgerSyncer interface {
	SyncPurchase(ctx context.Context, purchaseID string) error
	ProcessPending(ctx context.Context, limit int) (synced, failed int)
}

type EventWorker struct {
	store     Store
	notifier  notify.Notifier
	ledger    LedgerSyncer
	batchSize int
}

// NewEventWorker builds a worker. ledger may be nil when no ledger is configured.
func NewEventWorker(store Store, notifier notify.Notifier, ledger LedgerSyncer, batchSize int) *EventWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &EventWorker{store: store, notifier: notifier, ledger: ledger, batchSize: batchSize}
}

// HandlePurchaseEvent reacts to one recorded step. Returning an error makes
// the consumer requeue the message, so only transient failures are returned.
func (w *EventWorker) HandlePurchaseEvent(ctx context.Context, ev *amqp.PurchaseEvent) error {
	slog.InfoContext(ctx, "Processing purchase event",
		"purchase_id", ev.PurchaseID,
		"step", ev.Step,
		"version", ev.Version)

	p, err := w.store.GetPurchase(ctx, ev.PurchaseID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.WarnContext(ctx, "Dropping event for unknown purchase", "purchase_id", ev.PurchaseID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load purchase: %w", err)
	}

	// A newer step has been recorded since; its own event carries the
	// notifications for the current state.
	if ev.Version < p.Version {
		slog.DebugContext(ctx, "Skipping stale purchase event",
			"purchase_id", p.ID, "event_version", ev.Version, "current_version", p.Version)
		return nil
	}

	part, err := w.store.GetPart(ctx, p.PartID)
	if err != nil {
		return fmt.Errorf("load part: %w", err)
	}
	wallet, err := w.store.GetWallet(ctx, part.WalletID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}

	switch core.Status(p) {
	case core.StatusRejected:
		w.send(ctx, notify.KindRejected, []string{p.RequestedBy}, p,
			fmt.Sprintf("Your purchase %q for %s was rejected.", p.Items, part.Name))
		return nil

	case core.StatusCompleted:
		w.send(ctx, notify.KindCompleted, []string{p.RequestedBy}, p,
			fmt.Sprintf("Your purchase %q for %s is complete.", p.Items, part.Name))
		if w.ledger == nil {
			return nil
		}
		if err := w.ledger.SyncPurchase(ctx, p.ID); err != nil {
			// The purchase stays queued; the periodic pass retries it
			slog.ErrorContext(ctx, "Ledger sync failed", "purchase_id", p.ID, "error", err)
		}
		return nil
	}

	next, ok := core.RecommendedNext(p)
	if !ok {
		return nil
	}
	w.send(ctx, notify.KindActionRequired, recipients(next.Responsible, p, wallet), p,
		fmt.Sprintf("%s is waiting for you on %q (%s, %s).",
			next.Procedure.Label(), p.Items, part.Name, p.PlannedUsage))
	return nil
}

// recipients are the users who can record a step, the requester excluded
// from approvals of their own purchase.
func recipients(r core.Responsible, p core.Purchase, w core.Wallet) []string {
	var ids []string
	switch r {
	case core.ResponsibleRequester:
		return []string{p.RequestedBy}
	case core.ResponsibleAccountant:
		ids = w.Accountants
	case core.ResponsibleTeacher:
		ids = w.Teachers
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != p.RequestedBy {
			out = append(out, id)
		}
	}
	return out
}

func (w *EventWorker) send(ctx context.Context, kind string, userIDs []string, p core.Purchase, body string) {
	if w.notifier == nil {
		return
	}
	for _, id := range userIDs {
		u, err := w.store.GetUser(ctx, id)
		if err != nil {
			slog.WarnContext(ctx, "Skipping notification for unknown user", "user_id", id, "error", err)
			continue
		}
		msg := notify.Message{Kind: kind, Destination: u.Email, PurchaseID: p.ID, Body: body}
		if err := w.notifier.Send(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "Failed to send notification",
				"kind", kind, "user_id", id, "purchase_id", p.ID, "error", err)
			continue
		}
		metrics.RecordNotification(kind)
	}
}

// StartupSyncCheck writes completed purchases left over from missed events
// or worker downtime.
func (w *EventWorker) StartupSyncCheck(ctx context.Context) error {
	if w.ledger == nil {
		slog.InfoContext(ctx, "Ledger disabled, skipping startup sync check")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	synced, failed := w.ledger.ProcessPending(ctx, w.batchSize*5)
	slog.InfoContext(ctx, "Startup sync completed", "synced", synced, "errors", failed)
	return nil
}
