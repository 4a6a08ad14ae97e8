package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"festa/internal/amqp"
	"festa/internal/core"
	"festa/internal/metrics"
	"festa/internal/storage"
)

var (
	ErrNotPartMember = errors.New("only part members can request purchases")
	ErrForbidden     = errors.New("not a participant of this wallet")
)

// Store is the persistence the services need. *storage.SQLiteRepository implements it.
type Store interface {
	GetUser(ctx context.Context, id string) (core.User, error)
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	GetWallet(ctx context.Context, id string) (core.Wallet, error)
	ListWalletsForUser(ctx context.Context, userID string) ([]core.Wallet, error)
	GetPart(ctx context.Context, id string) (core.Part, error)
	ListParts(ctx context.Context, walletID string) ([]core.Part, error)
	CreatePurchase(ctx context.Context, p core.Purchase) (core.Purchase, error)
	GetPurchase(ctx context.Context, id string) (core.Purchase, error)
	SavePurchase(ctx context.Context, p core.Purchase) (core.Purchase, error)
	ListPurchasesByPart(ctx context.Context, partID string) ([]core.Purchase, error)
	ListPurchasesByWallet(ctx context.Context, walletID string) ([]core.Purchase, error)
	ListPurchasesByRequester(ctx context.Context, userID string) ([]core.Purchase, error)
}

// EventPublisher is implemented by *amqp.Client.
type EventPublisher interface {
	PublishPurchaseEvent(ctx context.Context, ev *amqp.PurchaseEvent) error
}

// PurchaseService orchestrates purchase operations across SQLite and AMQP
type PurchaseService struct {
	store     Store
	publisher EventPublisher
	budgets   *BudgetService
	now       func() time.Time

	// serializes the budget check and insert of new requests
	requestMu sync.Mutex
}

func NewPurchaseService(store Store, publisher EventPublisher, budgets *BudgetService) *PurchaseService {
	return &PurchaseService{
		store:     store,
		publisher: publisher,
		budgets:   budgets,
		now:       time.Now,
	}
}

// NewPurchase is the input of a purchase request.
type NewPurchase struct {
	PartID          string
	RequesterID     string
	Items           string
	Note            string
	PlannedUsage    core.Money
	PaidByRequester bool
}

// StepInput carries what a user submits to record one step. Approved and
// Comment are read by the approval steps, Amount by givenMoney and usageReport.
type StepInput struct {
	PurchaseID string
	Procedure  core.Procedure
	UserID     string
	Approved   bool
	Comment    string
	Amount     core.Money
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// RequestPurchase stores a new request once the requester's part has enough budget left.
func (s *PurchaseService) RequestPurchase(ctx context.Context, in NewPurchase) (core.Purchase, error) {
	part, err := s.store.GetPart(ctx, in.PartID)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("load part: %w", err)
	}
	if !part.HasMember(in.RequesterID) {
		metrics.RecordStep(string(core.ProcRequest), "rejected")
		return core.Purchase{}, ErrNotPartMember
	}

	p := core.Purchase{
		ID:              core.NewID(),
		PartID:          part.ID,
		RequestedBy:     in.RequesterID,
		Items:           in.Items,
		Note:            in.Note,
		PlannedUsage:    in.PlannedUsage,
		PaidByRequester: in.PaidByRequester,
		CreatedAt:       s.now(),
	}
	if err := p.Validate(); err != nil {
		metrics.RecordStep(string(core.ProcRequest), "rejected")
		return core.Purchase{}, err
	}

	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	summary, err := s.budgets.PartSummary(ctx, part)
	if err != nil {
		return core.Purchase{}, err
	}
	if err := core.CheckBudget(summary, p.PlannedUsage); err != nil {
		metrics.RecordStep(string(core.ProcRequest), "rejected")
		return core.Purchase{}, fmt.Errorf("%w: %s left", err, summary.Remaining)
	}

	// Save to SQLite first, the event is best effort
	p, err = s.store.CreatePurchase(ctx, p)
	if err != nil {
		metrics.RecordStep(string(core.ProcRequest), "error")
		return core.Purchase{}, fmt.Errorf("save purchase: %w", err)
	}
	metrics.RecordStep(string(core.ProcRequest), "ok")
	s.budgets.Invalidate(part.WalletID)

	s.publish(ctx, p, core.ProcRequest, in.RequesterID)
	return p, nil
}

// PerformStep records one lifecycle step for the user.
func (s *PurchaseService) PerformStep(ctx context.Context, in StepInput) (core.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, in.PurchaseID)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("load purchase: %w", err)
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != p.Version {
		metrics.RecordStep(string(in.Procedure), "error")
		return core.Purchase{}, fmt.Errorf("purchase %s version %d: %w", p.ID, in.ExpectedVersion, storage.ErrConflict)
	}

	part, err := s.store.GetPart(ctx, p.PartID)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("load part: %w", err)
	}
	wallet, err := s.store.GetWallet(ctx, part.WalletID)
	if err != nil {
		return core.Purchase{}, fmt.Errorf("load wallet: %w", err)
	}

	actor := core.ActorFor(wallet, in.UserID)
	at := s.now()

	var updated core.Purchase
	switch in.Procedure {
	case core.ProcAccountantApproval:
		updated, err = core.ApproveByAccountant(p, actor, in.Approved, in.Comment, at)
	case core.ProcTeacherApproval:
		updated, err = core.ApproveByTeacher(p, actor, in.Approved, in.Comment, at)
	case core.ProcGivenMoney:
		updated, err = core.HandOverMoney(p, actor, in.Amount, at)
	case core.ProcUsageReport:
		updated, err = core.ReportUsage(p, actor, in.Amount, at)
	case core.ProcChangeReturn:
		updated, err = core.ReturnChange(p, actor, at)
	case core.ProcReceiptSubmission:
		updated, err = core.SubmitReceipt(p, actor, at)
	default:
		err = core.CanPerform(p, in.Procedure, actor)
		if err == nil {
			err = &core.StepError{Procedure: in.Procedure, Err: core.ErrUnknownProcedure}
		}
	}
	if err != nil {
		metrics.RecordStep(string(in.Procedure), "rejected")
		slog.WarnContext(ctx, "Purchase step refused",
			"purchase_id", p.ID, "step", in.Procedure, "user_id", in.UserID, "error", err)
		return core.Purchase{}, err
	}

	saved, err := s.store.SavePurchase(ctx, updated)
	if err != nil {
		metrics.RecordStep(string(in.Procedure), "error")
		return core.Purchase{}, fmt.Errorf("save purchase: %w", err)
	}
	metrics.RecordStep(string(in.Procedure), "ok")
	s.budgets.Invalidate(wallet.ID)

	slog.InfoContext(ctx, "Purchase step recorded",
		"purchase_id", saved.ID,
		"step", in.Procedure,
		"user_id", in.UserID,
		"status", core.Status(saved),
		"version", saved.Version)

	s.publish(ctx, saved, in.Procedure, in.UserID)
	return saved, nil
}

func (s *PurchaseService) publish(ctx context.Context, p core.Purchase, step core.Procedure, actorID string) {
	if s.publisher == nil {
		slog.WarnContext(ctx, "AMQP client not available, skipping purchase event")
		return
	}
	err := s.publisher.PublishPurchaseEvent(ctx, amqp.NewPurchaseEvent(p.ID, step, actorID, p.Version))
	metrics.RecordPublish(err)
	if err != nil {
		// The purchase is saved; the worker's recovery loop covers the ledger
		slog.ErrorContext(ctx, "Failed to publish purchase event",
			"purchase_id", p.ID, "step", step, "error", err)
	}
}

// PurchaseView is everything the purchase page shows.
type PurchaseView struct {
	Purchase    core.Purchase
	Part        core.Part
	Wallet      core.Wallet
	Requester   core.User
	Actor       core.Actor
	Status      core.PurchaseStatus
	Steps       []core.ProcedureState
	Next        *core.ProcedureState
	Recommended []core.ProcedureState // steps the viewing user can record now
}

// CanAct reports whether the viewing user can record proc now.
func (v PurchaseView) CanAct(proc core.Procedure) bool {
	for _, st := range v.Recommended {
		if st.Procedure == proc {
			return true
		}
	}
	return false
}

// GetPurchaseView loads a purchase for a wallet participant.
func (s *PurchaseService) GetPurchaseView(ctx context.Context, purchaseID, userID string) (PurchaseView, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return PurchaseView{}, fmt.Errorf("load purchase: %w", err)
	}
	part, err := s.store.GetPart(ctx, p.PartID)
	if err != nil {
		return PurchaseView{}, fmt.Errorf("load part: %w", err)
	}
	wallet, err := s.store.GetWallet(ctx, part.WalletID)
	if err != nil {
		return PurchaseView{}, fmt.Errorf("load wallet: %w", err)
	}
	if !canView(wallet, part, p, userID) {
		return PurchaseView{}, ErrForbidden
	}

	requester, err := s.store.GetUser(ctx, p.RequestedBy)
	if err != nil {
		return PurchaseView{}, fmt.Errorf("load requester: %w", err)
	}

	actor := core.ActorFor(wallet, userID)
	v := PurchaseView{
		Purchase:    p,
		Part:        part,
		Wallet:      wallet,
		Requester:   requester,
		Actor:       actor,
		Status:      core.Status(p),
		Steps:       core.DeriveProcedures(p),
		Recommended: core.RecommendedFor(p, actor),
	}
	if next, ok := core.RecommendedNext(p); ok {
		v.Next = &next
	}
	return v, nil
}

func canView(w core.Wallet, part core.Part, p core.Purchase, userID string) bool {
	return w.IsTeacher(userID) || w.IsAccountant(userID) || part.HasMember(userID) || p.RequestedBy == userID
}
