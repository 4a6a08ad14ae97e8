package services

import (
	"context"
	"fmt"

	"festa/internal/core"
)

// ActionItem is a purchase waiting for the user.
type ActionItem struct {
	Purchase core.Purchase
	Part     core.Part
	Wallet   core.Wallet
	Steps    []core.ProcedureState
}

// OwnPurchase is a purchase the user requested.
type OwnPurchase struct {
	Purchase core.Purchase
	Part     core.Part
	Status   core.PurchaseStatus
	Next     *core.ProcedureState
}

type WalletCard struct {
	Summary    core.WalletSummary
	Teacher    bool
	Accountant bool
}

type Dashboard struct {
	User        core.User
	Wallets     []WalletCard
	Actions     []ActionItem
	MyPurchases []OwnPurchase
}

// PartView is a part page: its budget and purchases.
type PartView struct {
	Part       core.Part
	Wallet     core.Wallet
	Summary    core.PartSummary
	Purchases  []OwnPurchase
	CanRequest bool
}

// DashboardService assembles the read-only pages.
type DashboardService struct {
	store   Store
	budgets *BudgetService
}

func NewDashboardService(store Store, budgets *BudgetService) *DashboardService {
	return &DashboardService{store: store, budgets: budgets}
}

// Dashboard lists the user's wallets, the steps waiting for the user and
// the user's own requests.
func (s *DashboardService) Dashboard(ctx context.Context, user core.User) (Dashboard, error) {
	d := Dashboard{User: user}

	wallets, err := s.store.ListWalletsForUser(ctx, user.ID)
	if err != nil {
		return d, fmt.Errorf("load wallets: %w", err)
	}

	partsByID := map[string]core.Part{}
	for _, w := range wallets {
		summary, err := s.budgets.WalletSummary(ctx, w.ID)
		if err != nil {
			return d, err
		}
		d.Wallets = append(d.Wallets, WalletCard{
			Summary:    summary,
			Teacher:    w.IsTeacher(user.ID),
			Accountant: w.IsAccountant(user.ID),
		})
		for _, ps := range summary.Parts {
			partsByID[ps.Part.ID] = ps.Part
		}

		actor := core.ActorFor(w, user.ID)
		if !actor.Accountant && !actor.Teacher {
			continue
		}
		purchases, err := s.store.ListPurchasesByWallet(ctx, w.ID)
		if err != nil {
			return d, fmt.Errorf("load purchases: %w", err)
		}
		for _, p := range purchases {
			var steps []core.ProcedureState
			for _, st := range core.RecommendedFor(p, actor) {
				if st.Procedure != core.ProcUsageReport {
					steps = append(steps, st)
				}
			}
			if len(steps) == 0 {
				continue
			}
			d.Actions = append(d.Actions, ActionItem{Purchase: p, Part: partsByID[p.PartID], Wallet: w, Steps: steps})
		}
	}

	own, err := s.store.ListPurchasesByRequester(ctx, user.ID)
	if err != nil {
		return d, fmt.Errorf("load own purchases: %w", err)
	}
	for _, p := range own {
		part, ok := partsByID[p.PartID]
		if !ok {
			if part, err = s.store.GetPart(ctx, p.PartID); err != nil {
				return d, fmt.Errorf("load part: %w", err)
			}
		}
		d.MyPurchases = append(d.MyPurchases, ownPurchase(p, part))

		// usage reports are the requester's own step
		for _, st := range core.RecommendedFor(p, core.Actor{UserID: user.ID}) {
			if st.Procedure == core.ProcUsageReport {
				d.Actions = append(d.Actions, ActionItem{Purchase: p, Part: part, Steps: []core.ProcedureState{st}})
			}
		}
	}
	return d, nil
}

func ownPurchase(p core.Purchase, part core.Part) OwnPurchase {
	op := OwnPurchase{Purchase: p, Part: part, Status: core.Status(p)}
	if next, ok := core.RecommendedNext(p); ok {
		op.Next = &next
	}
	return op
}

// WalletSummary returns the summary of a wallet the user takes part in.
func (s *DashboardService) WalletSummary(ctx context.Context, walletID, userID string) (core.WalletSummary, error) {
	ws, err := s.budgets.WalletSummary(ctx, walletID)
	if err != nil {
		return ws, err
	}
	if !walletParticipant(ws, userID) {
		return core.WalletSummary{}, ErrForbidden
	}
	return ws, nil
}

func walletParticipant(ws core.WalletSummary, userID string) bool {
	if ws.Wallet.IsTeacher(userID) || ws.Wallet.IsAccountant(userID) {
		return true
	}
	for _, ps := range ws.Parts {
		if ps.Part.HasMember(userID) {
			return true
		}
	}
	return false
}

// PartView loads a part page for a wallet participant.
func (s *DashboardService) PartView(ctx context.Context, partID, userID string) (PartView, error) {
	part, err := s.store.GetPart(ctx, partID)
	if err != nil {
		return PartView{}, fmt.Errorf("load part: %w", err)
	}
	ws, err := s.WalletSummary(ctx, part.WalletID, userID)
	if err != nil {
		return PartView{}, err
	}
	purchases, err := s.store.ListPurchasesByPart(ctx, partID)
	if err != nil {
		return PartView{}, fmt.Errorf("load purchases: %w", err)
	}

	v := PartView{
		Part:       part,
		Wallet:     ws.Wallet,
		Summary:    core.SummarizePart(part, purchases),
		CanRequest: part.HasMember(userID),
	}
	for _, p := range purchases {
		v.Purchases = append(v.Purchases, ownPurchase(p, part))
	}
	return v, nil
}
