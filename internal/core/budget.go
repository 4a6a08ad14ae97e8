package core

import "errors"

var ErrOverBudget = errors.New("planned usage exceeds remaining part budget")

// PartSummary aggregates the purchases of one part against its budget.
type PartSummary struct {
	Part      Part
	Budget    Money
	Committed Money // planned usage of open purchases not yet reported
	Spent     Money // actual usage of reported purchases
	Remaining Money // may be negative

	InProgress int
	Completed  int
	Rejected   int
}

// WalletSummary aggregates all parts of a wallet.
type WalletSummary struct {
	Wallet      Wallet
	Parts       []PartSummary
	Allocated   Money // sum of part budgets
	Unallocated Money // wallet budget not assigned to any part
	Committed   Money
	Spent       Money
	Remaining   Money
}

// SummarizePart computes the budget usage of a part. Purchases that belong
// to other parts are ignored.
func SummarizePart(part Part, purchases []Purchase) PartSummary {
	s := PartSummary{Part: part, Budget: part.Budget}
	for _, p := range purchases {
		if p.PartID != part.ID {
			continue
		}
		switch Status(p) {
		case StatusRejected:
			s.Rejected++
			continue
		case StatusCompleted:
			s.Completed++
		default:
			s.InProgress++
		}
		if p.UsageReport != nil {
			s.Spent.Yen += p.UsageReport.ActualUsage.Yen
		} else {
			s.Committed.Yen += p.PlannedUsage.Yen
		}
	}
	s.Remaining.Yen = s.Budget.Yen - s.Committed.Yen - s.Spent.Yen
	return s
}

// SummarizeWallet computes the budget usage of a wallet and each of its parts.
func SummarizeWallet(w Wallet, parts []Part, purchases []Purchase) WalletSummary {
	ws := WalletSummary{Wallet: w}
	for _, part := range parts {
		if part.WalletID != w.ID {
			continue
		}
		ps := SummarizePart(part, purchases)
		ws.Parts = append(ws.Parts, ps)
		ws.Allocated.Yen += ps.Budget.Yen
		ws.Committed.Yen += ps.Committed.Yen
		ws.Spent.Yen += ps.Spent.Yen
	}
	ws.Unallocated.Yen = w.Budget.Yen - ws.Allocated.Yen
	ws.Remaining.Yen = w.Budget.Yen - ws.Committed.Yen - ws.Spent.Yen
	return ws
}

// CheckBudget refuses a request whose planned usage does not fit in what
// is left of the part budget.
func CheckBudget(s PartSummary, planned Money) error {
	if planned.Yen > s.Remaining.Yen {
		return ErrOverBudget
	}
	return nil
}
