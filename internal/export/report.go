// Package export renders wallet reports as CSV and PDF.
package export

import (
	"sort"
	"time"

	"festa/internal/core"
)

// Row is one purchase of a wallet report. Amounts are whole yen; the
// pointer fields are nil while the step has not been recorded.
type Row struct {
	PurchaseID      string
	Part            string
	Requester       string
	Items           string
	CreatedAt       time.Time
	Status          core.PurchaseStatus
	PaidByRequester bool
	Planned         int64
	Given           *int64
	Actual          *int64
	Change          *int64
	Receipt         bool
}

type Report struct {
	Summary     core.WalletSummary
	Rows        []Row
	GeneratedAt time.Time
}

// BuildReport lists the wallet purchases oldest first. userNames maps user
// IDs to display names; unknown IDs are shown as is.
func BuildReport(ws core.WalletSummary, purchases []core.Purchase, userNames map[string]string, now time.Time) Report {
	partNames := map[string]string{}
	for _, ps := range ws.Parts {
		partNames[ps.Part.ID] = ps.Part.Name
	}

	r := Report{Summary: ws, GeneratedAt: now}
	for _, p := range purchases {
		part, ok := partNames[p.PartID]
		if !ok {
			continue
		}
		name := userNames[p.RequestedBy]
		if name == "" {
			name = p.RequestedBy
		}
		row := Row{
			PurchaseID:      p.ID,
			Part:            part,
			Requester:       name,
			Items:           p.Items,
			CreatedAt:       p.CreatedAt,
			Status:          core.Status(p),
			PaidByRequester: p.PaidByRequester,
			Planned:         p.PlannedUsage.Yen,
			Receipt:         p.ReceiptSubmission != nil,
		}
		if p.GivenMoney != nil {
			row.Given = &p.GivenMoney.Amount.Yen
		}
		if p.UsageReport != nil {
			row.Actual = &p.UsageReport.ActualUsage.Yen
		}
		if p.ChangeReturn != nil {
			row.Change = &p.ChangeReturn.Amount
		}
		r.Rows = append(r.Rows, row)
	}

	sort.SliceStable(r.Rows, func(i, j int) bool {
		return r.Rows[i].CreatedAt.Before(r.Rows[j].CreatedAt)
	})
	return r
}
