package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"festa/internal/export"
)

// ExportService renders wallet reports for teachers and accountants.
type ExportService struct {
	store   Store
	budgets *BudgetService
	pdf     export.PDFOptions
}

func NewExportService(store Store, budgets *BudgetService, pdf export.PDFOptions) *ExportService {
	return &ExportService{store: store, budgets: budgets, pdf: pdf}
}

// Report builds the wallet report. An empty userID skips the access check
// and is used by the admin CLI.
func (s *ExportService) Report(ctx context.Context, walletID, userID string) (export.Report, error) {
	ws, err := s.budgets.WalletSummary(ctx, walletID)
	if err != nil {
		return export.Report{}, err
	}
	if userID != "" && !ws.Wallet.IsTeacher(userID) && !ws.Wallet.IsAccountant(userID) {
		return export.Report{}, ErrForbidden
	}

	purchases, err := s.store.ListPurchasesByWallet(ctx, walletID)
	if err != nil {
		return export.Report{}, fmt.Errorf("load purchases: %w", err)
	}

	names := map[string]string{}
	for _, p := range purchases {
		if _, ok := names[p.RequestedBy]; ok {
			continue
		}
		u, err := s.store.GetUser(ctx, p.RequestedBy)
		if err != nil {
			return export.Report{}, fmt.Errorf("load requester: %w", err)
		}
		names[u.ID] = u.Name
	}

	return export.BuildReport(ws, purchases, names, time.Now()), nil
}

func (s *ExportService) WriteCSV(ctx context.Context, w io.Writer, walletID, userID string) error {
	r, err := s.Report(ctx, walletID, userID)
	if err != nil {
		return err
	}
	return export.WriteCSV(w, r)
}

func (s *ExportService) WritePDF(ctx context.Context, w io.Writer, walletID, userID string) error {
	r, err := s.Report(ctx, walletID, userID)
	if err != nil {
		return err
	}
	return export.WritePDF(w, r, s.pdf)
}
