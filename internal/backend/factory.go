package backend

import (
	"context"
	"fmt"
	"log/slog"

	"festa/internal/sheets"
	gsheet "festa/internal/sheets/google"
	"festa/internal/sheets/memory"
)

// NewLedger builds the ledger for config.
func NewLedger(ctx context.Context, logger *slog.Logger, config Config) (sheets.Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SheetsBackend:
		client, err := gsheet.New(ctx, config.GoogleSpreadsheetID, config.GoogleSheetName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
		}
		logger.Info("Initialized Google Sheets ledger", "spreadsheet_id", config.GoogleSpreadsheetID)
		return client, nil
	case MemoryBackend:
		logger.Info("Initialized memory ledger, rows are not persisted")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", config.Type)
	}
}
