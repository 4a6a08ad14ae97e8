// Package backend selects the ledger the worker and the admin CLI write
// completed purchases to.
package backend

import (
	"fmt"
	"strings"

	"festa/internal/config"
)

// Type represents the kind of ledger backend.
type Type string

const (
	SheetsBackend Type = "sheets"
	MemoryBackend Type = "memory"
)

func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the backend type is valid
func (t Type) IsValid() bool {
	switch t {
	case SheetsBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// Config holds what is needed to build a ledger.
type Config struct {
	Type Type

	GoogleSpreadsheetID string
	GoogleSheetName     string
}

// FromAppConfig picks the Sheets ledger when a spreadsheet is configured
// and the in-memory ledger otherwise.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}
	c := Config{
		Type:                MemoryBackend,
		GoogleSpreadsheetID: strings.TrimSpace(appConfig.GoogleSpreadsheetID),
		GoogleSheetName:     appConfig.GoogleLedgerSheetName,
	}
	if c.GoogleSpreadsheetID != "" {
		c.Type = SheetsBackend
	}
	return c, c.Validate()
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid ledger backend: %s", c.Type)
	}
	if c.Type == SheetsBackend {
		if c.GoogleSpreadsheetID == "" {
			return fmt.Errorf("Google Spreadsheet ID is required for sheets backend")
		}
		if strings.TrimSpace(c.GoogleSheetName) == "" {
			return fmt.Errorf("Google sheet name is required for sheets backend")
		}
	}
	return nil
}
