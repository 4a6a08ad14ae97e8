package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	ports "festa/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	now           func() time.Time
}

// Ensure interface conformance
var (
	_ ports.LedgerWriter = (*Client)(nil)
	_ ports.LedgerLister = (*Client)(nil)
)

// New creates a Sheets client writing each entry to "<year> <sheetName>" in
// the given spreadsheet, the year being the one the purchase completed in.
// It authenticates with the service account from the environment.
func New(ctx context.Context, spreadsheetID, sheetName string) (*Client, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if strings.TrimSpace(sheetName) == "" {
		sheetName = "Ledger"
	}

	svc, err := newSheetsService(ctx, goption.WithHTTPClient(newHTTPClientWithPooling()))
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return newClient(svc, spreadsheetID, sheetName), nil
}

func newClient(svc *gsheet.Service, spreadsheetID, sheetName string) *Client {
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		now:           time.Now,
	}
}

// sheetFor names the yearly sheet an entry completed at t belongs to.
func (c *Client) sheetFor(t time.Time) string {
	if t.IsZero() {
		t = c.now()
	}
	return yearPrefixedName(c.sheetName, t.Year())
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS.
func newSheetsService(ctx context.Context, extra ...goption.ClientOption) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))

	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", serviceAccountFile)
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	opts := append([]goption.ClientOption{
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope),
	}, extra...)

	service, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets service created successfully")
	return service, nil
}

// newHTTPClientWithPooling creates an HTTP client for the Sheets API with
// connection pooling and timeouts.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// AppendEntry writes the entry on the first free row of the ledger sheet.
// The header row is written when the sheet is empty. An entry already
// present, matched on the purchase ID in column A, is not written again.
func (c *Client) AppendEntry(ctx context.Context, e ports.LedgerEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	sheet := c.sheetFor(e.CompletedAt)
	rng := fmt.Sprintf("%s!A:A", sheet)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get sheet dimensions for %s: %w", sheet, err)
	}

	if row := findRow(resp.Values, e.PurchaseID); row > 0 {
		slog.InfoContext(ctx, "Ledger entry already present", "purchase_id", e.PurchaseID, "row", row)
		return rowRef(sheet, row), nil
	}

	nextRow := len(resp.Values) + 1
	values := [][]any{}
	if nextRow == 1 {
		values = append(values, headerRow())
		nextRow = 2
	}
	values = append(values, rowFromEntry(e))

	firstRow := nextRow - len(values) + 1
	dataRange := fmt.Sprintf("%s!A%d:%s%d", sheet, firstRow, lastColumn, nextRow)
	vr := &gsheet.ValueRange{Values: values}

	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, dataRange, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", dataRange, err)
	}

	return rowRef(sheet, nextRow), nil
}

func rowRef(sheet string, row int) string {
	return fmt.Sprintf("%s!A%d:%s%d", sheet, row, lastColumn, row)
}

// ListEntries reads every row below the header of the year's ledger sheet.
func (c *Client) ListEntries(ctx context.Context, year int) ([]ports.LedgerEntry, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	sheet := yearPrefixedName(c.sheetName, year)
	rng := fmt.Sprintf("%s!A:%s", sheet, lastColumn)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}

	var out []ports.LedgerEntry
	for i, row := range resp.Values {
		e, ok := entryFromRow(toStrings(row))
		if !ok {
			if i > 0 {
				slog.WarnContext(ctx, "Skipping unreadable ledger row", "sheet", sheet, "row", i+1)
			}
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
