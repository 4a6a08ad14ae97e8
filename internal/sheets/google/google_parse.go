package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	ports "festa/internal/sheets"
)

const (
	lastColumn = "L"
	dateLayout = "2006-01-02"
)

func headerRow() []any {
	return []any{
		"Purchase ID", "Requested", "Completed", "Wallet", "Part", "Requester",
		"Items", "Planned", "Given", "Actual", "Change", "Paid by requester",
	}
}

// rowFromEntry lays out the entry in columns A to L.
func rowFromEntry(e ports.LedgerEntry) []any {
	paid := "no"
	if e.PaidByRequester {
		paid = "yes"
	}
	return []any{
		e.PurchaseID,
		e.RequestedAt.Format(dateLayout),
		e.CompletedAt.Format(dateLayout),
		textCell(e.Wallet),
		textCell(e.Part),
		textCell(e.Requester),
		textCell(e.Items),
		e.Planned,
		e.Given,
		e.Actual,
		e.Change,
		paid,
	}
}

// entryFromRow is the inverse of rowFromEntry. The header and malformed rows
// report false.
func entryFromRow(cols []string) (ports.LedgerEntry, bool) {
	if len(cols) < 11 {
		return ports.LedgerEntry{}, false
	}
	planned, ok1 := parseYen(cols[7])
	given, ok2 := parseYen(cols[8])
	actual, ok3 := parseYen(cols[9])
	change, ok4 := parseYen(cols[10])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ports.LedgerEntry{}, false
	}
	requested, _ := time.Parse(dateLayout, cols[1])
	completed, _ := time.Parse(dateLayout, cols[2])

	return ports.LedgerEntry{
		PurchaseID:      cols[0],
		RequestedAt:     requested,
		CompletedAt:     completed,
		Wallet:          plainText(cols[3]),
		Part:            plainText(cols[4]),
		Requester:       plainText(cols[5]),
		Items:           plainText(cols[6]),
		Planned:         planned,
		Given:           given,
		Actual:          actual,
		Change:          change,
		PaidByRequester: strings.EqualFold(safeGet(cols, 11), "yes"),
	}, true
}

// textCell quotes text that USER_ENTERED input would otherwise evaluate as a
// formula. The apostrophe is not part of the stored value.
func textCell(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

// plainText undoes textCell for rows read back without the sheet's help.
func plainText(s string) string {
	if len(s) > 1 && s[0] == '\'' && strings.ContainsRune("=+-@\t\r", rune(s[1])) {
		return s[1:]
	}
	return s
}

// findRow returns the 1-based row whose first column is id, or 0.
func findRow(values [][]any, id string) int {
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(row[0])) == id {
			return i + 1
		}
	}
	return 0
}

// parseYen reads an amount as rendered by the sheet: "1200", "1,200",
// "¥1,200" or "-¥80".
func parseYen(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "¥")
	s = strings.TrimPrefix(s, "￥")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
