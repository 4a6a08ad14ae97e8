package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{
	"Purchase ID", "Part", "Requester", "Items", "Requested At", "Status",
	"Paid By Requester", "Planned", "Given", "Actual", "Change", "Receipt",
}

func optional(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// csvText keeps spreadsheet programs from running typed text as a formula.
func csvText(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

// WriteCSV writes one line per purchase after a header line. Amounts are
// plain integers so spreadsheets can sum them.
func WriteCSV(w io.Writer, r Report) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range r.Rows {
		record := []string{
			row.PurchaseID,
			csvText(row.Part),
			csvText(row.Requester),
			csvText(row.Items),
			row.CreatedAt.Format(time.DateTime),
			string(row.Status),
			strconv.FormatBool(row.PaidByRequester),
			strconv.FormatInt(row.Planned, 10),
			optional(row.Given),
			optional(row.Actual),
			optional(row.Change),
			strconv.FormatBool(row.Receipt),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
