package export

import (
	"fmt"
	"io"

	"festa/internal/core"

	"github.com/jung-kurt/gofpdf"
)

// PDFOptions configures the PDF renderer. The core fonts only cover Latin
// text; FontPath points to a UTF-8 TrueType font for Japanese names.
type PDFOptions struct {
	FontPath string
}

var (
	headerColor     = [3]int{40, 40, 40}
	headerTextColor = [3]int{255, 255, 255}
	bodyTextColor   = [3]int{50, 50, 50}
	lineColor       = [3]int{200, 200, 200}
)

// WritePDF renders the report on A4 pages: wallet totals, a table of
// part budgets, then the purchases.
func WritePDF(w io.Writer, r Report, opts PDFOptions) error {
	pdf := gofpdf.New("P", "mm", "A4", "")

	family := "Arial"
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if opts.FontPath != "" {
		pdf.AddUTF8Font("festa", "", opts.FontPath)
		pdf.AddUTF8Font("festa", "B", opts.FontPath)
		family = "festa"
		tr = func(s string) string { return s }
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(family, "", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 10, tr("Generated "+r.GeneratedAt.Format("2006-01-02 15:04")), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	ws := r.Summary
	pdf.SetFillColor(headerColor[0], headerColor[1], headerColor[2])
	pdf.SetTextColor(headerTextColor[0], headerTextColor[1], headerTextColor[2])
	pdf.SetFont(family, "B", 14)
	pdf.CellFormat(0, 12, tr("  Wallet report: "+ws.Wallet.Name), "", 1, "L", true, 0, "")
	pdf.Ln(6)

	section := func(title string) {
		pdf.SetFont(family, "B", 12)
		pdf.SetTextColor(0, 0, 0)
		pdf.Cell(0, 8, tr(title))
		pdf.Ln(7)
		pdf.SetDrawColor(lineColor[0], lineColor[1], lineColor[2])
		pdf.Line(pdf.GetX(), pdf.GetY(), pdf.GetX()+190, pdf.GetY())
		pdf.Ln(3)
		pdf.SetTextColor(bodyTextColor[0], bodyTextColor[1], bodyTextColor[2])
	}

	table := func(widths []float64, header []string, rows [][]string) {
		pdf.SetFont(family, "B", 9)
		for i, h := range header {
			pdf.CellFormat(widths[i], 7, tr(h), "B", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont(family, "", 9)
		for _, row := range rows {
			for i, cell := range row {
				align := "L"
				if i > 0 && i >= len(row)-4 {
					align = "R"
				}
				pdf.CellFormat(widths[i], 6, tr(cell), "", 0, align, false, 0, "")
			}
			pdf.Ln(-1)
		}
		pdf.Ln(6)
	}

	section("Summary")
	table([]float64{60, 40},
		[]string{"", "Amount"},
		[][]string{
			{"Budget", yen(ws.Wallet.Budget.Yen)},
			{"Allocated to parts", yen(ws.Allocated.Yen)},
			{"Unallocated", yen(ws.Unallocated.Yen)},
			{"Committed", yen(ws.Committed.Yen)},
			{"Spent", yen(ws.Spent.Yen)},
			{"Remaining", yen(ws.Remaining.Yen)},
		})

	section("Parts")
	var partRows [][]string
	for _, ps := range ws.Parts {
		partRows = append(partRows, []string{
			ps.Part.Name, yen(ps.Budget.Yen), yen(ps.Committed.Yen), yen(ps.Spent.Yen), yen(ps.Remaining.Yen),
		})
	}
	table([]float64{70, 30, 30, 30, 30}, []string{"Part", "Budget", "Committed", "Spent", "Remaining"}, partRows)

	section("Purchases")
	var purchaseRows [][]string
	for _, row := range r.Rows {
		purchaseRows = append(purchaseRows, []string{
			row.CreatedAt.Format("01-02"),
			truncate(row.Part, 14),
			truncate(row.Items, 28),
			string(row.Status),
			yen(row.Planned),
			optionalYen(row.Actual),
			optionalYen(row.Change),
			receiptMark(row.Receipt),
		})
	}
	table([]float64{14, 28, 52, 22, 20, 20, 20, 14},
		[]string{"Date", "Part", "Items", "Status", "Planned", "Actual", "Change", "Rcpt"},
		purchaseRows)

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// yen avoids the yen sign, which the core fonts cannot draw.
func yen(v int64) string {
	s := core.FormatYen(v)
	if v < 0 {
		return "-JPY " + s[len("-¥"):]
	}
	return "JPY " + s[len("¥"):]
}

func optionalYen(v *int64) string {
	if v == nil {
		return "-"
	}
	return yen(*v)
}

func receiptMark(ok bool) string {
	if ok {
		return "yes"
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "."
}
