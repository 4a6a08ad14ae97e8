package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"festa/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() Report {
	part := core.Part{ID: "p1", WalletID: "w1", Name: "Stage", Budget: core.Money{Yen: 10000}}
	wallet := core.Wallet{ID: "w1", Name: "3-A", Budget: core.Money{Yen: 20000}}
	t0 := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

	open := core.Purchase{ID: "b", PartID: "p1", RequestedBy: "u1", Items: "paint, brushes", PlannedUsage: core.Money{Yen: 3000}, CreatedAt: t0.Add(time.Hour)}
	done := core.Purchase{
		ID: "a", PartID: "p1", RequestedBy: "u2", Items: "tape", PlannedUsage: core.Money{Yen: 500}, CreatedAt: t0,
		AccountantApproval: &core.Approval{By: "acct", Approved: true},
		TeacherApproval:    &core.Approval{By: "teacher", Approved: true},
		GivenMoney:         &core.CashHandout{By: "acct", Amount: core.Money{Yen: 500}},
		UsageReport:        &core.UsageReport{By: "u2", ActualUsage: core.Money{Yen: 420}},
		ChangeReturn:       &core.Settlement{By: "acct", Amount: 80},
		ReceiptSubmission:  &core.ReceiptSubmission{By: "acct"},
	}
	foreign := core.Purchase{ID: "z", PartID: "other", RequestedBy: "u1", Items: "x", PlannedUsage: core.Money{Yen: 1}}

	purchases := []core.Purchase{open, done, foreign}
	ws := core.SummarizeWallet(wallet, []core.Part{part}, purchases)
	return BuildReport(ws, purchases, map[string]string{"u1": "Tanaka"}, t0.Add(48*time.Hour))
}

func TestBuildReport(t *testing.T) {
	r := sampleReport()

	require.Len(t, r.Rows, 2, "purchases of other wallets are left out")
	assert.Equal(t, "a", r.Rows[0].PurchaseID, "oldest first")
	assert.Equal(t, "u2", r.Rows[0].Requester, "unknown users keep their ID")
	assert.Equal(t, "Tanaka", r.Rows[1].Requester)
	assert.Equal(t, core.StatusCompleted, r.Rows[0].Status)
	require.NotNil(t, r.Rows[0].Change)
	assert.Equal(t, int64(80), *r.Rows[0].Change)
	assert.True(t, r.Rows[0].Receipt)
	assert.Nil(t, r.Rows[1].Given)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleReport()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{
		"a", "Stage", "u2", "tape", "2025-09-01 09:00:00", "completed",
		"false", "500", "500", "420", "80", "true",
	}, records[1])
	assert.Equal(t, "paint, brushes", records[2][3])
	assert.Equal(t, "", records[2][8], "no cash handed over yet")
}

func TestWriteCSVQuotesFormulaText(t *testing.T) {
	r := sampleReport()
	r.Rows[0].Items = "=1+1"
	r.Rows[0].Requester = "@admin"
	r.Rows[1].Items = "-HYPERLINK(\"http://x\")"

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, r))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)

	assert.Equal(t, "'=1+1", records[1][3])
	assert.Equal(t, "'@admin", records[1][2])
	assert.Equal(t, "'-HYPERLINK(\"http://x\")", records[2][3])
	assert.Equal(t, "Stage", records[1][1])
}

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDF(&buf, sampleReport(), PDFOptions{}))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestYen(t *testing.T) {
	assert.Equal(t, "JPY 1,200", yen(1200))
	assert.Equal(t, "-JPY 80", yen(-80))
	assert.Equal(t, "-", optionalYen(nil))
	assert.Equal(t, "abcd.", truncate("abcdefgh", 5))
}
