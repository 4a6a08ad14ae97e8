package services

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"festa/internal/amqp"
	"festa/internal/core"
	"festa/internal/export"
	"festa/internal/sheets"
	"festa/internal/sheets/memory"
	"festa/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*amqp.PurchaseEvent
	err    error
}

func (f *fakePublisher) PublishPurchaseEvent(_ context.Context, ev *amqp.PurchaseEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) steps() []core.Procedure {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Procedure
	for _, ev := range f.events {
		out = append(out, ev.Step)
	}
	return out
}

type env struct {
	repo      *storage.SQLiteRepository
	publisher *fakePublisher
	budgets   *BudgetService
	purchases *PurchaseService
	dashboard *DashboardService
	exports   *ExportService

	wallet core.Wallet
	part   core.Part
}

const (
	teacherID    = "u-teacher"
	accountantID = "u-acct"
	studentID    = "u-student"
	outsiderID   = "u-out"
)

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "festa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	for _, u := range []core.User{
		{ID: teacherID, Name: "Sato", Email: "sato@school.example", Role: core.RoleTeacher},
		{ID: accountantID, Name: "Suzuki", Email: "suzuki@school.example", Role: core.RoleStudent},
		{ID: studentID, Name: "Tanaka", Email: "tanaka@school.example", Role: core.RoleStudent},
		{ID: outsiderID, Name: "Ito", Email: "ito@school.example", Role: core.RoleStudent},
	} {
		require.NoError(t, repo.CreateUser(ctx, u))
	}

	e := &env{repo: repo, publisher: &fakePublisher{}}
	e.wallet = core.Wallet{ID: "w-3a", Name: "3-A", Budget: core.Money{Yen: 50000},
		Teachers: []string{teacherID}, Accountants: []string{accountantID}}
	require.NoError(t, repo.CreateWallet(ctx, e.wallet))
	e.part = core.Part{ID: "p-cafe", WalletID: e.wallet.ID, Name: "Cafe", Budget: core.Money{Yen: 10000},
		Members: []string{studentID}}
	require.NoError(t, repo.CreatePart(ctx, e.part))

	e.budgets = NewBudgetService(repo, 16, time.Minute)
	e.purchases = NewPurchaseService(repo, e.publisher, e.budgets)
	e.dashboard = NewDashboardService(repo, e.budgets)
	e.exports = NewExportService(repo, e.budgets, export.PDFOptions{})
	return e
}

func (e *env) request(t *testing.T, planned int64) core.Purchase {
	t.Helper()
	p, err := e.purchases.RequestPurchase(context.Background(), NewPurchase{
		PartID:       e.part.ID,
		RequesterID:  studentID,
		Items:        "cups and plates",
		PlannedUsage: core.Money{Yen: planned},
	})
	require.NoError(t, err)
	return p
}

func (e *env) step(t *testing.T, id string, proc core.Procedure, user string, amount int64) core.Purchase {
	t.Helper()
	p, err := e.purchases.PerformStep(context.Background(), StepInput{
		PurchaseID: id, Procedure: proc, UserID: user, Approved: true, Amount: core.Money{Yen: amount},
	})
	require.NoError(t, err, proc)
	return p
}

// complete runs a purchase through every step with change to return.
func (e *env) complete(t *testing.T) core.Purchase {
	t.Helper()
	p := e.request(t, 3000)
	e.step(t, p.ID, core.ProcAccountantApproval, accountantID, 0)
	e.step(t, p.ID, core.ProcTeacherApproval, teacherID, 0)
	e.step(t, p.ID, core.ProcGivenMoney, accountantID, 3000)
	e.step(t, p.ID, core.ProcUsageReport, studentID, 2480)
	e.step(t, p.ID, core.ProcChangeReturn, accountantID, 0)
	return e.step(t, p.ID, core.ProcReceiptSubmission, accountantID, 0)
}

func TestRequestPurchase(t *testing.T) {
	e := newEnv(t)
	p := e.request(t, 3000)

	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, core.StatusInProgress, core.Status(p))
	assert.Equal(t, []core.Procedure{core.ProcRequest}, e.publisher.steps())
}

func TestRequestPurchaseRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.purchases.RequestPurchase(ctx, NewPurchase{
		PartID: e.part.ID, RequesterID: outsiderID, Items: "x", PlannedUsage: core.Money{Yen: 100},
	})
	assert.ErrorIs(t, err, ErrNotPartMember)

	_, err = e.purchases.RequestPurchase(ctx, NewPurchase{
		PartID: e.part.ID, RequesterID: studentID, Items: "x",
	})
	assert.ErrorIs(t, err, core.ErrInvalidAmount)

	_, err = e.purchases.RequestPurchase(ctx, NewPurchase{
		PartID: "missing", RequesterID: studentID, Items: "x", PlannedUsage: core.Money{Yen: 100},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRequestPurchaseOverBudget(t *testing.T) {
	e := newEnv(t)
	e.request(t, 6000)

	_, err := e.purchases.RequestPurchase(context.Background(), NewPurchase{
		PartID: e.part.ID, RequesterID: studentID, Items: "banner", PlannedUsage: core.Money{Yen: 5000},
	})
	require.ErrorIs(t, err, core.ErrOverBudget)
	assert.Contains(t, err.Error(), "4,000")

	// exactly the remainder still fits
	e.request(t, 4000)
}

func TestConcurrentRequestsDoNotOvercommit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.purchases.RequestPurchase(ctx, NewPurchase{
				PartID: e.part.ID, RequesterID: studentID, Items: "paint", PlannedUsage: core.Money{Yen: 4000},
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, accepted)
}

func TestPerformStepLifecycle(t *testing.T) {
	e := newEnv(t)
	p := e.complete(t)

	assert.Equal(t, core.StatusCompleted, core.Status(p))
	assert.Equal(t, int64(520), p.ChangeReturn.Amount)
	assert.Equal(t, int64(7), p.Version)
	assert.Len(t, e.publisher.steps(), 7)

	pending, err := e.repo.GetPendingSync(context.Background(), 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestPerformStepRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.request(t, 3000)

	tests := []struct {
		name string
		in   StepInput
		want error
	}{
		{"requester cannot approve", StepInput{Procedure: core.ProcAccountantApproval, UserID: studentID, Approved: true}, core.ErrNotAuthorized},
		{"teacher before accountant", StepInput{Procedure: core.ProcTeacherApproval, UserID: teacherID, Approved: true}, core.ErrStepNotAvailable},
		{"request is not a step", StepInput{Procedure: core.ProcRequest, UserID: studentID}, core.ErrStepNotAvailable},
		{"unknown step", StepInput{Procedure: core.Procedure("refund"), UserID: accountantID}, core.ErrStepNotAvailable},
		{"stale version", StepInput{Procedure: core.ProcAccountantApproval, UserID: accountantID, ExpectedVersion: 9}, storage.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.PurchaseID = p.ID
			_, err := e.purchases.PerformStep(ctx, in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, err := e.repo.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestRejectionReleasesBudget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.request(t, 8000)

	_, err := e.purchases.PerformStep(ctx, StepInput{
		PurchaseID: p.ID, Procedure: core.ProcAccountantApproval, UserID: accountantID, Approved: false, Comment: "too much",
	})
	require.NoError(t, err)

	ws, err := e.budgets.WalletSummary(ctx, e.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ws.Committed.Yen)

	e.request(t, 8000)
}

func TestPublishFailureDoesNotFailStep(t *testing.T) {
	e := newEnv(t)
	p := e.request(t, 1000)
	e.publisher.err = errors.New("broker down")

	got := e.step(t, p.ID, core.ProcAccountantApproval, accountantID, 0)
	assert.Equal(t, int64(2), got.Version)
}

func TestNilPublisher(t *testing.T) {
	e := newEnv(t)
	e.purchases = NewPurchaseService(e.repo, nil, e.budgets)
	p := e.request(t, 1000)
	assert.NotEmpty(t, p.ID)
}

func TestWalletSummaryCacheInvalidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ws, err := e.budgets.WalletSummary(ctx, e.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), ws.Remaining.Yen)

	e.request(t, 2500)
	ws, err = e.budgets.WalletSummary(ctx, e.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), ws.Committed.Yen)
	assert.Equal(t, int64(47500), ws.Remaining.Yen)
}

// invalidatingStore invalidates the wallet summary while it is being loaded,
// as a concurrent purchase change would.
type invalidatingStore struct {
	Store
	budgets *BudgetService
	once    sync.Once
}

func (s *invalidatingStore) ListPurchasesByWallet(ctx context.Context, walletID string) ([]core.Purchase, error) {
	out, err := s.Store.ListPurchasesByWallet(ctx, walletID)
	s.once.Do(func() { s.budgets.Invalidate(walletID) })
	return out, err
}

func TestWalletSummaryNotCachedAcrossInvalidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	store := &invalidatingStore{Store: e.repo}
	budgets := NewBudgetService(store, 16, time.Minute)
	store.budgets = budgets

	_, err := budgets.WalletSummary(ctx, e.wallet.ID)
	require.NoError(t, err)
	assert.Zero(t, budgets.Cache().Size(), "summary computed across an invalidation must not be cached")

	_, err = budgets.WalletSummary(ctx, e.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, budgets.Cache().Size())
}

func TestGetPurchaseView(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.request(t, 3000)

	v, err := e.purchases.GetPurchaseView(ctx, p.ID, accountantID)
	require.NoError(t, err)
	assert.Equal(t, "Tanaka", v.Requester.Name)
	assert.True(t, v.CanAct(core.ProcAccountantApproval))
	assert.False(t, v.CanAct(core.ProcTeacherApproval))
	require.NotNil(t, v.Next)
	assert.Equal(t, core.ProcAccountantApproval, v.Next.Procedure)
	assert.Len(t, v.Steps, len(core.Procedures))

	v, err = e.purchases.GetPurchaseView(ctx, p.ID, studentID)
	require.NoError(t, err)
	assert.Empty(t, v.Recommended)

	_, err = e.purchases.GetPurchaseView(ctx, p.ID, outsiderID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDashboard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.request(t, 3000)

	acct, err := e.repo.GetUser(ctx, accountantID)
	require.NoError(t, err)
	d, err := e.dashboard.Dashboard(ctx, acct)
	require.NoError(t, err)
	require.Len(t, d.Wallets, 1)
	assert.True(t, d.Wallets[0].Accountant)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, p.ID, d.Actions[0].Purchase.ID)
	assert.Equal(t, "Cafe", d.Actions[0].Part.Name)

	teacher, err := e.repo.GetUser(ctx, teacherID)
	require.NoError(t, err)
	d, err = e.dashboard.Dashboard(ctx, teacher)
	require.NoError(t, err)
	assert.Empty(t, d.Actions, "teacher waits for the accountant")

	e.step(t, p.ID, core.ProcAccountantApproval, accountantID, 0)
	e.step(t, p.ID, core.ProcTeacherApproval, teacherID, 0)
	e.step(t, p.ID, core.ProcGivenMoney, accountantID, 3000)

	student, err := e.repo.GetUser(ctx, studentID)
	require.NoError(t, err)
	d, err = e.dashboard.Dashboard(ctx, student)
	require.NoError(t, err)
	require.Len(t, d.MyPurchases, 1)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, core.ProcUsageReport, d.Actions[0].Steps[0].Procedure)
}

func TestPartViewAndWalletAccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.request(t, 3000)

	v, err := e.dashboard.PartView(ctx, e.part.ID, studentID)
	require.NoError(t, err)
	assert.True(t, v.CanRequest)
	assert.Len(t, v.Purchases, 1)
	assert.Equal(t, int64(7000), v.Summary.Remaining.Yen)

	v, err = e.dashboard.PartView(ctx, e.part.ID, teacherID)
	require.NoError(t, err)
	assert.False(t, v.CanRequest)

	_, err = e.dashboard.PartView(ctx, e.part.ID, outsiderID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.dashboard.WalletSummary(ctx, e.wallet.ID, outsiderID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestExport(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.complete(t)

	var buf bytes.Buffer
	require.NoError(t, e.exports.WriteCSV(ctx, &buf, e.wallet.ID, teacherID))
	assert.Contains(t, buf.String(), p.ID)
	assert.Contains(t, buf.String(), "Tanaka")

	assert.ErrorIs(t, e.exports.WriteCSV(ctx, &bytes.Buffer{}, e.wallet.ID, studentID), ErrForbidden)

	buf.Reset()
	require.NoError(t, e.exports.WritePDF(ctx, &buf, e.wallet.ID, ""))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
}

type flakyLedger struct {
	sheets.LedgerWriter
	failures int
}

func (f *flakyLedger) AppendEntry(ctx context.Context, entry sheets.LedgerEntry) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("sheets unavailable")
	}
	return f.LedgerWriter.AppendEntry(ctx, entry)
}

func TestLedgerSync(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.complete(t)

	ledger := memory.New()
	proc := NewLedgerSyncProcessor(e.repo, ledger, DefaultLedgerSyncConfig())

	synced, failed := proc.ProcessPending(ctx, 10)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 0, failed)

	entries, err := ledger.ListEntries(ctx, p.ReceiptSubmission.At.Year())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, p.ID, got.PurchaseID)
	assert.Equal(t, "3-A", got.Wallet)
	assert.Equal(t, "Cafe", got.Part)
	assert.Equal(t, "Tanaka", got.Requester)
	assert.Equal(t, int64(3000), got.Planned)
	assert.Equal(t, int64(3000), got.Given)
	assert.Equal(t, int64(2480), got.Actual)
	assert.Equal(t, int64(520), got.Change)
	assert.WithinDuration(t, p.ReceiptSubmission.At, got.CompletedAt, time.Millisecond)

	// a duplicate event is a no-op
	require.NoError(t, proc.SyncPurchase(ctx, p.ID))
	entries, _ = ledger.ListEntries(ctx, p.ReceiptSubmission.At.Year())
	assert.Len(t, entries, 1)

	synced, _ = proc.ProcessPending(ctx, 10)
	assert.Equal(t, 0, synced)
}

func TestLedgerVerify(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.complete(t)
	year := p.ReceiptSubmission.At.Year()

	ledger := memory.New()
	proc := NewLedgerSyncProcessor(e.repo, ledger, DefaultLedgerSyncConfig())
	synced, _ := proc.ProcessPending(ctx, 10)
	require.Equal(t, 1, synced)

	check, err := proc.Verify(ctx, year)
	require.NoError(t, err)
	assert.True(t, check.OK())
	assert.Equal(t, 1, check.Synced)
	assert.Equal(t, 1, check.Rows)

	stray := sheets.LedgerEntry{PurchaseID: "p-stray", CompletedAt: p.ReceiptSubmission.At, Planned: 1, Actual: 1}
	_, err = ledger.AppendEntry(ctx, stray)
	require.NoError(t, err)

	check, err = NewLedgerSyncProcessor(e.repo, memory.New(), DefaultLedgerSyncConfig()).Verify(ctx, year)
	require.NoError(t, err)
	assert.False(t, check.OK())
	assert.Equal(t, []string{p.ID}, check.Missing)

	check, err = proc.Verify(ctx, year)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-stray"}, check.Unknown)
	assert.Empty(t, check.Missing)

	check, err = proc.Verify(ctx, year+1)
	require.NoError(t, err)
	assert.True(t, check.OK())
	assert.Zero(t, check.Synced)
}

func TestLedgerVerifyNeedsReadableLedger(t *testing.T) {
	e := newEnv(t)
	_, err := NewLedgerSyncProcessor(e.repo, &flakyLedger{}, DefaultLedgerSyncConfig()).Verify(context.Background(), 2025)
	assert.Error(t, err)
}

func TestLedgerSyncRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.complete(t)

	ledger := &flakyLedger{LedgerWriter: memory.New(), failures: 5}
	proc := NewLedgerSyncProcessor(e.repo, ledger, LedgerSyncConfig{MaxRetries: 2})

	for i := 0; i < 2; i++ {
		_, failed := proc.ProcessPending(ctx, 10)
		assert.Equal(t, 1, failed)
	}
	synced, failed := proc.ProcessPending(ctx, 10)
	assert.Zero(t, synced+failed, "gave up after max retries")

	n, err := proc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ledger.failures = 0
	synced, _ = proc.ProcessPending(ctx, 10)
	assert.Equal(t, 1, synced)

	done, err := e.repo.IsSynced(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLedgerSyncRefusesOpenPurchase(t *testing.T) {
	e := newEnv(t)
	p := e.request(t, 1000)
	proc := NewLedgerSyncProcessor(e.repo, memory.New(), DefaultLedgerSyncConfig())

	err := proc.SyncPurchase(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestLedgerSyncLifecycle(t *testing.T) {
	e := newEnv(t)
	proc := NewLedgerSyncProcessor(e.repo, memory.New(), LedgerSyncConfig{PollInterval: 10 * time.Millisecond})

	assert.False(t, proc.IsRunning())
	require.NoError(t, proc.Stop(context.Background()), "stop when not running")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, proc.Start(ctx))
	assert.True(t, proc.IsRunning())
	assert.Error(t, proc.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, proc.Stop(stopCtx))
	assert.False(t, proc.IsRunning())
}
