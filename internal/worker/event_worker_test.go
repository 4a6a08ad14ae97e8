package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"festa/internal/amqp"
	"festa/internal/core"
	"festa/internal/notify"
	"festa/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	users     map[string]core.User
	wallet    core.Wallet
	part      core.Part
	purchases map[string]core.Purchase
	err       error
}

func (s *memStore) GetUser(_ context.Context, id string) (core.User, error) {
	u, ok := s.users[id]
	if !ok {
		return core.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetWallet(context.Context, string) (core.Wallet, error) { return s.wallet, nil }
func (s *memStore) GetPart(context.Context, string) (core.Part, error)     { return s.part, nil }

func (s *memStore) GetPurchase(_ context.Context, id string) (core.Purchase, error) {
	if s.err != nil {
		return core.Purchase{}, s.err
	}
	p, ok := s.purchases[id]
	if !ok {
		return core.Purchase{}, storage.ErrNotFound
	}
	return p, nil
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recorder) Send(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) destinations(kind string) []string {
	var out []string
	for _, m := range r.sent {
		if m.Kind == kind {
			out = append(out, m.Destination)
		}
	}
	return out
}

type fakeLedger struct {
	synced  []string
	err     error
	pending int
}

func (f *fakeLedger) SyncPurchase(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.synced = append(f.synced, id)
	return nil
}

func (f *fakeLedger) ProcessPending(_ context.Context, limit int) (int, int) {
	n := min(limit, f.pending)
	f.pending -= n
	return n, 0
}

var at = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func newStore() *memStore {
	return &memStore{
		users: map[string]core.User{
			"t1": {ID: "t1", Name: "Sato", Email: "sato@school.example"},
			"a1": {ID: "a1", Name: "Suzuki", Email: "suzuki@school.example"},
			"a2": {ID: "a2", Name: "Kato", Email: "kato@school.example"},
			"s1": {ID: "s1", Name: "Tanaka", Email: "tanaka@school.example"},
		},
		wallet:    core.Wallet{ID: "w1", Name: "3-A", Teachers: []string{"t1"}, Accountants: []string{"a1", "a2"}},
		part:      core.Part{ID: "p1", WalletID: "w1", Name: "Cafe", Members: []string{"s1", "a2"}},
		purchases: map[string]core.Purchase{},
	}
}

func (s *memStore) put(p core.Purchase) *amqp.PurchaseEvent {
	s.purchases[p.ID] = p
	return amqp.NewPurchaseEvent(p.ID, core.ProcRequest, p.RequestedBy, p.Version)
}

func purchase(requester string) core.Purchase {
	return core.Purchase{
		ID: "pur-1", PartID: "p1", RequestedBy: requester, Items: "cups",
		PlannedUsage: core.Money{Yen: 1200}, CreatedAt: at, Version: 1,
	}
}

func TestNewRequestNotifiesAccountants(t *testing.T) {
	store, rec := newStore(), &recorder{}
	w := NewEventWorker(store, rec, nil, 10)

	require.NoError(t, w.HandlePurchaseEvent(context.Background(), store.put(purchase("s1"))))
	assert.ElementsMatch(t,
		[]string{"suzuki@school.example", "kato@school.example"},
		rec.destinations(notify.KindActionRequired))
}

func TestAccountantRequesterIsNotAskedToApproveOwnPurchase(t *testing.T) {
	store, rec := newStore(), &recorder{}
	w := NewEventWorker(store, rec, nil, 10)

	require.NoError(t, w.HandlePurchaseEvent(context.Background(), store.put(purchase("a2"))))
	assert.Equal(t, []string{"suzuki@school.example"}, rec.destinations(notify.KindActionRequired))
}

func TestApprovedPurchaseNotifiesTeacher(t *testing.T) {
	store, rec := newStore(), &recorder{}
	p := purchase("s1")
	p.AccountantApproval = &core.Approval{By: "a1", Approved: true, At: at}
	p.Version = 2

	w := NewEventWorker(store, rec, nil, 10)
	require.NoError(t, w.HandlePurchaseEvent(context.Background(), store.put(p)))
	assert.Equal(t, []string{"sato@school.example"}, rec.destinations(notify.KindActionRequired))
	assert.Contains(t, rec.sent[0].Body, "¥1,200")
}

func TestRejectionNotifiesRequester(t *testing.T) {
	store, rec := newStore(), &recorder{}
	p := purchase("s1")
	p.AccountantApproval = &core.Approval{By: "a1", Approved: false, At: at}

	w := NewEventWorker(store, rec, nil, 10)
	require.NoError(t, w.HandlePurchaseEvent(context.Background(), store.put(p)))
	assert.Equal(t, []string{"tanaka@school.example"}, rec.destinations(notify.KindRejected))
	assert.Empty(t, rec.destinations(notify.KindActionRequired))
}

func TestCompletionSyncsLedger(t *testing.T) {
	store, rec, ledger := newStore(), &recorder{}, &fakeLedger{}
	p := purchase("s1")
	p.PaidByRequester = true
	p.AccountantApproval = &core.Approval{By: "a1", Approved: true, At: at}
	p.TeacherApproval = &core.Approval{By: "t1", Approved: true, At: at}
	p.UsageReport = &core.UsageReport{By: "s1", ActualUsage: core.Money{Yen: 1000}, At: at}
	p.ChangeReturn = &core.Settlement{By: "a1", Amount: -1000, At: at}
	p.ReceiptSubmission = &core.ReceiptSubmission{By: "a1", At: at}
	require.Equal(t, core.StatusCompleted, core.Status(p))

	w := NewEventWorker(store, rec, ledger, 10)
	require.NoError(t, w.HandlePurchaseEvent(context.Background(), store.put(p)))
	assert.Equal(t, []string{p.ID}, ledger.synced)
	assert.Equal(t, []string{"tanaka@school.example"}, rec.destinations(notify.KindCompleted))

	// ledger failures stay queued and do not requeue the event
	ledger.err = errors.New("quota exceeded")
	assert.NoError(t, w.HandlePurchaseEvent(context.Background(), store.put(p)))
}

func TestStaleAndUnknownEvents(t *testing.T) {
	store, rec := newStore(), &recorder{}
	w := NewEventWorker(store, rec, nil, 10)
	ctx := context.Background()

	p := purchase("s1")
	p.Version = 3
	store.purchases[p.ID] = p
	require.NoError(t, w.HandlePurchaseEvent(ctx, amqp.NewPurchaseEvent(p.ID, core.ProcRequest, "s1", 1)))
	assert.Empty(t, rec.sent)

	require.NoError(t, w.HandlePurchaseEvent(ctx, amqp.NewPurchaseEvent("missing", core.ProcRequest, "s1", 1)))

	store.err = errors.New("database is locked")
	assert.Error(t, w.HandlePurchaseEvent(ctx, amqp.NewPurchaseEvent(p.ID, core.ProcRequest, "s1", 3)))
}

func TestStartupSyncCheck(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewEventWorker(newStore(), nil, nil, 10).StartupSyncCheck(ctx))

	ledger := &fakeLedger{pending: 70}
	w := NewEventWorker(newStore(), nil, ledger, 10)
	require.NoError(t, w.StartupSyncCheck(ctx))
	assert.Equal(t, 20, ledger.pending)
}
