package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"RailCredit/internal/gateway"
	"RailCredit/internal/models"
	"RailCredit/internal/notify"
	"RailCredit/internal/payments"
	"RailCredit/internal/pricing"
	"RailCredit/internal/wallet"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory order store with the same conditional-write
// semantics as the SQL stores.
type memStore struct {
	mu      sync.Mutex
	orders  map[string]models.Order
	ledger  map[string]models.LedgerEntry
	credits int
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]models.Order{}, ledger: map[string]models.LedgerEntry{}}
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.OrderID] = *order
	return nil
}

func (m *memStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return &o, nil
}

func (m *memStore) GetOrderByRef(ctx context.Context, ref string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ExternalRef == ref {
			return &o, nil
		}
	}
	return nil, models.ErrOrderNotFound
}

func (m *memStore) Transition(ctx context.Context, orderID string, from []models.OrderStatus, to models.OrderStatus, patch models.Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	match := false
	for _, f := range from {
		if o.Status == f {
			match = true
		}
	}
	if !match {
		return false, nil
	}
	o.Status = to
	if patch.TxRef != "" {
		o.TxRef = patch.TxRef
	}
	if patch.FailureReason != "" {
		o.FailureReason = patch.FailureReason
	}
	if patch.SettledAt != nil {
		o.SettledAt = patch.SettledAt
	}
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) Settle(ctx context.Context, orderID string, at time.Time, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderAwaitingSettlement || o.Expired(at) {
		return false, nil
	}
	o.Status = models.OrderSettled
	o.SettledAt = &at
	if txRef != "" {
		o.TxRef = txRef
	}
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) LinkWallet(ctx context.Context, orderID, payer string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !models.CanLinkWallet(o.Status) || (o.PayerWallet != "" && o.PayerWallet != payer) {
		return false, nil
	}
	o.PayerWallet = payer
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) CreditOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderSettled || o.PayerWallet == "" {
		return false, nil
	}
	if _, dup := m.ledger[orderID]; dup {
		return false, models.ErrDoubleCreditAttempt
	}
	now := time.Now().UTC()
	o.Status = models.OrderCredited
	o.CreditedAt = &now
	m.orders[orderID] = o
	m.ledger[orderID] = models.LedgerEntry{OrderID: orderID, Wallet: o.PayerWallet, Amount: o.CreditAmount, CreatedAt: now}
	m.credits++
	return true, nil
}

func (m *memStore) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, o := range m.orders {
		if (o.Status == models.OrderCreated || o.Status == models.OrderAwaitingSettlement) && o.Expired(now) {
			o.Status = models.OrderExpired
			o.FailureReason = "order expired"
			m.orders[id] = o
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ListAwaiting(ctx context.Context) ([]*models.Order, error) {
	return m.filter(func(o models.Order) bool { return o.Status == models.OrderAwaitingSettlement }), nil
}

func (m *memStore) ListByWallet(ctx context.Context, payer string, limit int) ([]*models.Order, error) {
	out := m.filter(func(o models.Order) bool { return o.PayerWallet == payer })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Balance(ctx context.Context, payer string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, e := range m.ledger {
		if e.Wallet == payer {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *memStore) filter(keep func(models.Order) bool) []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if keep(o) {
			o := o
			out = append(out, &o)
		}
	}
	return out
}

func (m *memStore) status(id string) models.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memStore) ledgerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits
}

// scriptedRail answers checks from a fixed script, repeating the last answer.
type scriptedRail struct {
	mu      sync.Mutex
	answers []payments.Result
	errs    []error
	calls   int
}

func (r *scriptedRail) Check(ctx context.Context, order *models.Order) (payments.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return payments.Result{}, r.errs[i]
	}
	if len(r.answers) == 0 {
		return payments.Pending(), nil
	}
	if i >= len(r.answers) {
		i = len(r.answers) - 1
	}
	return r.answers[i], nil
}

func (r *scriptedRail) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func paid(txRef string) payments.Result {
	return payments.Result{Answer: models.PollPaid, TxRef: txRef}
}

type fakeCheckout struct {
	requests []gateway.InitializeRequest
	err      error
}

func (f *fakeCheckout) Initialize(ctx context.Context, in gateway.InitializeRequest) (*gateway.Session, error) {
	f.requests = append(f.requests, in)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Session{AuthorizationURL: "https://checkout.example/" + in.Reference, AccessCode: "ac", Reference: in.Reference}, nil
}

type fakeSender struct {
	address string
	result  wallet.SendResult
	sent    []wallet.Transfer
}

func (f *fakeSender) Address() string { return f.address }
func (f *fakeSender) Connected() bool { return f.address != "" }
func (f *fakeSender) Send(ctx context.Context, t wallet.Transfer) wallet.SendResult {
	f.sent = append(f.sent, t)
	return f.result
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (r *recordingNotifier) OnOrderUpdate(u notify.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingNotifier) statuses(orderID string) []models.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.OrderStatus
	for _, u := range r.updates {
		if u.OrderID == orderID {
			out = append(out, u.Status)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *OrderService
	store    *memStore
	rail     *scriptedRail
	checkout *fakeCheckout
	notes    *recordingNotifier
	clock    *clock
	oracle   *pricing.FixedOracle
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMemStore(),
		rail:     &scriptedRail{},
		checkout: &fakeCheckout{},
		notes:    &recordingNotifier{},
		clock:    &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		oracle:   &pricing.FixedOracle{FixedRate: decimal.NewFromInt(1500)},
	}
	f.svc = &OrderService{
		Store:           f.store,
		Oracle:          f.oracle,
		Rails:           f.rail,
		Checkout:        f.checkout,
		Notifier:        f.notes,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Treasury:        "UQ_TREASURY",
		RefPrefix:       "TON_",
		OnChainTTL:      15 * time.Minute,
		FiatTTL:         time.Hour,
		PollInterval:    time.Millisecond,
		GatewayCurrency: "NGN",
		Now:             f.clock.Now,
	}
	return f
}
