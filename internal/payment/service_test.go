package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/model"
	"canteen_order/internal/notify"
	"canteen_order/internal/order"
	"canteen_order/internal/schedule"
	"canteen_order/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingDispatcher) Dispatch(_ context.Context, notes ...notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notes...)
}

func (r *recordingDispatcher) recipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.UserID)
	}
	sort.Strings(out)
	return out
}

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, schedule.Job) error { return nil }

var (
	owner    = model.Actor{UserID: "s1", Role: model.RoleStudent}
	stranger = model.Actor{UserID: "s2", Role: model.RoleStudent}
	admin    = model.Actor{UserID: "a1", Role: model.RoleAdmin}
)

type fixture struct {
	st     *store.Memory
	orders *order.Service
	svc    *Service
	notes  *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	users := []model.User{
		{ID: "s1", Name: "Asha", Email: "asha@campus.test", Role: model.RoleStudent},
		{ID: "s2", Name: "Ravi", Email: "ravi@campus.test", Role: model.RoleStudent},
		{ID: "k1", Name: "Cook", Email: "cook@campus.test", Role: model.RoleCanteen, CanteenID: "c1", PushToken: "tok-k1"},
		{ID: "k2", Name: "Cashier", Email: "cashier@campus.test", Role: model.RoleCanteen, CanteenID: "c1"},
		{ID: "k3", Name: "Other", Email: "other@campus.test", Role: model.RoleCanteen, CanteenID: "c2"},
	}
	for i := range users {
		require.NoError(t, st.CreateUser(ctx, &users[i]))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notes := &recordingDispatcher{}
	orders := order.NewService(st, noopScheduler{}, notes, logger, 30*time.Second)
	return &fixture{
		st:     st,
		orders: orders,
		svc:    NewService(st, orders, notes, logger),
		notes:  notes,
	}
}

func (f *fixture) newOrder(t *testing.T, status model.OrderStatus) *model.Order {
	t.Helper()
	o := &model.Order{
		ID:        "order-0000-abc123",
		UserID:    "s1",
		CanteenID: "c1",
		Items: []model.OrderLine{
			{MenuItemID: "m1", Name: "Thali", Price: decimal.RequireFromString("40"), Quantity: 2},
			{MenuItemID: "m2", Name: "Lassi", Price: decimal.RequireFromString("15.5"), Quantity: 1},
		},
		TotalAmount: decimal.RequireFromString("95.50"),
		Status:      status,
	}
	require.NoError(t, f.st.CreateOrder(context.Background(), o))
	return o
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, model.OrderCreated)

	_, err := f.svc.Initiate(ctx, stranger, o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Initiate(ctx, owner, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	init, err := f.svc.Initiate(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, init.Payment.Status)
	assert.Equal(t, model.ProviderMock, init.Payment.Provider)
	assert.True(t, o.TotalAmount.Equal(init.Payment.Amount))
	assert.Contains(t, init.PaymentURL, init.Payment.ID)
	assert.Contains(t, init.PaymentURL, "amount=95.50")

	var qr map[string]string
	require.NoError(t, json.Unmarshal([]byte(init.QRData), &qr))
	assert.Equal(t, o.ID, qr["orderId"])
	assert.Equal(t, init.Payment.ID, qr["paymentId"])

	_, err = f.svc.Initiate(ctx, owner, o.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestInitiate_RequiresCreatedOrder(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, model.OrderPaid)

	_, err := f.svc.Initiate(context.Background(), owner, o.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestConfirm_SuccessPaysOrderAndFansOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, model.OrderCreated)
	init, err := f.svc.Initiate(ctx, owner, o.ID)
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, stranger, init.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := f.svc.Confirm(ctx, owner, init.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, res.Payment.Status)
	require.NotNil(t, res.Payment.TransactionID)
	assert.Regexp(t, `^TXN\d+`, *res.Payment.TransactionID)
	confirmed, ok := res.Payment.PaymentDetails["mockConfirmation"].AsBool()
	assert.True(t, ok && confirmed)

	require.NotNil(t, res.Order)
	assert.Equal(t, model.OrderPaid, res.Order.Status)
	require.NotNil(t, res.Order.PickupCode)
	assert.Len(t, *res.Order.PickupCode, 6)

	// 本食堂两名员工 + 付款人，其他食堂员工不通知
	assert.Equal(t, []string{"k1", "k2", "s1"}, f.notes.recipients())
	for _, n := range f.notes.notes {
		assert.Contains(t, n.Body, "ABC123")
		assert.Contains(t, n.Body, "2x Thali, 1x Lassi")
		assert.Contains(t, n.Body, "95.50")
		if n.UserID == "k1" {
			assert.Equal(t, "tok-k1", n.Token)
		}
	}

	_, err = f.svc.Confirm(ctx, owner, init.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestWebhook_FailureMarksOrderFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, model.OrderCreated)
	_, err := f.svc.Initiate(ctx, owner, o.ID)
	require.NoError(t, err)

	res, err := f.svc.Webhook(ctx, map[string]any{
		"orderId":       o.ID,
		"status":        "TXN_FAILURE",
		"transactionId": "GW-1",
		"respCode":      float64(227),
		"nested":        map[string]any{"ignored": true},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, res.Payment.Status)
	assert.Equal(t, model.OrderFailed, res.Order.Status)
	assert.Nil(t, res.Order.PickupCode)

	code, ok := res.Payment.PaymentDetails["respCode"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(227), code)
	_, nested := res.Payment.PaymentDetails["nested"]
	assert.False(t, nested)
	assert.Empty(t, f.notes.recipients())
}

func TestWebhook_SuccessAndRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, model.OrderCreated)
	_, err := f.svc.Initiate(ctx, owner, o.ID)
	require.NoError(t, err)

	payload := map[string]any{"orderId": o.ID, "status": "TXN_SUCCESS", "transactionId": "GW-2"}
	res, err := f.svc.Webhook(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, res.Order.Status)
	assert.Equal(t, "GW-2", *res.Payment.TransactionID)

	_, err = f.svc.Webhook(ctx, payload)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, f.notes.recipients(), 3)
}

func TestWebhook_BadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Webhook(context.Background(), map[string]any{"status": "TXN_SUCCESS"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Webhook(context.Background(), map[string]any{"orderId": "nope"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConfirm_OrderCancelledMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, model.OrderCreated)
	init, err := f.svc.Initiate(ctx, owner, o.ID)
	require.NoError(t, err)

	_, err = f.orders.Cancel(ctx, owner, o.ID)
	require.NoError(t, err)

	res, err := f.svc.Confirm(ctx, owner, init.Payment.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	require.NotNil(t, res)
	assert.Equal(t, model.PaymentSuccess, res.Payment.Status)

	got, err := f.st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
}

func TestGetForOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.newOrder(t, model.OrderCreated)
	init, err := f.svc.Initiate(ctx, owner, o.ID)
	require.NoError(t, err)

	p, err := f.svc.GetForOrder(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.Equal(t, init.Payment.ID, p.ID)
	_, err = f.svc.GetForOrder(ctx, admin, o.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetForOrder(ctx, stranger, o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.GetForOrder(ctx, owner, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestItemSummary(t *testing.T) {
	assert.Equal(t, "", ItemSummary(nil))
	assert.Equal(t, "3x Tea", ItemSummary([]model.OrderLine{{Name: "Tea", Quantity: 3}}))
}
