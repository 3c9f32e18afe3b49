package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"canteen_order/internal/auth"
	"canteen_order/internal/canteen"
	"canteen_order/internal/model"
	"canteen_order/internal/notify"
	"canteen_order/internal/order"
	"canteen_order/internal/payment"
	"canteen_order/internal/schedule"
	"canteen_order/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, schedule.Job) error { return nil }

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
}

type testServer struct {
	engine *gin.Engine
	st     *store.Memory
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith 允许在注册路由前替换部分依赖。
func newTestServerWith(t *testing.T, override func(*Deps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, st.CreateCanteen(ctx, &model.Canteen{ID: "c1", Name: "North", IsOpen: true, IsOnlineOrdersEnabled: true, MaxBulkSize: 50}))
	require.NoError(t, st.CreateMenuItem(ctx, &model.MenuItem{ID: "m1", CanteenID: "c1", Name: "Thali", Price: decimal.RequireFromString("40"), IsVeg: true, IsAvailable: true}))

	users := []model.User{
		{ID: "s1", Name: "Asha", Email: "asha@campus.test", Role: model.RoleStudent},
		{ID: "k1", Name: "Cook", Email: "cook@campus.test", Role: model.RoleCanteen, CanteenID: "c1"},
		{ID: "a1", Name: "Admin", Email: "admin@campus.test", Role: model.RoleAdmin},
	}
	issuer := auth.NewIssuer("test-secret", time.Hour)
	tokens := map[string]string{}
	for i := range users {
		require.NoError(t, st.CreateUser(ctx, &users[i]))
		tok, err := issuer.Issue(&users[i])
		require.NoError(t, err)
		tokens[users[i].ID] = tok
	}

	d := notify.NewDispatcher(notify.LogNotifier{Logger: logger}, st, logger, time.Second)
	t.Cleanup(d.Wait)
	orders := order.NewService(st, noopScheduler{}, d, logger, 30*time.Second)

	accounts := auth.NewAccounts(st, issuer, logger, bcrypt.MinCost)

	deps := Deps{
		Orders:        orders,
		Payments:      payment.NewService(st, orders, d, logger),
		Canteens:      canteen.NewService(st, accounts, logger),
		Accounts:      accounts,
		Notifications: st,
		Tokens:        issuer,
		Health:        st,
		Logger:        logger,
	}
	if override != nil {
		override(&deps)
	}
	r := gin.New()
	Setup(r, deps)
	return &testServer{engine: r, st: st, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) (int, envelope) {
	t.Helper()
	token := ""
	if user != "" {
		token = s.tokens[user]
	}
	return s.doToken(t, method, path, token, body)
}

// doToken 直接使用给定令牌，用于注册/登录后拿到的令牌。
func (s *testServer) doToken(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["timestamp"])

	down := newTestServerWith(t, func(d *Deps) { d.Health = downStore{} })
	code, env := down.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, env.Success)
}

func TestRegisterLoginAndProfile(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"name": "Ravi", "email": "Ravi@Campus.test", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	reg := decode[auth.Credentials](t, env.Data)
	assert.Equal(t, "ravi@campus.test", reg.User.Email)
	assert.Equal(t, model.RoleStudent, reg.User.Role)
	require.NotEmpty(t, reg.Token)
	assert.NotContains(t, string(env.Data), "secret1")
	assert.NotContains(t, string(env.Data), "$2a$")

	code, _ = s.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"name": "Ravi", "email": "ravi@campus.test", "password": "secret1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"name": "Boss", "email": "boss@campus.test", "password": "secret1", "role": "ADMIN",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// 注册得到的令牌可以直接下单
	code, env = s.doToken(t, http.MethodPost, "/api/orders", reg.Token, map[string]any{
		"canteenId": "c1",
		"items":     []map[string]any{{"menuItem": "m1", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	assert.Equal(t, reg.User.ID, decode[model.Order](t, env.Data).UserID)

	code, env = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ravi@campus.test", "password": "nope123"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	code, env = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ravi@campus.test", "password": "secret1"})
	require.Equal(t, http.StatusOK, code, env.Message)
	login := decode[auth.Credentials](t, env.Data)

	code, env = s.doToken(t, http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, reg.User.ID, decode[model.User](t, env.Data).ID)

	code, _ = s.doToken(t, http.MethodPut, "/api/auth/profile", login.Token, map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env = s.doToken(t, http.MethodPut, "/api/auth/profile", login.Token, map[string]string{"name": "Ravi K"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "Ravi K", decode[model.User](t, env.Data).Name)

	code, _ = s.doToken(t, http.MethodPut, "/api/auth/password", login.Token, map[string]string{"currentPassword": "wrong12", "newPassword": "secret2"})
	assert.Equal(t, http.StatusUnauthorized, code)
	code, env = s.doToken(t, http.MethodPut, "/api/auth/password", login.Token, map[string]string{"currentPassword": "secret1", "newPassword": "secret2"})
	require.Equal(t, http.StatusOK, code, env.Message)

	code, _ = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ravi@campus.test", "password": "secret2"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateCanteenReturnsStaffToken(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodPost, "/api/canteens", "a1", map[string]any{"name": "East Wing", "isOpen": true})
	require.Equal(t, http.StatusCreated, code, env.Message)
	created := decode[struct {
		Canteen model.Canteen    `json:"canteen"`
		Staff   auth.Credentials `json:"staff"`
	}](t, env.Data)
	require.NotEmpty(t, created.Staff.Token)
	require.NotEmpty(t, created.Staff.Password)
	assert.Equal(t, created.Canteen.ID, created.Staff.User.CanteenID)

	// 员工令牌只能管理自己的食堂
	code, env = s.doToken(t, http.MethodPost, "/api/canteens/"+created.Canteen.ID+"/toggle-open", created.Staff.Token, nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.False(t, decode[model.Canteen](t, env.Data).IsOpen)
	code, _ = s.doToken(t, http.MethodPost, "/api/canteens/c1/toggle-open", created.Staff.Token, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// 初始密码可以登录
	code, env = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": created.Staff.User.Email, "password": created.Staff.Password,
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, model.RoleCanteen, decode[auth.Credentials](t, env.Data).User.Role)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodPost, "/api/orders", "s1", map[string]any{
		"canteenId": "c1",
		"items":     []map[string]any{{"menuItem": "m1", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	o := decode[model.Order](t, env.Data)
	assert.Equal(t, model.OrderCreated, o.Status)
	assert.Equal(t, "80", o.TotalAmount.String())
	meta := decode[map[string]any](t, env.Meta)
	assert.Equal(t, float64(1), meta["queuePosition"])

	code, env = s.do(t, http.MethodPost, "/api/payments/initiate", "s1", map[string]any{"orderId": o.ID})
	require.Equal(t, http.StatusCreated, code, env.Message)
	init := decode[payment.Initiation](t, env.Data)

	code, env = s.do(t, http.MethodPost, "/api/payments/"+init.Payment.ID+"/confirm", "s1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	res := decode[payment.Result](t, env.Data)
	require.NotNil(t, res.Order)
	assert.Equal(t, model.OrderPaid, res.Order.Status)
	require.NotNil(t, res.Order.PickupCode)
	pickup := *res.Order.PickupCode

	for _, step := range []string{"accept", "prepare", "ready"} {
		code, env = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/"+step, "k1", nil)
		require.Equal(t, http.StatusOK, code, step+": "+env.Message)
	}
	assert.Equal(t, model.OrderReady, decode[model.Order](t, env.Data).Status)

	wrong := "000000"
	if pickup == wrong {
		wrong = "111111"
	}
	code, env = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/complete", "k1", map[string]string{"pickupCode": wrong})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)

	code, env = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/complete", "k1", map[string]string{"pickupCode": pickup})
	require.Equal(t, http.StatusOK, code, env.Message)
	done := decode[model.Order](t, env.Data)
	assert.Equal(t, model.OrderCompleted, done.Status)
	assert.True(t, done.PickupCodeUsed)

	code, env = s.do(t, http.MethodGet, "/api/orders/canteen/c1/completed", "k1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	report := decode[order.CompletedReport](t, env.Data)
	assert.Equal(t, 1, report.Count)
	assert.Equal(t, "80", report.Earnings.Daily.String())
}

func TestAuthAndErrorMapping(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodGet, "/api/orders/my", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	code, _ = s.do(t, http.MethodGet, "/api/orders/all", "s1", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/orders/missing/accept", "s1", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(t, http.MethodPost, "/api/orders/missing/accept", "k1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, env.Message)

	code, _ = s.do(t, http.MethodGet, "/api/orders/all?status=bogus", "a1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/orders", "s1", map[string]any{"canteenId": "c1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/orders/x/complete", "k1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelPaidOrderByStaff(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.st.CreateOrder(ctx, &model.Order{
		ID: "o1", UserID: "s1", CanteenID: "c1", Status: model.OrderPaid,
		TotalAmount: decimal.RequireFromString("40"),
	}))

	code, env := s.do(t, http.MethodPost, "/api/orders/o1/cancel", "k1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	o := decode[model.Order](t, env.Data)
	assert.Equal(t, model.OrderCancelled, o.Status)
	assert.Equal(t, model.CancelledByCanteen, o.CancelledBy)

	code, _ = s.do(t, http.MethodPost, "/api/orders/o1/accept", "k1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCanteenAndMenuRoutes(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodGet, "/api/canteens/c1/queue", "", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	q := decode[map[string]any](t, env.Data)
	assert.Equal(t, "c1", q["canteenId"])
	assert.Equal(t, "LOW", q["demandLevel"])

	code, env = s.do(t, http.MethodGet, "/api/canteens/queue", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]map[string]any](t, env.Data), 1)

	code, _ = s.do(t, http.MethodGet, "/api/canteens/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = s.do(t, http.MethodPost, "/api/canteens/c1/toggle-open", "k1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.False(t, decode[model.Canteen](t, env.Data).IsOpen)

	code, env = s.do(t, http.MethodPost, "/api/menu", "k1", map[string]any{"canteenId": "c1", "name": "Lassi", "price": "15.5"})
	require.Equal(t, http.StatusCreated, code, env.Message)
	item := decode[model.MenuItem](t, env.Data)
	assert.True(t, item.IsAvailable)

	code, env = s.do(t, http.MethodPatch, "/api/menu/"+item.ID+"/toggle-availability", "k1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.False(t, decode[model.MenuItem](t, env.Data).IsAvailable)

	code, env = s.do(t, http.MethodGet, "/api/menu/canteen/c1", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]model.MenuItem](t, env.Data), 2)

	code, _ = s.do(t, http.MethodPost, "/api/canteens", "k1", map[string]any{"name": "East"})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestCanteenAndMenuUpdateDelete(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodPut, "/api/canteens/c1", "k1", map[string]any{"name": "North Block", "maxBulkSize": 20})
	require.Equal(t, http.StatusOK, code, env.Message)
	ct := decode[model.Canteen](t, env.Data)
	assert.Equal(t, "North Block", ct.Name)
	assert.Equal(t, 20, ct.MaxBulkSize)
	assert.True(t, ct.IsOpen)

	code, _ = s.do(t, http.MethodPut, "/api/canteens/c1", "s1", map[string]any{"name": "Mine"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodPut, "/api/canteens/c1", "k1", map[string]any{"maxBulkSize": 0})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, http.MethodPut, "/api/menu/m1", "k1", map[string]any{"price": "45", "isAvailable": false})
	require.Equal(t, http.StatusOK, code, env.Message)
	it := decode[model.MenuItem](t, env.Data)
	assert.Equal(t, "45", it.Price.String())
	assert.False(t, it.IsAvailable)
	assert.Equal(t, "Thali", it.Name)

	code, _ = s.do(t, http.MethodPut, "/api/menu/m1", "k1", map[string]any{"price": "0"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodDelete, "/api/menu/m1", "s1", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(t, http.MethodDelete, "/api/menu/m1", "k1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	code, _ = s.do(t, http.MethodGet, "/api/menu/m1", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	// 员工不能删除食堂；有进行中订单时管理员也不能删
	code, _ = s.do(t, http.MethodDelete, "/api/canteens/c1", "k1", nil)
	assert.Equal(t, http.StatusForbidden, code)
	require.NoError(t, s.st.CreateOrder(context.Background(), &model.Order{ID: "o1", UserID: "s1", CanteenID: "c1", Status: model.OrderPaid}))
	code, _ = s.do(t, http.MethodDelete, "/api/canteens/c1", "a1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	_, err := s.st.UpdateOrderIfStatus(context.Background(), "o1", model.OrderPaid, model.OrderPatch{Status: model.OrderCancelled})
	require.NoError(t, err)
	code, env = s.do(t, http.MethodDelete, "/api/canteens/c1", "a1", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	code, _ = s.do(t, http.MethodGet, "/api/canteens/c1", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMyNotifications(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for i, title := range []string{"Order accepted", "Order ready for pickup"} {
		require.NoError(t, s.st.SaveNotification(ctx, &model.Notification{
			ID:        title,
			UserID:    "s1",
			Title:     title,
			CreatedAt: time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
		}))
	}

	code, env := s.do(t, http.MethodGet, "/api/notifications/my?limit=1", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[[]model.Notification](t, env.Data)
	require.Len(t, list, 1)
	assert.Equal(t, "Order ready for pickup", list[0].Title)

	code, _ = s.do(t, http.MethodGet, "/api/notifications/my?limit=0", "s1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
