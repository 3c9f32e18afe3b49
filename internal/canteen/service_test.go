package canteen

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/auth"
	"canteen_order/internal/demand"
	"canteen_order/internal/model"
	"canteen_order/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	admin   = model.Actor{UserID: "a1", Role: model.RoleAdmin}
	student = model.Actor{UserID: "s1", Role: model.RoleStudent}
)

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := auth.NewAccounts(st, auth.NewIssuer("secret", time.Hour), logger, bcrypt.MinCost)
	return NewService(st, accounts, logger), st
}

type failingStaff struct{}

func (failingStaff) Provision(context.Context, *model.User) (*auth.Credentials, error) {
	return nil, store.ErrDuplicate
}

func TestCreate_AddsStaffAccount(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	_, _, err := svc.Create(ctx, student, CreateInput{Name: "North"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, _, err = svc.Create(ctx, admin, CreateInput{Name: "  "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	c, creds, err := svc.Create(ctx, admin, CreateInput{Name: "North Block", Location: "Gate 2", IsOpen: true})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMaxBulkSize, c.MaxBulkSize)
	assert.Equal(t, model.RoleCanteen, creds.User.Role)
	assert.Equal(t, c.ID, creds.User.CanteenID)
	assert.Contains(t, creds.User.Email, "northblock.")
	assert.NotEmpty(t, creds.Token)
	assert.NotEmpty(t, creds.Password)

	users, err := st.ListUsers(ctx, model.UserFilter{Role: model.RoleCanteen, CanteenID: c.ID})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users[0].PasswordHash), []byte(creds.Password)))
}

func TestCreate_RollsBackWhenStaffFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewService(st, failingStaff{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, _, err := svc.Create(ctx, admin, CreateInput{Name: "North"})
	require.Error(t, err)
	list, err := st.ListCanteens(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _, err := svc.Create(ctx, admin, CreateInput{Name: "North", Location: "Gate 1"})
	require.NoError(t, err)
	own := model.Actor{UserID: "k1", Role: model.RoleCanteen, CanteenID: c.ID}
	other := model.Actor{UserID: "k2", Role: model.RoleCanteen, CanteenID: "elsewhere"}

	name, loc, bulk, open := " North Block ", "Gate 3", 8, true
	got, err := svc.Update(ctx, own, c.ID, UpdateInput{Name: &name, Location: &loc, MaxBulkSize: &bulk, IsOpen: &open})
	require.NoError(t, err)
	assert.Equal(t, "North Block", got.Name)
	assert.Equal(t, "Gate 3", got.Location)
	assert.Equal(t, 8, got.MaxBulkSize)
	assert.True(t, got.IsOpen)
	assert.False(t, got.IsOnlineOrdersEnabled)

	closed := false
	got, err = svc.Update(ctx, admin, c.ID, UpdateInput{IsOpen: &closed})
	require.NoError(t, err)
	assert.False(t, got.IsOpen)
	assert.Equal(t, "North Block", got.Name)

	_, err = svc.Update(ctx, other, c.ID, UpdateInput{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = svc.Update(ctx, student, c.ID, UpdateInput{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	blank := " "
	_, err = svc.Update(ctx, own, c.ID, UpdateInput{Name: &blank})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	zero := 0
	_, err = svc.Update(ctx, own, c.ID, UpdateInput{MaxBulkSize: &zero})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.Update(ctx, admin, "missing", UpdateInput{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	c, _, err := svc.Create(ctx, admin, CreateInput{Name: "North"})
	require.NoError(t, err)
	own := model.Actor{UserID: "k1", Role: model.RoleCanteen, CanteenID: c.ID}
	it, err := svc.CreateMenuItem(ctx, own, MenuItemInput{CanteenID: c.ID, Name: "Tea", Price: decimal.NewFromInt(10)})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, own, c.ID), apperr.ErrForbidden)

	require.NoError(t, st.CreateOrder(ctx, &model.Order{ID: "o1", CanteenID: c.ID, UserID: "s1", Status: model.OrderPreparing}))
	assert.ErrorIs(t, svc.Delete(ctx, admin, c.ID), apperr.ErrInvalidState)

	_, err = st.UpdateOrderIfStatus(ctx, "o1", model.OrderPreparing, model.OrderPatch{Status: model.OrderCompleted})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, admin, c.ID))

	_, err = svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.GetMenuItem(ctx, it.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, admin, c.ID), apperr.ErrNotFound)
}

func TestToggles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _, err := svc.Create(ctx, admin, CreateInput{Name: "North"})
	require.NoError(t, err)
	own := model.Actor{UserID: "k1", Role: model.RoleCanteen, CanteenID: c.ID}
	other := model.Actor{UserID: "k2", Role: model.RoleCanteen, CanteenID: "elsewhere"}

	got, err := svc.ToggleOpen(ctx, own, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen)
	got, err = svc.ToggleOnlineOrders(ctx, own, c.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnlineOrdersEnabled)
	got, err = svc.ToggleOpen(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOpen)

	_, err = svc.ToggleOpen(ctx, other, c.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = svc.ToggleOnlineOrders(ctx, student, c.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = svc.ToggleOpen(ctx, admin, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)
	open, _, err := svc.Create(ctx, admin, CreateInput{Name: "Open", IsOpen: true})
	require.NoError(t, err)
	closed, _, err := svc.Create(ctx, admin, CreateInput{Name: "Closed"})
	require.NoError(t, err)

	for i, bulk := range []bool{true, false, false} {
		require.NoError(t, st.CreateOrder(ctx, &model.Order{
			ID: string(rune('a' + i)), CanteenID: open.ID, UserID: "s1", Status: model.OrderPaid, IsBulkOrder: bulk,
		}))
	}
	require.NoError(t, st.CreateOrder(ctx, &model.Order{ID: "z", CanteenID: closed.ID, UserID: "s1", Status: model.OrderPaid}))

	q, err := svc.Queue(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, q.QueuedOrders)
	assert.Equal(t, 12, q.EstimatedWaitTime)
	assert.Equal(t, demand.LevelLow, q.DemandLevel)

	all, err := svc.QueueAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	byID := map[string]QueueStatus{}
	for _, s := range all {
		byID[s.CanteenID] = s
	}
	assert.Equal(t, q.Snapshot, byID[open.ID].Snapshot)
	assert.Equal(t, demand.LevelClosed, byID[closed.ID].DemandLevel)
	assert.Zero(t, byID[closed.ID].QueuedOrders)

	_, err = svc.Queue(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMenu(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _, err := svc.Create(ctx, admin, CreateInput{Name: "North"})
	require.NoError(t, err)
	own := model.Actor{UserID: "k1", Role: model.RoleCanteen, CanteenID: c.ID}

	_, err = svc.CreateMenuItem(ctx, student, MenuItemInput{CanteenID: c.ID, Name: "Tea", Price: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = svc.CreateMenuItem(ctx, own, MenuItemInput{CanteenID: c.ID, Name: "Tea", Price: decimal.Zero})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.CreateMenuItem(ctx, own, MenuItemInput{CanteenID: "missing", Name: "Tea", Price: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	nonVeg := false
	it, err := svc.CreateMenuItem(ctx, own, MenuItemInput{CanteenID: c.ID, Name: "Egg Roll", Price: decimal.RequireFromString("35.5"), IsVeg: &nonVeg})
	require.NoError(t, err)
	assert.False(t, it.IsVeg)
	assert.True(t, it.IsAvailable)

	toggled, err := svc.ToggleAvailability(ctx, own, it.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsAvailable)

	menu, err := svc.ListMenu(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, menu, 1)
	assert.False(t, menu[0].IsAvailable)

	_, err = svc.GetMenuItem(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMenuItemUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _, err := svc.Create(ctx, admin, CreateInput{Name: "North"})
	require.NoError(t, err)
	own := model.Actor{UserID: "k1", Role: model.RoleCanteen, CanteenID: c.ID}
	other := model.Actor{UserID: "k2", Role: model.RoleCanteen, CanteenID: "elsewhere"}
	it, err := svc.CreateMenuItem(ctx, own, MenuItemInput{CanteenID: c.ID, Name: "Tea", Price: decimal.NewFromInt(10)})
	require.NoError(t, err)

	name := "Masala Tea"
	price := decimal.RequireFromString("12.345")
	nonVeg := false
	got, err := svc.UpdateMenuItem(ctx, own, it.ID, MenuItemUpdate{Name: &name, Price: &price, IsVeg: &nonVeg})
	require.NoError(t, err)
	assert.Equal(t, "Masala Tea", got.Name)
	assert.True(t, decimal.RequireFromString("12.35").Equal(got.Price), got.Price.String())
	assert.False(t, got.IsVeg)
	assert.True(t, got.IsAvailable)
	assert.Equal(t, c.ID, got.CanteenID)

	_, err = svc.UpdateMenuItem(ctx, other, it.ID, MenuItemUpdate{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = svc.UpdateMenuItem(ctx, student, it.ID, MenuItemUpdate{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	negative := decimal.NewFromInt(-1)
	_, err = svc.UpdateMenuItem(ctx, own, it.ID, MenuItemUpdate{Price: &negative})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	blank := ""
	_, err = svc.UpdateMenuItem(ctx, admin, it.ID, MenuItemUpdate{Name: &blank})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.UpdateMenuItem(ctx, admin, "missing", MenuItemUpdate{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, svc.DeleteMenuItem(ctx, other, it.ID), apperr.ErrForbidden)
	require.NoError(t, svc.DeleteMenuItem(ctx, admin, it.ID))
	assert.ErrorIs(t, svc.DeleteMenuItem(ctx, own, it.ID), apperr.ErrNotFound)
	menu, err := svc.ListMenu(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, menu)
}
