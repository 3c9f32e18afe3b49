package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"canteen_order/internal/auth"
	"canteen_order/internal/model"
	"canteen_order/internal/store"

	"github.com/shopspring/decimal"
)

// demoPassword 演示账号共用的登录密码。
const demoPassword = "demo1234"

// seedDemo 写入一个演示食堂、菜单和三类用户，并打印各自的登录密码与访问令牌。重复执行不会重复写入。
func seedDemo(ctx context.Context, st store.Store, accounts *auth.Accounts, issuer *auth.Issuer, logger *slog.Logger) error {
	c := &model.Canteen{
		ID:                    "demo-canteen",
		Name:                  "Central Canteen",
		Location:              "Main Block",
		IsOpen:                true,
		IsOnlineOrdersEnabled: true,
		MaxBulkSize:           model.DefaultMaxBulkSize,
	}
	if err := ignoreDuplicate(st.CreateCanteen(ctx, c)); err != nil {
		return fmt.Errorf("canteen: %w", err)
	}

	menu := []model.MenuItem{
		{ID: "demo-thali", Name: "Veg Thali", Price: decimal.RequireFromString("60"), IsVeg: true},
		{ID: "demo-biryani", Name: "Chicken Biryani", Price: decimal.RequireFromString("90"), IsVeg: false},
		{ID: "demo-dosa", Name: "Masala Dosa", Price: decimal.RequireFromString("45"), IsVeg: true},
		{ID: "demo-chai", Name: "Chai", Price: decimal.RequireFromString("10"), IsVeg: true},
	}
	for i := range menu {
		menu[i].CanteenID = c.ID
		menu[i].IsAvailable = true
		if err := ignoreDuplicate(st.CreateMenuItem(ctx, &menu[i])); err != nil {
			return fmt.Errorf("menu item %s: %w", menu[i].ID, err)
		}
	}

	users := []model.User{
		{ID: "demo-student", Name: "Demo Student", Email: "student@campus.local", Role: model.RoleStudent},
		{ID: "demo-staff", Name: "Central Canteen Staff", Email: "staff@canteen.local", Role: model.RoleCanteen, CanteenID: c.ID},
		{ID: "demo-admin", Name: "Demo Admin", Email: "admin@campus.local", Role: model.RoleAdmin},
	}
	hash, err := accounts.HashPassword(demoPassword)
	if err != nil {
		return err
	}
	for i := range users {
		users[i].PasswordHash = hash
		if err := ignoreDuplicate(st.CreateUser(ctx, &users[i])); err != nil {
			return fmt.Errorf("user %s: %w", users[i].ID, err)
		}
		token, err := issuer.Issue(&users[i])
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", users[i].ID, err)
		}
		logger.Info("demo user",
			slog.String("user_id", users[i].ID),
			slog.String("email", users[i].Email),
			slog.String("password", demoPassword),
			slog.String("role", string(users[i].Role)),
			slog.String("token", token))
	}
	return nil
}

func ignoreDuplicate(err error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}
