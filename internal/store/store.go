// Package store 持久化层：gorm（SQLite/MySQL）、MongoDB 与内存三种实现，
// 对上暴露同一套按状态条件更新的契约。
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"canteen_order/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrConflict 条件更新未命中：当前状态已不是期望状态（并发竞争失败）。
	ErrConflict = errors.New("conditional update conflict")
	// ErrDuplicate 唯一约束冲突（取餐码、交易号、ID 等）。
	ErrDuplicate = errors.New("duplicate key")
)

// Store 聚合全部集合的访问方法。
type Store interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	CountOrders(ctx context.Context, f model.OrderFilter) (int64, error)
	// UpdateOrderIfStatus 仅当当前状态等于 expected 时原子写入 patch 并刷新 updatedAt。
	UpdateOrderIfStatus(ctx context.Context, id string, expected model.OrderStatus, patch model.OrderPatch) (*model.Order, error)
	SumOrderAmount(ctx context.Context, f model.OrderFilter) (decimal.Decimal, error)

	// CreatePayment 若该订单已有 PENDING/SUCCESS 支付则返回 ErrConflict。
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	// FindPayment 返回最近创建的匹配记录。
	FindPayment(ctx context.Context, f model.PaymentFilter) (*model.Payment, error)
	UpdatePaymentIfStatus(ctx context.Context, id string, expected model.PaymentStatus, patch model.PaymentPatch) (*model.Payment, error)

	CreateCanteen(ctx context.Context, c *model.Canteen) error
	GetCanteen(ctx context.Context, id string) (*model.Canteen, error)
	ListCanteens(ctx context.Context) ([]model.Canteen, error)
	UpdateCanteen(ctx context.Context, id string, patch model.CanteenPatch) (*model.Canteen, error)
	// DeleteCanteen 连同其菜单一起删除；历史订单保留快照，不受影响。
	DeleteCanteen(ctx context.Context, id string) error

	CreateMenuItem(ctx context.Context, m *model.MenuItem) error
	GetMenuItem(ctx context.Context, id string) (*model.MenuItem, error)
	ListMenuItems(ctx context.Context, canteenID string) ([]model.MenuItem, error)
	UpdateMenuItem(ctx context.Context, id string, patch model.MenuItemPatch) (*model.MenuItem, error)
	DeleteMenuItem(ctx context.Context, id string) error

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	// GetUserByEmail email 按小写精确匹配。
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error)
	UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error)

	SaveNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)

	// Ping 健康检查用。
	Ping(ctx context.Context) error
	Close() error
}

// errorsLikeUnique 各驱动的唯一约束报错文案不同，按关键字识别。
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") ||
		strings.Contains(s, "Duplicate entry") || strings.Contains(s, "duplicate key")
}

func stamp(created *time.Time, updated *time.Time, now time.Time) {
	if created != nil && created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
}
