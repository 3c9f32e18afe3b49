package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteen_order/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Gorm 关系型实现，默认 SQLite，也可切换 MySQL。
type Gorm struct {
	db  *gorm.DB
	now func() time.Time
}

func utcNow() time.Time { return time.Now().UTC() }

// OpenGorm 按驱动名连接数据库并自动建表。
func OpenGorm(driver, dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc: utcNow,
		Logger:  logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "sqlite" {
		// SQLite 单写者，限制连接数避免 database is locked。
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return NewGorm(db)
}

// NewGorm 复用已有连接，执行 AutoMigrate。
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(
		&model.Canteen{},
		&model.MenuItem{},
		&model.User{},
		&model.Order{},
		&model.OrderLine{},
		&model.Payment{},
		&model.Notification{},
	); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return &Gorm{db: db, now: utcNow}, nil
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errorsLikeUnique(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func (g *Gorm) CreateOrder(ctx context.Context, o *model.Order) error {
	stamp(&o.CreatedAt, &o.UpdatedAt, g.now())
	return translate(g.db.WithContext(ctx).Create(o).Error)
}

func preloadLines(db *gorm.DB) *gorm.DB {
	return db.Order("id")
}

func (g *Gorm) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := g.db.WithContext(ctx).Preload("Items", preloadLines).First(&o, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

func applyOrderFilter(q *gorm.DB, f model.OrderFilter) *gorm.DB {
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.CanteenID != "" {
		q = q.Where("canteen_id = ?", f.CanteenID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.CreatedSince.IsZero() {
		q = q.Where("created_at >= ?", f.CreatedSince.UTC())
	}
	if !f.UpdatedSince.IsZero() {
		q = q.Where("updated_at >= ?", f.UpdatedSince.UTC())
	}
	if !f.UpdatedUntil.IsZero() {
		q = q.Where("updated_at <= ?", f.UpdatedUntil.UTC())
	}
	return q
}

func (g *Gorm) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	var list []model.Order
	q := applyOrderFilter(g.db.WithContext(ctx).Model(&model.Order{}), f)
	if err := q.Preload("Items", preloadLines).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (g *Gorm) CountOrders(ctx context.Context, f model.OrderFilter) (int64, error) {
	var n int64
	err := applyOrderFilter(g.db.WithContext(ctx).Model(&model.Order{}), f).Count(&n).Error
	return n, err
}

// UpdateOrderIfStatus 依靠 WHERE status = ? 的单条 UPDATE 实现比较并交换，
// RowsAffected 为 0 即说明已被其他请求改走。
func (g *Gorm) UpdateOrderIfStatus(ctx context.Context, id string, expected model.OrderStatus, patch model.OrderPatch) (*model.Order, error) {
	updates := map[string]any{
		"status":     patch.Status,
		"updated_at": g.now(),
	}
	if patch.PickupCode != nil {
		updates["pickup_code"] = *patch.PickupCode
	}
	if patch.PickupCodeUsed != nil {
		updates["pickup_code_used"] = *patch.PickupCodeUsed
	}
	if patch.CancelledBy != nil {
		updates["cancelled_by"] = *patch.CancelledBy
	}

	res := g.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := g.GetOrder(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return g.GetOrder(ctx, id)
}

func (g *Gorm) SumOrderAmount(ctx context.Context, f model.OrderFilter) (decimal.Decimal, error) {
	var total decimal.Decimal
	row := applyOrderFilter(g.db.WithContext(ctx).Model(&model.Order{}), f).
		Select("COALESCE(SUM(total_amount), 0)").Row()
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// CreatePayment 在事务内先对订单行加 FOR UPDATE 锁，再检查同订单的活动支付后插入；
// 同一订单的并发发起在 MySQL 上由行锁串行化，SQLite 本身单写者。
func (g *Gorm) CreatePayment(ctx context.Context, p *model.Payment) error {
	stamp(&p.CreatedAt, &p.UpdatedAt, g.now())
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []model.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Where("id = ?", p.OrderID).Find(&locked).Error; err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&model.Payment{}).
			Where("order_id = ? AND status IN ?", p.OrderID, model.ActivePaymentStatuses).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		return tx.Create(p).Error
	})
	if errors.Is(err, ErrConflict) {
		return err
	}
	return translate(err)
}

func (g *Gorm) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	var p model.Payment
	if err := g.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (g *Gorm) FindPayment(ctx context.Context, f model.PaymentFilter) (*model.Payment, error) {
	q := g.db.WithContext(ctx).Model(&model.Payment{})
	if f.OrderID != "" {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	var p model.Payment
	if err := q.Order("created_at DESC").First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (g *Gorm) UpdatePaymentIfStatus(ctx context.Context, id string, expected model.PaymentStatus, patch model.PaymentPatch) (*model.Payment, error) {
	updates := map[string]any{
		"status":     patch.Status,
		"updated_at": g.now(),
	}
	if patch.TransactionID != "" {
		updates["transaction_id"] = patch.TransactionID
	}
	if patch.PaymentDetails != nil {
		updates["payment_details"] = patch.PaymentDetails
	}

	res := g.db.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := g.GetPayment(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return g.GetPayment(ctx, id)
}

func (g *Gorm) CreateCanteen(ctx context.Context, c *model.Canteen) error {
	stamp(&c.CreatedAt, &c.UpdatedAt, g.now())
	return translate(g.db.WithContext(ctx).Create(c).Error)
}

func (g *Gorm) GetCanteen(ctx context.Context, id string) (*model.Canteen, error) {
	var c model.Canteen
	if err := g.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (g *Gorm) ListCanteens(ctx context.Context) ([]model.Canteen, error) {
	var list []model.Canteen
	if err := g.db.WithContext(ctx).Order("name").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (g *Gorm) UpdateCanteen(ctx context.Context, id string, patch model.CanteenPatch) (*model.Canteen, error) {
	updates := map[string]any{"updated_at": g.now()}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Location != nil {
		updates["location"] = *patch.Location
	}
	if patch.MaxBulkSize != nil {
		updates["max_bulk_size"] = *patch.MaxBulkSize
	}
	if patch.IsOpen != nil {
		updates["is_open"] = *patch.IsOpen
	}
	if patch.IsOnlineOrdersEnabled != nil {
		updates["is_online_orders_enabled"] = *patch.IsOnlineOrdersEnabled
	}
	// MySQL 的 RowsAffected 只统计实际变化的行，存在性交给随后的读取判断。
	if err := g.db.WithContext(ctx).Model(&model.Canteen{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return g.GetCanteen(ctx, id)
}

func (g *Gorm) DeleteCanteen(ctx context.Context, id string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.Canteen{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("canteen_id = ?", id).Delete(&model.MenuItem{}).Error
	})
}

func (g *Gorm) CreateMenuItem(ctx context.Context, m *model.MenuItem) error {
	stamp(&m.CreatedAt, &m.UpdatedAt, g.now())
	return translate(g.db.WithContext(ctx).Create(m).Error)
}

func (g *Gorm) GetMenuItem(ctx context.Context, id string) (*model.MenuItem, error) {
	var m model.MenuItem
	if err := g.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (g *Gorm) ListMenuItems(ctx context.Context, canteenID string) ([]model.MenuItem, error) {
	var list []model.MenuItem
	if err := g.db.WithContext(ctx).Where("canteen_id = ?", canteenID).Order("name").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (g *Gorm) UpdateMenuItem(ctx context.Context, id string, patch model.MenuItemPatch) (*model.MenuItem, error) {
	updates := map[string]any{"updated_at": g.now()}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Price != nil {
		updates["price"] = *patch.Price
	}
	if patch.IsVeg != nil {
		updates["is_veg"] = *patch.IsVeg
	}
	if patch.IsAvailable != nil {
		updates["is_available"] = *patch.IsAvailable
	}
	if err := g.db.WithContext(ctx).Model(&model.MenuItem{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return g.GetMenuItem(ctx, id)
}

func (g *Gorm) DeleteMenuItem(ctx context.Context, id string) error {
	res := g.db.WithContext(ctx).Where("id = ?", id).Delete(&model.MenuItem{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) CreateUser(ctx context.Context, u *model.User) error {
	stamp(&u.CreatedAt, &u.UpdatedAt, g.now())
	return translate(g.db.WithContext(ctx).Create(u).Error)
}

func (g *Gorm) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := g.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (g *Gorm) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := g.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (g *Gorm) UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error) {
	updates := map[string]any{"updated_at": g.now()}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.PasswordHash != nil {
		updates["password_hash"] = *patch.PasswordHash
	}
	if err := g.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return g.GetUser(ctx, id)
}

func (g *Gorm) ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error) {
	q := g.db.WithContext(ctx).Model(&model.User{})
	if f.Role != "" {
		q = q.Where("role = ?", f.Role)
	}
	if f.CanteenID != "" {
		q = q.Where("canteen_id = ?", f.CanteenID)
	}
	var list []model.User
	if err := q.Order("id").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (g *Gorm) SaveNotification(ctx context.Context, n *model.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = g.now()
	}
	return translate(g.db.WithContext(ctx).Create(n).Error)
}

func (g *Gorm) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	q := g.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var list []model.Notification
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
