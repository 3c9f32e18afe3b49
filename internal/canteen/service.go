// Package canteen 食堂与菜单管理，以及对外的排队状态查询。
package canteen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/auth"
	"canteen_order/internal/demand"
	"canteen_order/internal/model"
	"canteen_order/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// staffEmailDomain 新建食堂时自动创建的员工账号邮箱后缀。
const staffEmailDomain = "canteen.local"

// StaffProvisioner 为新食堂开通员工账号并签发登录凭据。
type StaffProvisioner interface {
	Provision(ctx context.Context, u *model.User) (*auth.Credentials, error)
}

type Service struct {
	store  store.Store
	staff  StaffProvisioner
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st store.Store, staff StaffProvisioner, logger *slog.Logger) *Service {
	return &Service{store: st, staff: staff, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type CreateInput struct {
	Name                  string `json:"name"`
	Location              string `json:"location"`
	IsOpen                bool   `json:"isOpen"`
	IsOnlineOrdersEnabled bool   `json:"isOnlineOrdersEnabled"`
	MaxBulkSize           int    `json:"maxBulkSize"`
}

// UpdateInput nil 字段保持不变。
type UpdateInput struct {
	Name                  *string `json:"name"`
	Location              *string `json:"location"`
	IsOpen                *bool   `json:"isOpen"`
	IsOnlineOrdersEnabled *bool   `json:"isOnlineOrdersEnabled"`
	MaxBulkSize           *int    `json:"maxBulkSize"`
}

// QueueStatus 单个食堂的排队快照。
type QueueStatus struct {
	CanteenID   string `json:"canteenId"`
	CanteenName string `json:"canteenName"`
	IsOpen      bool   `json:"isOpen"`
	demand.Snapshot
}

func (s *Service) List(ctx context.Context) ([]model.Canteen, error) {
	out, err := s.store.ListCanteens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list canteens: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Canteen, error) {
	c, err := s.store.GetCanteen(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("canteen not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load canteen %s: %w", id, err)
	}
	return c, nil
}

// Create 仅管理员可用；同时开通一个绑定该食堂的员工账号，凭据只在此时返回一次。
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Canteen, *auth.Credentials, error) {
	if actor.Role != model.RoleAdmin {
		return nil, nil, apperr.Forbidden("only admins can create canteens")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, nil, apperr.Validation("name is required")
	}
	if in.MaxBulkSize < 0 {
		return nil, nil, apperr.Validation("maxBulkSize must not be negative")
	}
	bulk := in.MaxBulkSize
	if bulk == 0 {
		bulk = model.DefaultMaxBulkSize
	}

	c := &model.Canteen{
		ID:                    uuid.NewString(),
		Name:                  name,
		Location:              strings.TrimSpace(in.Location),
		IsOpen:                in.IsOpen,
		IsOnlineOrdersEnabled: in.IsOnlineOrdersEnabled,
		MaxBulkSize:           bulk,
	}
	if err := s.store.CreateCanteen(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("create canteen: %w", err)
	}

	creds, err := s.staff.Provision(ctx, &model.User{
		ID:        uuid.NewString(),
		Name:      name + " Staff",
		Email:     fmt.Sprintf("%s.%s@%s", slug(name), c.ID[:8], staffEmailDomain),
		Role:      model.RoleCanteen,
		CanteenID: c.ID,
	})
	if err != nil {
		// 没有员工账号的食堂无人能管理，回滚
		if derr := s.store.DeleteCanteen(ctx, c.ID); derr != nil {
			s.logger.Error("rollback canteen failed", slog.String("canteen_id", c.ID), slog.Any("error", derr))
		}
		return nil, nil, fmt.Errorf("create canteen staff: %w", err)
	}
	s.logger.Info("canteen created",
		slog.String("canteen_id", c.ID), slog.String("name", c.Name), slog.String("staff_id", creds.User.ID))
	return c, creds, nil
}

// Update 管理员或本食堂员工可改。
func (s *Service) Update(ctx context.Context, actor model.Actor, id string, in UpdateInput) (*model.Canteen, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanManageCanteen(c.ID) {
		return nil, apperr.Forbidden("not authorized to update this canteen")
	}
	patch := model.CanteenPatch{IsOpen: in.IsOpen, IsOnlineOrdersEnabled: in.IsOnlineOrdersEnabled}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name cannot be empty")
		}
		patch.Name = &name
	}
	if in.Location != nil {
		loc := strings.TrimSpace(*in.Location)
		patch.Location = &loc
	}
	if in.MaxBulkSize != nil {
		if *in.MaxBulkSize < 1 {
			return nil, apperr.Validation("maxBulkSize must be at least 1")
		}
		patch.MaxBulkSize = in.MaxBulkSize
	}
	updated, err := s.store.UpdateCanteen(ctx, c.ID, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("canteen not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update canteen %s: %w", c.ID, err)
	}
	s.logger.Info("canteen updated", slog.String("canteen_id", c.ID), slog.String("actor_id", actor.UserID))
	return updated, nil
}

// Delete 仅管理员可用；仍有进行中订单时拒绝，菜单随食堂一并删除。
func (s *Service) Delete(ctx context.Context, actor model.Actor, id string) error {
	if actor.Role != model.RoleAdmin {
		return apperr.Forbidden("only admins can delete canteens")
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	active, err := s.store.CountOrders(ctx, model.OrderFilter{CanteenID: c.ID, Statuses: model.BoardStatuses})
	if err != nil {
		return fmt.Errorf("count orders of %s: %w", c.ID, err)
	}
	if active > 0 {
		return apperr.InvalidState("canteen has %d active orders", active)
	}
	if err := s.store.DeleteCanteen(ctx, c.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("canteen not found")
		}
		return fmt.Errorf("delete canteen %s: %w", c.ID, err)
	}
	s.logger.Info("canteen deleted", slog.String("canteen_id", c.ID), slog.String("actor_id", actor.UserID))
	return nil
}

func (s *Service) ToggleOpen(ctx context.Context, actor model.Actor, id string) (*model.Canteen, error) {
	return s.toggle(ctx, actor, id, func(c *model.Canteen) model.CanteenPatch {
		v := !c.IsOpen
		return model.CanteenPatch{IsOpen: &v}
	})
}

func (s *Service) ToggleOnlineOrders(ctx context.Context, actor model.Actor, id string) (*model.Canteen, error) {
	return s.toggle(ctx, actor, id, func(c *model.Canteen) model.CanteenPatch {
		v := !c.IsOnlineOrdersEnabled
		return model.CanteenPatch{IsOnlineOrdersEnabled: &v}
	})
}

func (s *Service) toggle(ctx context.Context, actor model.Actor, id string, flip func(*model.Canteen) model.CanteenPatch) (*model.Canteen, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanManageCanteen(c.ID) {
		return nil, apperr.Forbidden("not authorized to update this canteen")
	}
	updated, err := s.store.UpdateCanteen(ctx, c.ID, flip(c))
	if err != nil {
		return nil, fmt.Errorf("update canteen %s: %w", c.ID, err)
	}
	s.logger.Info("canteen updated",
		slog.String("canteen_id", c.ID),
		slog.Bool("is_open", updated.IsOpen),
		slog.Bool("online_orders", updated.IsOnlineOrdersEnabled),
		slog.String("actor_id", actor.UserID))
	return updated, nil
}

// Queue 单个食堂的排队快照，公开接口。
func (s *Service) Queue(ctx context.Context, id string) (*QueueStatus, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.queueFor(ctx, c)
}

// QueueAll 所有食堂的排队快照，繁忙度与单食堂接口口径一致。
func (s *Service) QueueAll(ctx context.Context) ([]QueueStatus, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]QueueStatus, 0, len(list))
	for i := range list {
		q, err := s.queueFor(ctx, &list[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, nil
}

func (s *Service) queueFor(ctx context.Context, c *model.Canteen) (*QueueStatus, error) {
	snap, err := demand.Load(ctx, s.store, c, s.now())
	if err != nil {
		return nil, fmt.Errorf("queue of canteen %s: %w", c.ID, err)
	}
	return &QueueStatus{CanteenID: c.ID, CanteenName: c.Name, IsOpen: c.IsOpen, Snapshot: snap}, nil
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "canteen"
	}
	return b.String()
}

type MenuItemInput struct {
	CanteenID   string          `json:"canteenId"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	IsVeg       *bool           `json:"isVeg"`
	IsAvailable *bool           `json:"isAvailable"`
}

func (s *Service) ListMenu(ctx context.Context, canteenID string) ([]model.MenuItem, error) {
	if _, err := s.Get(ctx, canteenID); err != nil {
		return nil, err
	}
	out, err := s.store.ListMenuItems(ctx, canteenID)
	if err != nil {
		return nil, fmt.Errorf("list menu of %s: %w", canteenID, err)
	}
	return out, nil
}

func (s *Service) GetMenuItem(ctx context.Context, id string) (*model.MenuItem, error) {
	it, err := s.store.GetMenuItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("menu item not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load menu item %s: %w", id, err)
	}
	return it, nil
}

// CreateMenuItem isVeg/isAvailable 缺省为 true。
func (s *Service) CreateMenuItem(ctx context.Context, actor model.Actor, in MenuItemInput) (*model.MenuItem, error) {
	c, err := s.Get(ctx, in.CanteenID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManageCanteen(c.ID) {
		return nil, apperr.Forbidden("not authorized to add items to this canteen")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if !in.Price.IsPositive() {
		return nil, apperr.Validation("price must be positive")
	}
	it := &model.MenuItem{
		ID:          uuid.NewString(),
		CanteenID:   c.ID,
		Name:        name,
		Price:       in.Price.Round(2),
		IsVeg:       in.IsVeg == nil || *in.IsVeg,
		IsAvailable: in.IsAvailable == nil || *in.IsAvailable,
	}
	if err := s.store.CreateMenuItem(ctx, it); err != nil {
		return nil, fmt.Errorf("create menu item: %w", err)
	}
	return it, nil
}

// MenuItemUpdate nil 字段保持不变。
type MenuItemUpdate struct {
	Name        *string          `json:"name"`
	Price       *decimal.Decimal `json:"price"`
	IsVeg       *bool            `json:"isVeg"`
	IsAvailable *bool            `json:"isAvailable"`
}

func (s *Service) UpdateMenuItem(ctx context.Context, actor model.Actor, id string, in MenuItemUpdate) (*model.MenuItem, error) {
	it, err := s.managedItem(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	patch := model.MenuItemPatch{IsVeg: in.IsVeg, IsAvailable: in.IsAvailable}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name cannot be empty")
		}
		patch.Name = &name
	}
	if in.Price != nil {
		if !in.Price.IsPositive() {
			return nil, apperr.Validation("price must be positive")
		}
		price := in.Price.Round(2)
		patch.Price = &price
	}
	return s.patchItem(ctx, it.ID, patch)
}

func (s *Service) DeleteMenuItem(ctx context.Context, actor model.Actor, id string) error {
	it, err := s.managedItem(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMenuItem(ctx, it.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("menu item not found")
		}
		return fmt.Errorf("delete menu item %s: %w", it.ID, err)
	}
	s.logger.Info("menu item deleted",
		slog.String("item_id", it.ID), slog.String("canteen_id", it.CanteenID), slog.String("actor_id", actor.UserID))
	return nil
}

func (s *Service) ToggleAvailability(ctx context.Context, actor model.Actor, id string) (*model.MenuItem, error) {
	it, err := s.managedItem(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	v := !it.IsAvailable
	return s.patchItem(ctx, it.ID, model.MenuItemPatch{IsAvailable: &v})
}

// managedItem 读取菜品并校验调用方对其所属食堂的管理权限。
func (s *Service) managedItem(ctx context.Context, actor model.Actor, id string) (*model.MenuItem, error) {
	it, err := s.GetMenuItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanManageCanteen(it.CanteenID) {
		return nil, apperr.Forbidden("not authorized to update this menu item")
	}
	return it, nil
}

func (s *Service) patchItem(ctx context.Context, id string, patch model.MenuItemPatch) (*model.MenuItem, error) {
	updated, err := s.store.UpdateMenuItem(ctx, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("menu item not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update menu item %s: %w", id, err)
	}
	return updated, nil
}
