// Package order 订单生命周期：下单、状态机迁移、取餐码与取消后的自动退款。
//
// 所有状态写入都通过 store.UpdateOrderIfStatus 以“读取时的状态”为条件完成，
// 同一订单上的并发操作只有一个能成功，其余返回 apperr.ErrConflict；不同订单之间没有任何共享锁。
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/demand"
	"canteen_order/internal/model"
	"canteen_order/internal/notify"
	"canteen_order/internal/schedule"
	"canteen_order/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scheduler 提交延迟任务。
type Scheduler interface {
	Schedule(ctx context.Context, job schedule.Job) error
}

// Dispatcher 异步、尽力而为地发送通知。
type Dispatcher interface {
	Dispatch(ctx context.Context, notes ...notify.Notification)
}

type Service struct {
	store       store.Store
	sched       Scheduler
	notifier    Dispatcher
	logger      *slog.Logger
	refundDelay time.Duration

	now     func() time.Time
	newCode func() (string, error)
}

func NewService(st store.Store, sched Scheduler, d Dispatcher, logger *slog.Logger, refundDelay time.Duration) *Service {
	return &Service{
		store:       st,
		sched:       sched,
		notifier:    d,
		logger:      logger,
		refundDelay: refundDelay,
		now:         func() time.Time { return time.Now().UTC() },
		newCode:     NewPickupCode,
	}
}

type CreateItem struct {
	MenuItemID string `json:"menuItem"`
	Quantity   int    `json:"quantity"`
}

type CreateInput struct {
	CanteenID           string       `json:"canteenId"`
	Items               []CreateItem `json:"items"`
	SpecialInstructions string       `json:"specialInstructions"`
}

// Create 校验食堂与菜品后以 CREATED 状态落单，并返回下单前计算的排队提示。
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Order, demand.Hint, error) {
	if in.CanteenID == "" {
		return nil, demand.Hint{}, apperr.Validation("canteenId is required")
	}
	if len(in.Items) == 0 {
		return nil, demand.Hint{}, apperr.Validation("order must contain at least one item")
	}
	for _, it := range in.Items {
		if it.MenuItemID == "" {
			return nil, demand.Hint{}, apperr.Validation("menuItem is required for every item")
		}
		if it.Quantity < 1 {
			return nil, demand.Hint{}, apperr.Validation("quantity for menu item %s must be at least 1", it.MenuItemID)
		}
	}

	canteen, err := s.store.GetCanteen(ctx, in.CanteenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, demand.Hint{}, apperr.NotFound("canteen not found")
	}
	if err != nil {
		return nil, demand.Hint{}, fmt.Errorf("load canteen %s: %w", in.CanteenID, err)
	}
	if !canteen.IsOpen {
		return nil, demand.Hint{}, apperr.InvalidState("canteen is currently closed")
	}
	if !canteen.IsOnlineOrdersEnabled {
		return nil, demand.Hint{}, apperr.InvalidState("online orders are currently disabled for this canteen")
	}

	lines := make([]model.OrderLine, 0, len(in.Items))
	total := decimal.Zero
	quantity := 0
	for _, it := range in.Items {
		mi, err := s.store.GetMenuItem(ctx, it.MenuItemID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, demand.Hint{}, apperr.NotFound("menu item %s not found", it.MenuItemID)
		}
		if err != nil {
			return nil, demand.Hint{}, fmt.Errorf("load menu item %s: %w", it.MenuItemID, err)
		}
		if !mi.IsAvailable {
			return nil, demand.Hint{}, apperr.InvalidState("%s is currently unavailable", mi.Name)
		}
		if mi.CanteenID != canteen.ID {
			return nil, demand.Hint{}, apperr.Validation("%s does not belong to this canteen", mi.Name)
		}
		lines = append(lines, model.OrderLine{
			MenuItemID: mi.ID,
			Name:       mi.Name,
			Price:      mi.Price,
			Quantity:   it.Quantity,
			IsVeg:      mi.IsVeg,
		})
		total = total.Add(mi.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		quantity += it.Quantity
	}
	bulk := quantity > canteen.BulkThreshold()

	snap, err := demand.Load(ctx, s.store, canteen, s.now())
	if err != nil {
		return nil, demand.Hint{}, fmt.Errorf("queue snapshot: %w", err)
	}
	hint := demand.HintFor(snap, bulk)

	o := &model.Order{
		ID:                  uuid.NewString(),
		UserID:              actor.UserID,
		CanteenID:           canteen.ID,
		Items:               lines,
		TotalAmount:         total,
		IsBulkOrder:         bulk,
		SpecialInstructions: strings.TrimSpace(in.SpecialInstructions),
		Status:              model.OrderCreated,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, demand.Hint{}, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order created",
		slog.String("order_id", o.ID),
		slog.String("user_id", o.UserID),
		slog.String("canteen_id", o.CanteenID),
		slog.String("total", o.TotalAmount.String()),
		slog.Bool("bulk", o.IsBulkOrder),
		slog.Int("queue_position", hint.QueuePosition))
	return o, hint, nil
}

func (s *Service) Accept(ctx context.Context, actor model.Actor, id string) (*model.Order, error) {
	return s.staffTransition(ctx, actor, id, model.OrderAccepted, false)
}

func (s *Service) StartPreparing(ctx context.Context, actor model.Actor, id string) (*model.Order, error) {
	return s.staffTransition(ctx, actor, id, model.OrderPreparing, false)
}

// MarkReady 已在支付时发过取餐码的订单沿用原码。
func (s *Service) MarkReady(ctx context.Context, actor model.Actor, id string) (*model.Order, error) {
	return s.staffTransition(ctx, actor, id, model.OrderReady, true)
}

// Complete 核销取餐码。取餐码只能使用一次，已使用时无论当前状态都返回 InvalidPickupCode。
func (s *Service) Complete(ctx context.Context, actor model.Actor, id, code string) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeStaff(actor, o); err != nil {
		return nil, err
	}
	if o.PickupCodeUsed {
		return nil, apperr.InvalidPickupCode("pickup code already used")
	}
	if !canTransition(o.Status, model.OrderCompleted, actorStaff) {
		return nil, apperr.InvalidState("%s", preconditionFor(model.OrderCompleted, actorStaff, o.Status))
	}
	if o.PickupCode == nil || code != *o.PickupCode {
		return nil, apperr.InvalidPickupCode("invalid pickup code")
	}

	used := true
	updated, err := s.update(ctx, o, model.OrderPatch{Status: model.OrderCompleted, PickupCodeUsed: &used}, false)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, o.Status, updated, actor)
	return updated, nil
}

// Cancel 食堂取消的订单会在 refundDelay 后自动退款。
func (s *Service) Cancel(ctx context.Context, actor model.Actor, id string) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	class, by, err := cancelActor(actor, o)
	if err != nil {
		return nil, err
	}
	if !canTransition(o.Status, model.OrderCancelled, class) {
		return nil, apperr.InvalidState("%s", preconditionFor(model.OrderCancelled, class, o.Status))
	}

	updated, err := s.update(ctx, o, model.OrderPatch{Status: model.OrderCancelled, CancelledBy: &by}, false)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, o.Status, updated, actor)
	if by == model.CancelledByCanteen {
		s.scheduleRefund(ctx, updated)
	}
	return updated, nil
}

// MarkPaid 支付成功后由支付流程调用；订单必须仍为 CREATED。
func (s *Service) MarkPaid(ctx context.Context, id string) (*model.Order, error) {
	return s.systemTransition(ctx, id, model.OrderPaid, true)
}

// MarkPaymentFailed 支付失败后由支付流程调用，无其他副作用。
func (s *Service) MarkPaymentFailed(ctx context.Context, id string) (*model.Order, error) {
	return s.systemTransition(ctx, id, model.OrderFailed, false)
}

// AutoRefund 延迟任务入口：订单仍为 CANCELLED 才退款，否则静默跳过。
func (s *Service) AutoRefund(ctx context.Context, id string) error {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("auto refund skipped: order missing", slog.String("order_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("auto refund load order %s: %w", id, err)
	}
	if o.Status != model.OrderCancelled {
		s.logger.Info("auto refund skipped",
			slog.String("order_id", id), slog.String("status", string(o.Status)))
		return nil
	}

	updated, err := s.store.UpdateOrderIfStatus(ctx, id, model.OrderCancelled, model.OrderPatch{Status: model.OrderRefunded})
	if errors.Is(err, store.ErrConflict) {
		s.logger.Info("auto refund skipped: order changed", slog.String("order_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("auto refund update order %s: %w", id, err)
	}
	s.logger.Info("order refunded",
		slog.String("order_id", id), slog.String("amount", updated.TotalAmount.String()))
	s.notifyOwner(ctx, updated)
	return nil
}

// HandleAutoRefund 适配 schedule.Handler。
func (s *Service) HandleAutoRefund(ctx context.Context, job schedule.Job) error {
	return s.AutoRefund(ctx, job.OrderID)
}

func (s *Service) staffTransition(ctx context.Context, actor model.Actor, id string, to model.OrderStatus, issueCode bool) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeStaff(actor, o); err != nil {
		return nil, err
	}
	if !canTransition(o.Status, to, actorStaff) {
		return nil, apperr.InvalidState("%s", preconditionFor(to, actorStaff, o.Status))
	}
	updated, err := s.update(ctx, o, model.OrderPatch{Status: to}, issueCode)
	if err != nil {
		return nil, err
	}
	s.changed(ctx, o.Status, updated, actor)
	return updated, nil
}

func (s *Service) systemTransition(ctx context.Context, id string, to model.OrderStatus, issueCode bool) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(o.Status, to, actorSystem) {
		return nil, apperr.InvalidState("%s", preconditionFor(to, actorSystem, o.Status))
	}
	updated, err := s.update(ctx, o, model.OrderPatch{Status: to}, issueCode)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order status changed",
		slog.String("order_id", id),
		slog.String("from", string(o.Status)),
		slog.String("to", string(to)),
		slog.String("actor", string(actorSystem)))
	return updated, nil
}

// update 以读取时的状态为条件写入。issueCode 且订单还没有取餐码时顺带生成一个，唯一索引冲突则换码重试。
func (s *Service) update(ctx context.Context, o *model.Order, patch model.OrderPatch, issueCode bool) (*model.Order, error) {
	issueCode = issueCode && o.PickupCode == nil
	attempts := 1
	if issueCode {
		attempts = maxPickupAttempts
	}
	for i := 0; i < attempts; i++ {
		if issueCode {
			code, err := s.newCode()
			if err != nil {
				return nil, err
			}
			patch.PickupCode = &code
		}
		updated, err := s.store.UpdateOrderIfStatus(ctx, o.ID, o.Status, patch)
		switch {
		case err == nil:
			return updated, nil
		case issueCode && errors.Is(err, store.ErrDuplicate):
			s.logger.Debug("pickup code collision, retrying", slog.String("order_id", o.ID), slog.Int("attempt", i+1))
			continue
		case errors.Is(err, store.ErrConflict):
			return nil, apperr.Conflict("order %s was modified concurrently (expected status %s)", o.ID, o.Status)
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFound("order %s not found", o.ID)
		default:
			return nil, fmt.Errorf("update order %s: %w", o.ID, err)
		}
	}
	return nil, fmt.Errorf("order %s: no free pickup code after %d attempts", o.ID, attempts)
}

func (s *Service) load(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

// changed 记录迁移并通知订单所有者。
func (s *Service) changed(ctx context.Context, from model.OrderStatus, o *model.Order, actor model.Actor) {
	s.logger.Info("order status changed",
		slog.String("order_id", o.ID),
		slog.String("from", string(from)),
		slog.String("to", string(o.Status)),
		slog.String("actor_id", actor.UserID),
		slog.String("actor_role", string(actor.Role)))
	s.notifyOwner(ctx, o)
}

func (s *Service) notifyOwner(ctx context.Context, o *model.Order) {
	if n, ok := statusNotification(o); ok {
		s.notifier.Dispatch(ctx, n)
	}
}

// scheduleRefund 调度失败只记日志，取消本身已经生效。
func (s *Service) scheduleRefund(ctx context.Context, o *model.Order) {
	job := schedule.Job{
		Kind:    schedule.KindAutoRefund,
		OrderID: o.ID,
		RunAt:   s.now().Add(s.refundDelay),
	}
	if err := s.sched.Schedule(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("schedule auto refund failed",
			slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	s.logger.Info("auto refund scheduled",
		slog.String("order_id", o.ID), slog.Time("run_at", job.RunAt))
}

func authorizeStaff(actor model.Actor, o *model.Order) error {
	if !actor.IsStaff() {
		return apperr.Forbidden("only canteen staff can update orders")
	}
	if !actor.CanManageCanteen(o.CanteenID) {
		return apperr.Forbidden("not authorized to update this order")
	}
	return nil
}

func authorizeView(actor model.Actor, o *model.Order) error {
	switch actor.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleCanteen:
		if actor.CanManageCanteen(o.CanteenID) {
			return nil
		}
	default:
		if o.UserID == actor.UserID {
			return nil
		}
	}
	return apperr.Forbidden("not authorized to view this order")
}

func cancelActor(actor model.Actor, o *model.Order) (actorClass, model.CancelledBy, error) {
	switch actor.Role {
	case model.RoleAdmin:
		return actorStaff, model.CancelledByAdmin, nil
	case model.RoleCanteen:
		if !actor.CanManageCanteen(o.CanteenID) {
			return "", "", apperr.Forbidden("not authorized to cancel this order")
		}
		return actorStaff, model.CancelledByCanteen, nil
	default:
		if o.UserID != actor.UserID {
			return "", "", apperr.Forbidden("not authorized to cancel this order")
		}
		return actorStudent, model.CancelledByUser, nil
	}
}
