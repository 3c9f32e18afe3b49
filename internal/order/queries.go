package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/model"

	"github.com/shopspring/decimal"
)

var knownStatuses = map[model.OrderStatus]bool{
	model.OrderCreated: true, model.OrderPaid: true, model.OrderAccepted: true,
	model.OrderPreparing: true, model.OrderReady: true, model.OrderCompleted: true,
	model.OrderCancelled: true, model.OrderFailed: true, model.OrderRefunded: true,
}

// ParseStatuses 解析逗号分隔的状态过滤参数，空串返回 nil。
func ParseStatuses(raw string) ([]model.OrderStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []model.OrderStatus
	for _, p := range strings.Split(raw, ",") {
		st := model.OrderStatus(strings.ToUpper(strings.TrimSpace(p)))
		if st == "" {
			continue
		}
		if !knownStatuses[st] {
			return nil, apperr.Validation("unknown order status %q", p)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, actor model.Actor, id string) (*model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeView(actor, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListMine 调用方自己的订单，按下单时间倒序。
func (s *Service) ListMine(ctx context.Context, actor model.Actor) ([]model.Order, error) {
	out, err := s.store.ListOrders(ctx, model.OrderFilter{UserID: actor.UserID})
	if err != nil {
		return nil, fmt.Errorf("list orders of user %s: %w", actor.UserID, err)
	}
	return out, nil
}

// ListForCanteen 食堂看板；不传状态时展示已支付到待取餐的订单。
func (s *Service) ListForCanteen(ctx context.Context, actor model.Actor, canteenID string, statuses []model.OrderStatus) ([]model.Order, error) {
	if !actor.CanManageCanteen(canteenID) {
		return nil, apperr.Forbidden("not authorized to view orders for this canteen")
	}
	if len(statuses) == 0 {
		statuses = model.BoardStatuses
	}
	out, err := s.store.ListOrders(ctx, model.OrderFilter{CanteenID: canteenID, Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("list orders of canteen %s: %w", canteenID, err)
	}
	return out, nil
}

func (s *Service) ListAll(ctx context.Context, actor model.Actor, statuses []model.OrderStatus) ([]model.Order, error) {
	if actor.Role != model.RoleAdmin {
		return nil, apperr.Forbidden("only admins can list all orders")
	}
	out, err := s.store.ListOrders(ctx, model.OrderFilter{Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("list all orders: %w", err)
	}
	return out, nil
}

type Earnings struct {
	Daily   decimal.Decimal `json:"daily"`
	Monthly decimal.Decimal `json:"monthly"`
}

type CompletedReport struct {
	Orders   []model.Order `json:"orders"`
	Count    int           `json:"count"`
	Earnings Earnings      `json:"earnings"`
}

// Completed 已完成订单与营业额。按完成时间（updatedAt）落在当天/当月 UTC 统计。
func (s *Service) Completed(ctx context.Context, actor model.Actor, canteenID string) (*CompletedReport, error) {
	if !actor.CanManageCanteen(canteenID) {
		return nil, apperr.Forbidden("not authorized to view orders for this canteen")
	}
	done := []model.OrderStatus{model.OrderCompleted}
	orders, err := s.store.ListOrders(ctx, model.OrderFilter{CanteenID: canteenID, Statuses: done})
	if err != nil {
		return nil, fmt.Errorf("list completed orders: %w", err)
	}

	now := s.now().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daily, err := s.store.SumOrderAmount(ctx, model.OrderFilter{
		CanteenID:    canteenID,
		Statuses:     done,
		UpdatedSince: startOfDay,
		UpdatedUntil: startOfDay.Add(24*time.Hour - time.Nanosecond),
	})
	if err != nil {
		return nil, fmt.Errorf("sum daily earnings: %w", err)
	}
	monthly, err := s.store.SumOrderAmount(ctx, model.OrderFilter{
		CanteenID:    canteenID,
		Statuses:     done,
		UpdatedSince: startOfMonth,
	})
	if err != nil {
		return nil, fmt.Errorf("sum monthly earnings: %w", err)
	}

	if orders == nil {
		orders = []model.Order{}
	}
	return &CompletedReport{
		Orders:   orders,
		Count:    len(orders),
		Earnings: Earnings{Daily: daily, Monthly: monthly},
	}, nil
}
