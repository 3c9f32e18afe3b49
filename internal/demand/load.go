package demand

import (
	"context"
	"fmt"
	"time"

	"canteen_order/internal/model"
)

// Source 读取排队数据所需的最小存储能力。
type Source interface {
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	CountOrders(ctx context.Context, f model.OrderFilter) (int64, error)
}

// Load 读取食堂当前在制订单与近 30 分钟下单数并估算；只读，不加锁，结果为近似快照。
func Load(ctx context.Context, src Source, c *model.Canteen, now time.Time) (Snapshot, error) {
	if !c.IsOpen {
		return Estimate(false, nil, 0), nil
	}
	active, err := src.ListOrders(ctx, model.OrderFilter{CanteenID: c.ID, Statuses: model.ActiveStatuses})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list active orders: %w", err)
	}
	recent, err := src.CountOrders(ctx, model.OrderFilter{CanteenID: c.ID, CreatedSince: now.Add(-RecentWindow)})
	if err != nil {
		return Snapshot{}, fmt.Errorf("count recent orders: %w", err)
	}
	return Estimate(true, active, int(recent)), nil
}
