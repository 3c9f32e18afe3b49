// Package demand 根据食堂在制订单估算排队深度、等待时间与繁忙程度。纯函数，无 IO。
package demand

import (
	"time"

	"canteen_order/internal/model"
)

type Level string

const (
	LevelClosed Level = "CLOSED"
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

const (
	// MinutesPerUnit 每个排队单位的预估出餐分钟数。
	MinutesPerUnit = 3
	// RecentWindow 繁忙度统计窗口。
	RecentWindow = 30 * time.Minute

	highThreshold   = 15
	mediumThreshold = 8
)

// Snapshot 某食堂当前的排队情况。
type Snapshot struct {
	QueuedOrders      int   `json:"queuedOrders"`
	WeightedUnits     int   `json:"weightedQueueUnits"`
	EstimatedWaitTime int   `json:"estimatedWaitTime"`
	RecentOrders      int   `json:"recentOrders"`
	DemandLevel       Level `json:"demandLevel"`
}

// Hint 下单时同步返回给学生的排队提示。
type Hint struct {
	QueuePosition        int   `json:"queuePosition"`
	EstimatedWaitMinutes int   `json:"estimatedWaitMinutes"`
	DemandHint           Level `json:"demandHint"`
}

// Weight 大单按两个单位计。
func Weight(isBulk bool) int {
	if isBulk {
		return 2
	}
	return 1
}

// LevelFor 所有视图统一按近 30 分钟下单数判定繁忙度。
func LevelFor(recentOrders int) Level {
	switch {
	case recentOrders >= highThreshold:
		return LevelHigh
	case recentOrders >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Estimate active 为 PAID/ACCEPTED/PREPARING 状态的订单，recentOrders 为窗口内下单数。
func Estimate(isOpen bool, active []model.Order, recentOrders int) Snapshot {
	if !isOpen {
		return Snapshot{DemandLevel: LevelClosed}
	}
	units := 0
	for i := range active {
		units += Weight(active[i].IsBulkOrder)
	}
	return Snapshot{
		QueuedOrders:      len(active),
		WeightedUnits:     units,
		EstimatedWaitTime: units * MinutesPerUnit,
		RecentOrders:      recentOrders,
		DemandLevel:       LevelFor(recentOrders),
	}
}

// HintFor 把新订单的权重叠加到当前快照上，新单排在队尾。
func HintFor(s Snapshot, newOrderBulk bool) Hint {
	return Hint{
		QueuePosition:        s.QueuedOrders + 1,
		EstimatedWaitMinutes: (s.WeightedUnits + Weight(newOrderBulk)) * MinutesPerUnit,
		DemandHint:           s.DemandLevel,
	}
}
