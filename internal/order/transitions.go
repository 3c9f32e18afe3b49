package order

import (
	"strings"

	"canteen_order/internal/model"
)

// actorClass 状态表里的操作方类别。
type actorClass string

const (
	actorStaff   actorClass = "staff"   // 食堂员工或管理员
	actorStudent actorClass = "student" // 订单所有者
	actorSystem  actorClass = "system"  // 支付回调、定时任务
)

type transition struct {
	From  model.OrderStatus
	To    model.OrderStatus
	Actor actorClass
}

// transitions 订单状态机的完整定义，表外的迁移一律拒绝。
var transitions = []transition{
	{From: model.OrderCreated, To: model.OrderPaid, Actor: actorSystem},
	{From: model.OrderCreated, To: model.OrderFailed, Actor: actorSystem},

	{From: model.OrderPaid, To: model.OrderAccepted, Actor: actorStaff},
	{From: model.OrderAccepted, To: model.OrderPreparing, Actor: actorStaff},
	{From: model.OrderPreparing, To: model.OrderReady, Actor: actorStaff},
	{From: model.OrderReady, To: model.OrderCompleted, Actor: actorStaff},

	// 食堂/管理员：除终态外随时可取消
	{From: model.OrderCreated, To: model.OrderCancelled, Actor: actorStaff},
	{From: model.OrderPaid, To: model.OrderCancelled, Actor: actorStaff},
	{From: model.OrderAccepted, To: model.OrderCancelled, Actor: actorStaff},
	{From: model.OrderPreparing, To: model.OrderCancelled, Actor: actorStaff},
	{From: model.OrderReady, To: model.OrderCancelled, Actor: actorStaff},
	{From: model.OrderFailed, To: model.OrderCancelled, Actor: actorStaff},

	// 学生：开始制作前可取消
	{From: model.OrderCreated, To: model.OrderCancelled, Actor: actorStudent},
	{From: model.OrderPaid, To: model.OrderCancelled, Actor: actorStudent},
	{From: model.OrderAccepted, To: model.OrderCancelled, Actor: actorStudent},
	{From: model.OrderFailed, To: model.OrderCancelled, Actor: actorStudent},

	{From: model.OrderCancelled, To: model.OrderRefunded, Actor: actorSystem},
}

type transitionKey struct {
	From  model.OrderStatus
	To    model.OrderStatus
	Actor actorClass
}

var transitionSet = func() map[transitionKey]struct{} {
	m := make(map[transitionKey]struct{}, len(transitions))
	for _, t := range transitions {
		m[transitionKey{t.From, t.To, t.Actor}] = struct{}{}
	}
	return m
}()

func canTransition(from, to model.OrderStatus, actor actorClass) bool {
	_, ok := transitionSet[transitionKey{from, to, actor}]
	return ok
}

// NextStatuses 任意操作方可从 status 到达的状态，按表中顺序去重。
func NextStatuses(status model.OrderStatus) []model.OrderStatus {
	var out []model.OrderStatus
	seen := make(map[model.OrderStatus]bool)
	for _, t := range transitions {
		if t.From == status && !seen[t.To] {
			out = append(out, t.To)
			seen[t.To] = true
		}
	}
	return out
}

// preconditionFor 迁移被拒时返回给调用方的前置条件说明。
func preconditionFor(to model.OrderStatus, actor actorClass, current model.OrderStatus) string {
	switch to {
	case model.OrderPaid, model.OrderFailed:
		return "order is not awaiting payment (status " + string(current) + ")"
	case model.OrderAccepted:
		return "only PAID orders can be accepted"
	case model.OrderPreparing:
		return "only ACCEPTED orders can be marked as preparing"
	case model.OrderReady:
		return "only PREPARING orders can be marked as ready"
	case model.OrderCompleted:
		return "only READY orders can be completed"
	case model.OrderCancelled:
		return "cannot cancel order at this stage (status " + string(current) + "); allowed from " + joinStatuses(cancellableFrom(actor))
	case model.OrderRefunded:
		return "only CANCELLED orders can be refunded"
	default:
		return "transition to " + string(to) + " is not allowed"
	}
}

func cancellableFrom(actor actorClass) []model.OrderStatus {
	var out []model.OrderStatus
	for _, t := range transitions {
		if t.To == model.OrderCancelled && t.Actor == actor {
			out = append(out, t.From)
		}
	}
	return out
}

func joinStatuses(list []model.OrderStatus) string {
	parts := make([]string, len(list))
	for i, s := range list {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
