package order

import (
	"fmt"
	"strings"

	"canteen_order/internal/model"
	"canteen_order/internal/notify"
)

const shortIDLen = 6

// ShortID 通知与取餐屏上展示的订单号后缀。
func ShortID(id string) string {
	if len(id) <= shortIDLen {
		return strings.ToUpper(id)
	}
	return strings.ToUpper(id[len(id)-shortIDLen:])
}

// statusNotification 返回 ok=false 表示该状态不通知订单所有者（PAID/FAILED 由支付流程负责）。
func statusNotification(o *model.Order) (notify.Notification, bool) {
	ref := ShortID(o.ID)
	var title, body string
	switch o.Status {
	case model.OrderAccepted:
		title = "Order accepted"
		body = fmt.Sprintf("Your order #%s has been accepted by the canteen.", ref)
	case model.OrderPreparing:
		title = "Order is being prepared"
		body = fmt.Sprintf("The canteen has started preparing order #%s.", ref)
	case model.OrderReady:
		title = "Order ready for pickup"
		body = fmt.Sprintf("Order #%s is ready. Show pickup code %s at the counter.", ref, deref(o.PickupCode))
	case model.OrderCompleted:
		title = "Order completed"
		body = fmt.Sprintf("Order #%s has been picked up. Enjoy your meal!", ref)
	case model.OrderCancelled:
		title = "Order cancelled"
		body = fmt.Sprintf("Order #%s has been cancelled.", ref)
		if o.CancelledBy == model.CancelledByCanteen {
			body += " A refund will be processed shortly."
		}
	case model.OrderRefunded:
		title = "Refund processed"
		body = fmt.Sprintf("%s for order #%s has been refunded.", o.TotalAmount.StringFixed(2), ref)
	default:
		return notify.Notification{}, false
	}
	return notify.Notification{
		UserID: o.UserID,
		Title:  title,
		Body:   body,
		Data: model.Details{
			"type":    model.String("ORDER_STATUS"),
			"orderId": model.String(o.ID),
			"status":  model.String(string(o.Status)),
		},
	}, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
