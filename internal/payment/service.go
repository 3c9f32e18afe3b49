// Package payment 模拟支付：发起、手动确认与网关回调。支付结果与订单状态一起推进。
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/model"
	"canteen_order/internal/notify"
	"canteen_order/internal/order"
	"canteen_order/internal/store"

	"github.com/google/uuid"
)

// webhookSuccess 网关回调里表示成功的状态值，其余一律视为失败。
const webhookSuccess = "TXN_SUCCESS"

// Orders 支付结果驱动的订单迁移。
type Orders interface {
	MarkPaid(ctx context.Context, id string) (*model.Order, error)
	MarkPaymentFailed(ctx context.Context, id string) (*model.Order, error)
}

type Service struct {
	store    store.Store
	orders   Orders
	notifier order.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(st store.Store, orders Orders, d order.Dispatcher, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		orders:   orders,
		notifier: d,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Initiation 发起支付后返回给客户端的跳转信息。
type Initiation struct {
	Payment    *model.Payment `json:"payment"`
	PaymentURL string         `json:"paymentUrl"`
	QRData     string         `json:"qrData"`
}

// Result 支付落定后的支付单与订单。
type Result struct {
	Payment *model.Payment `json:"payment"`
	Order   *model.Order   `json:"order,omitempty"`
}

// Initiate 只有订单所有者能为 CREATED 订单发起支付，同一订单同时最多一笔进行中/成功的支付。
func (s *Service) Initiate(ctx context.Context, actor model.Actor, orderID string) (*Initiation, error) {
	if orderID == "" {
		return nil, apperr.Validation("orderId is required")
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if o.UserID != actor.UserID {
		return nil, apperr.Forbidden("not authorized to pay for this order")
	}
	if o.Status != model.OrderCreated {
		return nil, apperr.InvalidState("order is not in a payable state (status %s)", o.Status)
	}

	p := &model.Payment{
		ID:             uuid.NewString(),
		OrderID:        o.ID,
		UserID:         actor.UserID,
		Provider:       model.ProviderMock,
		Amount:         o.TotalAmount,
		Status:         model.PaymentPending,
		PaymentDetails: model.Details{},
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("payment already initiated for this order")
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}

	qr, err := json.Marshal(map[string]string{
		"paymentId": p.ID,
		"orderId":   o.ID,
		"amount":    p.Amount.StringFixed(2),
	})
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}
	s.logger.Info("payment initiated",
		slog.String("payment_id", p.ID), slog.String("order_id", o.ID), slog.String("amount", p.Amount.String()))
	return &Initiation{
		Payment:    p,
		PaymentURL: fmt.Sprintf("mockpay://pay?amount=%s&orderId=%s&paymentId=%s", p.Amount.StringFixed(2), o.ID, p.ID),
		QRData:     string(qr),
	}, nil
}

// Confirm 模拟客户端确认支付成功。
func (s *Service) Confirm(ctx context.Context, actor model.Actor, paymentID string) (*Result, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment %s not found", paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	if p.UserID != actor.UserID {
		return nil, apperr.Forbidden("not authorized to confirm this payment")
	}
	if p.Status != model.PaymentPending {
		return nil, apperr.InvalidState("payment is not in pending state (status %s)", p.Status)
	}

	now := s.now()
	txID := fmt.Sprintf("TXN%d%s", now.UnixMilli(), strings.ToUpper(uuid.NewString()[:4]))
	details := model.Details{
		"mockConfirmation": model.Bool(true),
		"confirmedAt":      model.String(now.Format(time.RFC3339Nano)),
	}
	return s.settle(ctx, p, model.PaymentSuccess, txID, details)
}

// Webhook 处理网关回调，payload 原样（仅保留标量字段）记入支付详情。
func (s *Service) Webhook(ctx context.Context, payload map[string]any) (*Result, error) {
	orderID, _ := payload["orderId"].(string)
	if orderID == "" {
		return nil, apperr.Validation("orderId is required")
	}
	gatewayStatus, _ := payload["status"].(string)
	txID, _ := payload["transactionId"].(string)

	p, err := s.store.FindPayment(ctx, model.PaymentFilter{OrderID: orderID})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment for order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment of order %s: %w", orderID, err)
	}
	// 回调重投时支付已落定，直接拒绝
	if p.Status != model.PaymentPending {
		return nil, apperr.InvalidState("payment is not in pending state (status %s)", p.Status)
	}

	status := model.PaymentFailed
	if gatewayStatus == webhookSuccess {
		status = model.PaymentSuccess
	}
	return s.settle(ctx, p, status, txID, model.DetailsFromAny(payload))
}

// GetForOrder 订单最近一笔支付，所有者或管理员可见。
func (s *Service) GetForOrder(ctx context.Context, actor model.Actor, orderID string) (*model.Payment, error) {
	p, err := s.store.FindPayment(ctx, model.PaymentFilter{OrderID: orderID})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment for order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("find payment of order %s: %w", orderID, err)
	}
	if p.UserID != actor.UserID && actor.Role != model.RoleAdmin {
		return nil, apperr.Forbidden("not authorized to view this payment")
	}
	return p, nil
}

// settle 以 PENDING 为条件落定支付，再推进订单。
func (s *Service) settle(ctx context.Context, p *model.Payment, status model.PaymentStatus, txID string, details model.Details) (*Result, error) {
	updated, err := s.store.UpdatePaymentIfStatus(ctx, p.ID, model.PaymentPending, model.PaymentPatch{
		Status:         status,
		TransactionID:  txID,
		PaymentDetails: details,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, apperr.Conflict("payment %s was settled concurrently", p.ID)
	case errors.Is(err, store.ErrDuplicate):
		return nil, apperr.Conflict("transaction %s already recorded", txID)
	case err != nil:
		return nil, fmt.Errorf("settle payment %s: %w", p.ID, err)
	}
	s.logger.Info("payment settled",
		slog.String("payment_id", p.ID),
		slog.String("order_id", p.OrderID),
		slog.String("status", string(status)),
		slog.String("transaction_id", txID))

	if status != model.PaymentSuccess {
		o, err := s.orders.MarkPaymentFailed(ctx, p.OrderID)
		if err != nil {
			s.logger.Error("payment failed but order not updated",
				slog.String("payment_id", p.ID), slog.String("order_id", p.OrderID), slog.Any("error", err))
			return &Result{Payment: updated}, orderOutOfSync(p, err)
		}
		return &Result{Payment: updated, Order: o}, nil
	}

	o, err := s.orders.MarkPaid(ctx, p.OrderID)
	if err != nil {
		// 支付已成功但订单已不是 CREATED（例如学生在付款途中取消），需要人工对账
		s.logger.Error("payment succeeded but order not updated",
			slog.String("payment_id", p.ID), slog.String("order_id", p.OrderID), slog.Any("error", err))
		return &Result{Payment: updated}, orderOutOfSync(p, err)
	}
	s.fanOut(ctx, o, updated)
	return &Result{Payment: updated, Order: o}, nil
}

func orderOutOfSync(p *model.Payment, err error) error {
	if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrConflict) {
		return apperr.Conflict("payment %s recorded but order %s could not be updated: %v", p.ID, p.OrderID, err)
	}
	return err
}

// fanOut 通知该食堂全部员工与付款人，每个收件人独立发送。
func (s *Service) fanOut(ctx context.Context, o *model.Order, p *model.Payment) {
	ref := order.ShortID(o.ID)
	summary := ItemSummary(o.Items)
	amount := p.Amount.StringFixed(2)
	data := model.Details{
		"type":    model.String("PAYMENT_SUCCESS"),
		"orderId": model.String(o.ID),
		"amount":  model.String(amount),
	}

	var notes []notify.Notification
	staff, err := s.store.ListUsers(ctx, model.UserFilter{Role: model.RoleCanteen, CanteenID: o.CanteenID})
	if err != nil {
		s.logger.Warn("list canteen staff failed", slog.String("canteen_id", o.CanteenID), slog.Any("error", err))
	}
	for _, u := range staff {
		notes = append(notes, notify.Notification{
			UserID: u.ID,
			Token:  u.PushToken,
			Title:  "New order received",
			Body:   fmt.Sprintf("Order #%s: %s. Amount %s.", ref, summary, amount),
			Data:   data.Clone(),
		})
	}
	notes = append(notes, notify.Notification{
		UserID: p.UserID,
		Title:  "Payment successful",
		Body:   fmt.Sprintf("Paid %s for order #%s (%s).", amount, ref, summary),
		Data:   data.Clone(),
	})
	s.notifier.Dispatch(ctx, notes...)
}

// ItemSummary 形如 "2x Thali, 1x Biryani"。
func ItemSummary(items []model.OrderLine) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, it.Name))
	}
	return strings.Join(parts, ", ")
}
