package queue

import (
	"fmt"
	"time"

	"canteen_order/internal/model"
	"canteen_order/internal/notify"
)

// NotificationMessage 是 outbox 与 Kafka 之间传递的通知事件。
type NotificationMessage struct {
	ID     string        `json:"id"`
	UserID string        `json:"user_id"`
	Token  string        `json:"token,omitempty"`
	Title  string        `json:"title"`
	Body   string        `json:"body"`
	Data   model.Details `json:"data,omitempty"`
	SentAt time.Time     `json:"sent_at"`
}

func FromNotification(n notify.Notification) NotificationMessage {
	return NotificationMessage{
		ID:     n.ID,
		UserID: n.UserID,
		Token:  n.Token,
		Title:  n.Title,
		Body:   n.Body,
		Data:   n.Data,
		SentAt: n.SentAt,
	}
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m NotificationMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// Record 转成收件箱记录，以 ID 做幂等键。
func (m NotificationMessage) Record() *model.Notification {
	data := m.Data.Clone()
	if data == nil {
		data = model.Details{}
	}
	return &model.Notification{
		ID:        m.ID,
		CreatedAt: m.SentAt,
		UserID:    m.UserID,
		Title:     m.Title,
		Body:      m.Body,
		Data:      data,
	}
}
