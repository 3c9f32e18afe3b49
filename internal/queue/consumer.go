package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"canteen_order/internal/model"
	"canteen_order/internal/store"

	"github.com/segmentio/kafka-go"
)

// Inbox 通知收件箱的落库接口。
type Inbox interface {
	SaveNotification(ctx context.Context, n *model.Notification) error
}

// Consumer 从 Kafka 读取通知事件并写入收件箱。
type Consumer struct {
	r      *kafka.Reader
	inbox  Inbox
	logger *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, inbox Inbox, logger *slog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		inbox:  inbox,
		logger: logger,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.handle(ctx, m.Value); err != nil {
			c.logger.Warn("consumer handle",
				slog.Int("partition", m.Partition), slog.Int64("offset", m.Offset), slog.Any("error", err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var msg NotificationMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	err := c.inbox.SaveNotification(ctx, msg.Record())
	// 幂等：重复投递直接当作成功
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}
