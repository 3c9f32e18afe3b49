package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"canteen_order/internal/notify"

	rd "github.com/redis/go-redis/v9"
)

// outboxMaxLen 流的近似上限，Relay 长时间不可用时丢弃最旧的事件。
const outboxMaxLen = 100000

// Outbox 把通知写入 Redis Stream，由 Relay 异步投递到 Kafka。
// 实现 notify.Notifier：写入流即视为发送成功。
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

func (o *Outbox) Send(ctx context.Context, n notify.Notification) error {
	msg := FromNotification(n)
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		MaxLen: outboxMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      msg.ID,
			"user_id": msg.UserID,
			"payload": string(b),
		},
	}).Err()
}
