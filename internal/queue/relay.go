package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Publisher Relay 的下游，生产环境是 Kafka Producer。
type Publisher interface {
	Publish(ctx context.Context, msg NotificationMessage) error
}

// Relay 将 outbox 流中的通知转发到 Kafka。
// 语义：发布成功后才 ACK，失败则保留消息等待重试。
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	logger    *slog.Logger

	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewRelay(rdb *rd.Client, publisher Publisher, logger *slog.Logger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		logger:    logger,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     2 * time.Second,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.logger.Error("relay ensure group", slog.String("stream", r.stream), slog.Any("error", err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.step(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Warn("relay step", slog.Any("error", err))
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// step 先处理本消费者历史 pending，没有时再读新消息。返回成功转发（含丢弃）的条数。
func (r *Relay) step(ctx context.Context) (int, error) {
	msgs, err := r.readGroup(ctx, "0", -1)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", r.block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	done := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 不 ACK，下一轮从 pending 重试
			return done, fmt.Errorf("process message id=%s: %w", xm.ID, err)
		}
		done++
	}
	return done, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// readGroup block < 0 表示不阻塞。
func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseNotificationEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.logger.Warn("relay drop malformed event", slog.String("id", xm.ID), slog.Any("error", err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseNotificationEvent(values map[string]interface{}) (NotificationMessage, error) {
	payload, err := getStreamString(values, "payload")
	if err != nil {
		return NotificationMessage{}, err
	}
	var msg NotificationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return NotificationMessage{}, fmt.Errorf("invalid payload: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return NotificationMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
