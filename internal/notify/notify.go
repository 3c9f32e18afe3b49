// Package notify 尽力而为的推送通知：发送失败只记日志，不影响触发它的业务操作。
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"canteen_order/internal/model"

	"github.com/google/uuid"
)

// Notification 一条发给单个用户的通知。
type Notification struct {
	ID     string        `json:"id"`
	UserID string        `json:"user_id"`
	Token  string        `json:"token,omitempty"`
	Title  string        `json:"title"`
	Body   string        `json:"body"`
	Data   model.Details `json:"data,omitempty"`
	SentAt time.Time     `json:"sent_at"`
}

// Notifier 外部推送通道。
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// UserLookup 发送前补全推送 token。
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Dispatcher 为每个收件人启动独立的 goroutine 发送，互不阻塞、互不影响。
type Dispatcher struct {
	notifier Notifier
	users    UserLookup
	logger   *slog.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewDispatcher users 可为 nil，此时只发送调用方已填好 token 的通知。
func NewDispatcher(n Notifier, users UserLookup, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{notifier: n, users: users, logger: logger, timeout: timeout}
}

// Dispatch 立即返回；ctx 只用于携带值，请求结束后的取消不会中断发送。
func (d *Dispatcher) Dispatch(ctx context.Context, notes ...Notification) {
	base := context.WithoutCancel(ctx)
	for _, n := range notes {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.SentAt.IsZero() {
			n.SentAt = time.Now().UTC()
		}
		d.wg.Add(1)
		go func(n Notification) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if n.Token == "" && d.users != nil {
				// 查不到 token 仍然发送，站内信不依赖 token
				if u, err := d.users.GetUser(sendCtx, n.UserID); err == nil {
					n.Token = u.PushToken
				}
			}
			if err := d.notifier.Send(sendCtx, n); err != nil {
				d.logger.Warn("notification delivery failed",
					slog.String("notification_id", n.ID),
					slog.String("user_id", n.UserID),
					slog.String("title", n.Title),
					slog.Any("error", err))
			}
		}(n)
	}
}

// Wait 等待已派发的通知结束，用于优雅退出与测试。
func (d *Dispatcher) Wait() { d.wg.Wait() }

// LogNotifier 未接入消息通道时的兜底实现，只写日志。
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Send(_ context.Context, n Notification) error {
	l.Logger.Info("notification",
		slog.String("user_id", n.UserID),
		slog.String("title", n.Title),
		slog.String("body", n.Body))
	return nil
}
