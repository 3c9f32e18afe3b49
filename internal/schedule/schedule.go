// Package schedule 延迟任务调度。目前只有“取消后自动退款”一种任务。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const KindAutoRefund Kind = "AUTO_REFUND"

type Job struct {
	ID      string
	Kind    Kind
	OrderID string
	RunAt   time.Time
}

// Handler 执行一个到期任务。返回的错误只记录，不重试。
type Handler func(ctx context.Context, job Job) error

// Scheduler 由业务侧调用的提交接口。
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}

// registry 两种调度实现共用的 handler 表。
type registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	logger   *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{handlers: make(map[Kind]Handler), logger: logger}
}

// Register 注册某类任务的处理函数，同类重复注册以最后一次为准。
func (r *registry) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *registry) run(ctx context.Context, job Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error("no handler for delayed job",
			slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))
		return
	}
	if err := h(ctx, job); err != nil {
		r.logger.Error("delayed job failed",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.String("order_id", job.OrderID),
			slog.Any("error", err))
		return
	}
	r.logger.Debug("delayed job done",
		slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.String("order_id", job.OrderID))
}

func normalize(job Job) (Job, error) {
	if job.Kind == "" {
		return job, fmt.Errorf("schedule: job kind is empty")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().UTC()
	}
	return job, nil
}
