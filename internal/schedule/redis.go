package schedule

import (
	"context"
	"log/slog"
	"time"

	pkgredis "canteen_order/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	claimBatch          = 50
	// 任务内容的兜底过期时间，远大于任何延迟。
	jobTTL = 7 * 24 * time.Hour
)

// Redis 基于 ZSET 的持久化调度，进程重启后到期任务仍会执行；多实例并发轮询时每个任务只执行一次。
type Redis struct {
	*registry

	rdb  *rd.Client
	poll time.Duration
	now  func() time.Time
}

func NewRedis(rdb *rd.Client, logger *slog.Logger, poll time.Duration) *Redis {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Redis{
		registry: newRegistry(logger),
		rdb:      rdb,
		poll:     poll,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Redis) Schedule(ctx context.Context, job Job) error {
	job, err := normalize(job)
	if err != nil {
		return err
	}
	return pkgredis.PutDelayedJob(ctx, r.rdb, pkgredis.DelayedJob{
		ID:      job.ID,
		Kind:    string(job.Kind),
		OrderID: job.OrderID,
		RunAt:   job.RunAt,
	}, jobTTL)
}

// Run 阻塞轮询直到 ctx 取消。
func (r *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("delayed job poll failed", slog.Any("error", err))
			}
		}
	}
}

// Poll 执行一轮领取，返回本轮执行的任务数。
func (r *Redis) Poll(ctx context.Context) (int, error) {
	ids, err := pkgredis.ClaimDueJobs(ctx, r.rdb, r.now(), claimBatch)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, id := range ids {
		stored, found, err := pkgredis.GetDelayedJob(ctx, r.rdb, id)
		if err != nil {
			r.logger.Error("load delayed job failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		if !found {
			r.logger.Warn("delayed job content missing", slog.String("job_id", id))
			continue
		}
		r.run(ctx, Job{ID: stored.ID, Kind: Kind(stored.Kind), OrderID: stored.OrderID, RunAt: stored.RunAt})
		ran++
		if err := pkgredis.DeleteDelayedJob(ctx, r.rdb, id); err != nil {
			r.logger.Warn("delete delayed job failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	return ran, nil
}
