package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaClaimDueJobs 取出到期任务并从索引中移除，保证多个实例并发轮询时同一任务只被领取一次。
const luaClaimDueJobs = `
local key = KEYS[1]
local now = ARGV[1]
local limit = tonumber(ARGV[2])
local ids = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(ids) do
  redis.call('ZREM', key, id)
end
return ids
`

// DelayedJob 对应 Redis 内的任务结构。
type DelayedJob struct {
	ID      string
	Kind    string
	OrderID string
	RunAt   time.Time
}

// PutDelayedJob 写入任务内容并加入到期索引。ttl 用于兜底清理从未被领取的任务内容。
func PutDelayedJob(ctx context.Context, rdb *rd.Client, job DelayedJob, ttl time.Duration) error {
	key := DelayedJobKey(job.ID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"id", job.ID,
		"kind", job.Kind,
		"order_id", job.OrderID,
		"run_at", job.RunAt.UnixMilli(),
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	pipe.ZAdd(ctx, DelayedJobsKey(), rd.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// ClaimDueJobs 原子领取 now 之前到期的任务 ID，最多 limit 个。
func ClaimDueJobs(ctx context.Context, rdb *rd.Client, now time.Time, limit int) ([]string, error) {
	return rdb.Eval(ctx, luaClaimDueJobs, []string{DelayedJobsKey()}, now.UnixMilli(), limit).StringSlice()
}

// GetDelayedJob found=false 表示任务内容已不存在（过期或已删除）。
func GetDelayedJob(ctx context.Context, rdb *rd.Client, jobID string) (DelayedJob, bool, error) {
	m, err := rdb.HGetAll(ctx, DelayedJobKey(jobID)).Result()
	if err != nil {
		return DelayedJob{}, false, err
	}
	if len(m) == 0 {
		return DelayedJob{}, false, nil
	}
	out := DelayedJob{
		ID:      jobID,
		Kind:    m["kind"],
		OrderID: m["order_id"],
	}
	if ms, err := strconv.ParseInt(m["run_at"], 10, 64); err == nil {
		out.RunAt = time.UnixMilli(ms).UTC()
	}
	return out, true, nil
}

// DeleteDelayedJob 任务执行完毕后删除内容。
func DeleteDelayedJob(ctx context.Context, rdb *rd.Client, jobID string) error {
	return rdb.Del(ctx, DelayedJobKey(jobID)).Err()
}

// PendingJobs 索引中尚未领取的任务数。
func PendingJobs(ctx context.Context, rdb *rd.Client) (int64, error) {
	return rdb.ZCard(ctx, DelayedJobsKey()).Result()
}
