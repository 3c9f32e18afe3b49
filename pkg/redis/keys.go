package redis

import "fmt"

// RateLimitUserKey 已登录用户的限流窗口。
func RateLimitUserKey(userID string) string {
	return fmt.Sprintf("canteen:rate_limit:user:%s", userID)
}

// RateLimitIPKey 未识别身份时按来源 IP 限流。
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("canteen:rate_limit:ip:%s", ip)
}

// DelayedJobsKey 延迟任务的到期索引（ZSET，score 为触发时间毫秒）。
func DelayedJobsKey() string {
	return "canteen:jobs:due"
}

// DelayedJobKey 单个延迟任务的内容。
func DelayedJobKey(jobID string) string {
	return fmt.Sprintf("canteen:jobs:job:%s", jobID)
}
