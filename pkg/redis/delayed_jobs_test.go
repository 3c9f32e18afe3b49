package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *rd.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestClaimDueJobs_OnlyDueAndOnce(t *testing.T) {
	ctx := context.Background()
	rdb := newTestClient(t)
	now := time.Now().UTC()

	require.NoError(t, PutDelayedJob(ctx, rdb, DelayedJob{ID: "due", Kind: "AUTO_REFUND", OrderID: "o1", RunAt: now.Add(-time.Second)}, time.Hour))
	require.NoError(t, PutDelayedJob(ctx, rdb, DelayedJob{ID: "later", Kind: "AUTO_REFUND", OrderID: "o2", RunAt: now.Add(time.Minute)}, time.Hour))

	ids, err := ClaimDueJobs(ctx, rdb, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, ids)

	again, err := ClaimDueJobs(ctx, rdb, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	pending, err := PendingJobs(ctx, rdb)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	job, found, err := GetDelayedJob(ctx, rdb, "due")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "o1", job.OrderID)
	assert.Equal(t, "AUTO_REFUND", job.Kind)
	assert.Equal(t, now.Add(-time.Second).UnixMilli(), job.RunAt.UnixMilli())

	require.NoError(t, DeleteDelayedJob(ctx, rdb, "due"))
	_, found, err = GetDelayedJob(ctx, rdb, "due")
	require.NoError(t, err)
	assert.False(t, found)
}
