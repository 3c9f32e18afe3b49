package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recorder) handle(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recorder) orderIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.OrderID)
	}
	return out
}

func TestTimer_FiresAfterDelay(t *testing.T) {
	s := NewTimer(testLogger())
	rec := &recorder{}
	s.Register(KindAutoRefund, rec.handle)

	require.NoError(t, s.Schedule(context.Background(), Job{Kind: KindAutoRefund, OrderID: "o1", RunAt: time.Now().Add(20 * time.Millisecond)}))
	assert.Empty(t, rec.orderIDs())

	require.Eventually(t, func() bool { return len(rec.orderIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"o1"}, rec.orderIDs())
	assert.Equal(t, 0, s.Pending())
	s.Stop()
}

func TestTimer_StopCancelsPending(t *testing.T) {
	s := NewTimer(testLogger())
	rec := &recorder{}
	s.Register(KindAutoRefund, rec.handle)

	require.NoError(t, s.Schedule(context.Background(), Job{Kind: KindAutoRefund, OrderID: "o1", RunAt: time.Now().Add(time.Hour)}))
	assert.Equal(t, 1, s.Pending())
	s.Stop()

	assert.Equal(t, 0, s.Pending())
	assert.ErrorIs(t, s.Schedule(context.Background(), Job{Kind: KindAutoRefund, OrderID: "o2"}), ErrStopped)
	assert.Empty(t, rec.orderIDs())
}

func TestSchedule_RejectsEmptyKind(t *testing.T) {
	s := NewTimer(testLogger())
	defer s.Stop()
	assert.Error(t, s.Schedule(context.Background(), Job{OrderID: "o1"}))
}

func newRedisScheduler(t *testing.T) (*Redis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewRedis(rdb, testLogger(), 10*time.Millisecond)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestRedis_PollRunsOnlyDueJobs(t *testing.T) {
	ctx := context.Background()
	s, clock := newRedisScheduler(t)
	rec := &recorder{}
	s.Register(KindAutoRefund, rec.handle)

	require.NoError(t, s.Schedule(ctx, Job{Kind: KindAutoRefund, OrderID: "o1", RunAt: clock.Add(30 * time.Second)}))
	require.NoError(t, s.Schedule(ctx, Job{Kind: KindAutoRefund, OrderID: "o2", RunAt: clock.Add(90 * time.Second)}))

	n, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*clock = clock.Add(31 * time.Second)
	n, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"o1"}, rec.orderIDs())

	// 已执行的任务不会再次领取
	n, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*clock = clock.Add(time.Minute)
	_, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, rec.orderIDs())
}

func TestRedis_HandlerErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	s, clock := newRedisScheduler(t)
	var calls atomic.Int32
	s.Register(KindAutoRefund, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, s.Schedule(ctx, Job{Kind: KindAutoRefund, OrderID: "o1", RunAt: *clock}))
	_, err := s.Poll(ctx)
	require.NoError(t, err)
	_, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRedis_RunStopsOnCancel(t *testing.T) {
	s, clock := newRedisScheduler(t)
	rec := &recorder{}
	s.Register(KindAutoRefund, rec.handle)
	require.NoError(t, s.Schedule(context.Background(), Job{Kind: KindAutoRefund, OrderID: "o1", RunAt: *clock}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.orderIDs()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
