package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrStopped = errors.New("schedule: scheduler stopped")

// Timer 进程内调度，进程重启后未触发的任务丢失。
type Timer struct {
	*registry

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewTimer(logger *slog.Logger) *Timer {
	return &Timer{registry: newRegistry(logger), pending: make(map[string]*time.Timer)}
}

func (t *Timer) Schedule(_ context.Context, job Job) error {
	job, err := normalize(job)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	t.wg.Add(1)
	t.pending[job.ID] = time.AfterFunc(time.Until(job.RunAt), func() {
		defer t.wg.Done()
		t.mu.Lock()
		delete(t.pending, job.ID)
		t.mu.Unlock()
		t.run(context.Background(), job)
	})
	return nil
}

// Pending 尚未触发的任务数。
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop 取消所有未触发的任务，并等待正在执行的任务结束。
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for id, tm := range t.pending {
		if tm.Stop() {
			t.wg.Done()
		}
		delete(t.pending, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
