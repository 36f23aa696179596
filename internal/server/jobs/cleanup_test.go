package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kamikazebr/luna-auth/internal/logging"
	"github.com/stretchr/testify/assert"
)

type fakeSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeSweeper) SweepExpiredCodes(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestCodeCleanup_RunOnceUsesRetention(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewCodeCleanup(sweeper, time.Hour, 24*time.Hour, logging.Discard())
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	assert.Equal(t, int64(2), job.RunOnce(context.Background()))
	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, sweeper.cutoffs)
}

func TestCodeCleanup_ErrorsAreSwallowed(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	job := NewCodeCleanup(sweeper, time.Hour, time.Hour, logging.Discard())

	assert.Equal(t, int64(0), job.RunOnce(context.Background()))
}

func TestCodeCleanup_RunStopsWithContext(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewCodeCleanup(sweeper, 5*time.Millisecond, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.calls() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
