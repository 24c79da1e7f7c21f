package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPool_ProcessesAllJobs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	proc := ProcessorFunc(func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen[job.ScanID] = true
		mu.Unlock()
		wg.Done()
		return nil
	})

	pool := NewPool(3, 10, proc, quietLogger())
	pool.Start(context.Background())

	ids := []string{"a", "b", "c", "d", "e"}
	wg.Add(len(ids))
	for _, id := range ids {
		require.NoError(t, pool.Submit(&Job{ScanID: id, Path: id + ".crx"}))
	}
	wg.Wait()
	pool.Stop()

	assert.Len(t, seen, len(ids))
}

func TestPool_SubmitAndWait(t *testing.T) {
	boom := errors.New("analysis failed")
	proc := ProcessorFunc(func(ctx context.Context, job *Job) error {
		if job.ScanID == "bad" {
			return boom
		}
		return nil
	})

	pool := NewPool(1, 1, proc, quietLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	assert.NoError(t, pool.SubmitAndWait(context.Background(), &Job{ScanID: "good"}))
	assert.ErrorIs(t, pool.SubmitAndWait(context.Background(), &Job{ScanID: "bad"}), boom)
}

func TestPool_PanicIsRecovered(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, job *Job) error {
		if job.ScanID == "panic" {
			panic("nil manifest")
		}
		return nil
	})

	pool := NewPool(1, 1, proc, quietLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	err := pool.SubmitAndWait(context.Background(), &Job{ScanID: "panic"})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nil manifest", pe.Value)

	// worker 仍然可用
	assert.NoError(t, pool.SubmitAndWait(context.Background(), &Job{ScanID: "next"}))
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	proc := ProcessorFunc(func(ctx context.Context, job *Job) error {
		started <- struct{}{}
		<-release
		return nil
	})

	pool := NewPool(1, 1, proc, quietLogger())
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(&Job{ScanID: "1"}))
	<-started
	require.NoError(t, pool.Submit(&Job{ScanID: "2"}))
	assert.Equal(t, 1, pool.QueueSize())
	assert.ErrorIs(t, pool.Submit(&Job{ScanID: "3"}), ErrQueueFull)

	close(release)
	pool.Stop()
}

func TestPool_StopRejectsAndIsIdempotent(t *testing.T) {
	var count int32
	proc := ProcessorFunc(func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	pool := NewPool(2, 4, proc, quietLogger())
	pool.Start(context.Background())
	require.NoError(t, pool.Submit(&Job{ScanID: "queued"}))

	pool.Stop()
	pool.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "queued job drained before stop")
	assert.ErrorIs(t, pool.Submit(&Job{ScanID: "late"}), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitAndWait(context.Background(), &Job{ScanID: "late"}), ErrPoolStopped)
}

func TestPool_SubmitAndWaitContext(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, job *Job) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	pool := NewPool(1, 1, proc, quietLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Job{ScanID: "slow"}), context.DeadlineExceeded)
}
