package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	mu          sync.Mutex
	jobs        []string
	overloaded  []string
	queueDepths []int
}

func (m *fakeMetrics) RecordWorkerJob(jobType string, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, jobType)
}

func (m *fakeMetrics) SetWorkerQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepths = append(m.queueDepths, depth)
}

func (m *fakeMetrics) RecordWorkerOverloaded(jobType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overloaded = append(m.overloaded, jobType)
}

func (m *fakeMetrics) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func TestPool_RunsSubmittedJobs(t *testing.T) {
	metrics := &fakeMetrics{}
	p := New(Config{Workers: 2, Metrics: metrics})
	defer p.Close()

	var ran int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), Job{
			Type: JobDeviceToolInvoke,
			Run: func(ctx context.Context) error {
				defer wg.Done()
				atomic.AddInt32(&ran, 1)
				return nil
			},
		})
		require.NoError(t, err)
	}

	wg.Wait()
	require.EqualValues(t, 10, atomic.LoadInt32(&ran))
	require.Equal(t, 10, metrics.jobCount())
}

func TestPool_JobErrorIsRecordedNotFatal(t *testing.T) {
	metrics := &fakeMetrics{}
	p := New(Config{Workers: 1, Metrics: metrics})
	defer p.Close()

	done := make(chan struct{})
	err := p.Submit(context.Background(), Job{
		Type: JobLLMCall,
		Run: func(ctx context.Context) error {
			close(done)
			return errors.New("boom")
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	require.Eventually(t, func() bool { return metrics.jobCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestPool_JobPanicIsRecoveredAndRecorded(t *testing.T) {
	metrics := &fakeMetrics{}
	p := New(Config{Workers: 1, Metrics: metrics})
	defer p.Close()

	err := p.Submit(context.Background(), Job{
		Type: JobPushDelivery,
		Run: func(ctx context.Context) error {
			panic("job exploded")
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return metrics.jobCount() == 1 }, time.Second, 10*time.Millisecond)

	// pool must still accept work after a worker recovers from a panic
	ran := make(chan struct{})
	err = p.Submit(context.Background(), Job{
		Type: JobPushDelivery,
		Run: func(ctx context.Context) error {
			close(ran)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pool stopped processing jobs after a panic")
	}
}

func TestPool_SubmitReturnsOverloadedWhenQueueStaysFull(t *testing.T) {
	metrics := &fakeMetrics{}
	block := make(chan struct{})
	p := New(Config{Workers: 1, QueueSize: 1, SubmitGrace: 50 * time.Millisecond, Metrics: metrics})
	defer func() {
		close(block)
		p.Close()
	}()

	// occupy the single worker
	require.NoError(t, p.Submit(context.Background(), Job{
		Type: JobExternalAgentDelete,
		Run: func(ctx context.Context) error {
			<-block
			return nil
		},
	}))

	// fill the one-slot queue
	require.NoError(t, p.Submit(context.Background(), Job{
		Type: JobExternalAgentDelete,
		Run:  func(ctx context.Context) error { <-block; return nil },
	}))

	err := p.Submit(context.Background(), Job{
		Type: JobExternalAgentDelete,
		Run:  func(ctx context.Context) error { return nil },
	})
	require.ErrorIs(t, err, ErrOverloaded)
	require.Len(t, metrics.overloaded, 1)
}

func TestPool_SubmitRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{Workers: 1, QueueSize: 1, SubmitGrace: time.Minute})
	defer func() {
		close(block)
		p.Close()
	}()

	require.NoError(t, p.Submit(context.Background(), Job{
		Type: JobLLMCall,
		Run:  func(ctx context.Context) error { <-block; return nil },
	}))
	require.NoError(t, p.Submit(context.Background(), Job{
		Type: JobLLMCall,
		Run:  func(ctx context.Context) error { <-block; return nil },
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Submit(ctx, Job{Type: JobLLMCall, Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_CloseWaitsForInFlightJobs(t *testing.T) {
	p := New(Config{Workers: 2})

	var finished int32
	require.NoError(t, p.Submit(context.Background(), Job{
		Type: JobDeviceToolInvoke,
		Run: func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&finished, 1)
			return nil
		},
	}))

	require.NoError(t, p.Close())
	require.EqualValues(t, 1, atomic.LoadInt32(&finished))
}

func TestPool_SubmitAfterCloseIsRejected(t *testing.T) {
	p := New(Config{Workers: 1})
	require.NoError(t, p.Close())

	err := p.Submit(context.Background(), Job{Type: JobDeviceToolInvoke, Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
}
