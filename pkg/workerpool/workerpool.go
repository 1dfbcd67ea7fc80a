// Package workerpool is the C12 Worker Pool: a bounded FIFO of jobs
// drained by a fixed set of goroutines, shared by every fan-out path
// that would otherwise spawn one goroutine per unit of work (device
// tool invocations, external-agent delegations, LLM calls, push
// deliveries — spec.md §4.8).
//
// Grounded on pkg/task/manager.go's pushJobs/pushWorker shape (bounded
// channel, fixed worker count, close-then-Wait shutdown), generalized
// from "push delivery only" to any tagged unit of work, and on
// pkg/context/search.go's goroutine/panic-recovery idiom for running
// each job. Worker goroutines run under golang.org/x/sync/errgroup and
// always return nil; a job panic is recovered in run, logged and
// recorded as that job's error, so Close's error is always nil.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/devicebroker/pkg/logger"
)

// JobType labels a unit of work for metrics and logging. The four
// values below are the fan-out paths spec.md §4.8 names; callers may
// define additional ones without changing the pool itself.
type JobType string

const (
	JobDeviceToolInvoke    JobType = "device_tool_invoke"
	JobExternalAgentDelete JobType = "external_agent_delegate"
	JobLLMCall             JobType = "llm_call"
	JobPushDelivery        JobType = "push_delivery"
)

// DefaultQueueSize bounds how many submitted jobs may wait for a free
// worker before Submit starts blocking.
const DefaultQueueSize = 256

// DefaultSubmitGrace is how long Submit blocks on a full queue before
// giving up and returning ErrOverloaded.
const DefaultSubmitGrace = 2 * time.Second

// ErrOverloaded is returned by Submit when the queue stayed full for
// longer than the configured grace period.
var ErrOverloaded = errors.New("workerpool: overloaded")

// ErrClosed is returned by Submit once the pool has been closed.
var ErrClosed = errors.New("workerpool: closed")

// Metrics is the narrow slice of observability.Metrics the pool
// reports through; satisfied by *observability.Metrics (nil-receiver
// safe) and by a test double.
type Metrics interface {
	RecordWorkerJob(jobType string, duration time.Duration, err error)
	SetWorkerQueueDepth(depth int)
	RecordWorkerOverloaded(jobType string)
}

// noopMetrics is used when Config.Metrics is nil.
type noopMetrics struct{}

func (noopMetrics) RecordWorkerJob(string, time.Duration, error) {}
func (noopMetrics) SetWorkerQueueDepth(int)                      {}
func (noopMetrics) RecordWorkerOverloaded(string)                {}

// Job is one unit of work submitted to the pool. Run should honor
// ctx cancellation; the pool does not force-kill a running job.
type Job struct {
	Type JobType
	Run  func(ctx context.Context) error
}

// Config wires a Pool's dependencies and tuning knobs.
type Config struct {
	// Workers bounds concurrent job execution. Default is the host's
	// CPU count with a floor of 4, since a broker with few cores still
	// needs headroom for blocking device/agent round-trips.
	Workers int

	// QueueSize bounds how many submitted-but-not-yet-running jobs may
	// queue up. Default DefaultQueueSize.
	QueueSize int

	// SubmitGrace bounds how long Submit blocks against a full queue
	// before returning ErrOverloaded. Default DefaultSubmitGrace.
	SubmitGrace time.Duration

	Metrics Metrics
}

type queuedJob struct {
	job       Job
	ctx       context.Context
	submitted time.Time
}

// Pool implements C12.
type Pool struct {
	jobs    chan queuedJob
	metrics Metrics
	grace   time.Duration

	group   *errgroup.Group
	cancel  context.CancelFunc
	closeCh chan struct{}
}

// New constructs a Pool and starts its worker goroutines.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 4 {
			workers = 4
		}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	grace := cfg.SubmitGrace
	if grace <= 0 {
		grace = DefaultSubmitGrace
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	p := &Pool{
		jobs:    make(chan queuedJob, queueSize),
		metrics: metrics,
		grace:   grace,
		closeCh: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	group, groupCtx := errgroup.WithContext(ctx)
	p.group = group
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			p.worker(groupCtx)
			return nil
		})
	}

	go p.reportQueueDepth()

	return p
}

// Submit enqueues job, blocking until a slot opens, ctx is canceled,
// the pool is closed, or SubmitGrace elapses — whichever comes first.
// A grace-bounded block (rather than an immediate reject on a full
// queue) absorbs brief bursts without failing the caller outright.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case <-p.closeCh:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case p.jobs <- queuedJob{job: job, ctx: ctx, submitted: time.Now()}:
		return nil
	case <-p.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		p.metrics.RecordWorkerOverloaded(string(job.Type))
		return fmt.Errorf("%w: job type %q", ErrOverloaded, job.Type)
	}
}

// Close stops accepting new jobs and waits for in-flight jobs to
// finish. It does not cancel already-running jobs; a worker mid-run
// drains its current job before observing the shutdown signal. Jobs
// still queued when Close is called run before the workers exit.
func (p *Pool) Close() error {
	close(p.closeCh)
	p.cancel()
	return p.group.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case qj := <-p.jobs:
					p.run(qj)
				default:
					return
				}
			}
		case qj := <-p.jobs:
			p.run(qj)
		}
	}
}

func (p *Pool) run(qj queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error("workerpool: job panicked", "jobType", qj.job.Type, "panic", r)
			p.metrics.RecordWorkerJob(string(qj.job.Type), time.Since(qj.submitted), fmt.Errorf("panic: %v", r))
		}
	}()

	ctx := qj.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	err := qj.job.Run(ctx)
	p.metrics.RecordWorkerJob(string(qj.job.Type), time.Since(start), err)
	if err != nil {
		logger.GetLogger().Warn("workerpool: job failed", "jobType", qj.job.Type, "error", err)
	}
}

func (p *Pool) reportQueueDepth() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.metrics.SetWorkerQueueDepth(len(p.jobs))
		}
	}
}
