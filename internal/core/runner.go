package core

import (
	"context"
	"errors"

	"VaultLedger/internal/event"
)

// ErrRunnerStopped is returned for work submitted after Run has exited.
var ErrRunnerStopped = errors.New("core runner stopped")

type job struct {
	evt  event.Event
	fn   func(*DeterministicCore) error
	ctx  context.Context
	done chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// Runner owns a DeterministicCore and serializes every call into it on a
// single goroutine. Ingestion loops, the relayer and queries all go
// through Submit or Do; nothing touches the core directly once Run starts.
type Runner struct {
	core    *DeterministicCore
	jobs    chan job
	stopped chan struct{}
}

func NewRunner(c *DeterministicCore, queueSize int) *Runner {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Runner{
		core:    c,
		jobs:    make(chan job, queueSize),
		stopped: make(chan struct{}),
	}
}

// Run processes jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-r.jobs:
			if j.ctx.Err() != nil {
				j.done <- jobResult{err: j.ctx.Err()}
				continue
			}
			if j.fn != nil {
				j.done <- jobResult{err: j.fn(r.core)}
				continue
			}
			res, err := r.core.ProcessEvent(j.ctx, j.evt)
			j.done <- jobResult{res: res, err: err}
		}
	}
}

// Submit applies evt and waits for its result.
func (r *Runner) Submit(ctx context.Context, evt event.Event) (*Result, error) {
	out, err := r.enqueue(ctx, job{evt: evt})
	if err != nil {
		return nil, err
	}
	return out.res, out.err
}

// Do runs fn on the core goroutine. fn must not retain the core.
func (r *Runner) Do(ctx context.Context, fn func(*DeterministicCore) error) error {
	out, err := r.enqueue(ctx, job{fn: fn})
	if err != nil {
		return err
	}
	return out.err
}

func (r *Runner) enqueue(ctx context.Context, j job) (jobResult, error) {
	j.ctx = ctx
	j.done = make(chan jobResult, 1)
	select {
	case r.jobs <- j:
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	case <-r.stopped:
		return jobResult{}, ErrRunnerStopped
	}
	select {
	case out := <-j.done:
		return out, nil
	case <-ctx.Done():
		// The job may still run; its result is discarded.
		return jobResult{}, ctx.Err()
	case <-r.stopped:
		return jobResult{}, ErrRunnerStopped
	}
}
