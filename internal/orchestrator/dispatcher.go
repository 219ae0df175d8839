package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dispatcher runs jobs in the background on a server-lifetime context, so a
// client going away does not stop a job. Shutdown cancels them cooperatively.
type Dispatcher struct {
	orch   *Orchestrator
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	// mu orders wg.Add against Shutdown's Wait.
	mu     sync.Mutex
	closed bool
}

func NewDispatcher(parent context.Context, orch *Orchestrator) *Dispatcher {
	ctx, cancel := context.WithCancelCause(parent)
	return &Dispatcher{orch: orch, ctx: ctx, cancel: cancel}
}

// Dispatch claims the file synchronously, so the caller learns about a
// missing or non-processable file right away, then runs the job in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, req ProcessRequest) error {
	if !d.start() {
		return ErrShuttingDown
	}
	job, err := d.orch.Claim(ctx, req)
	if err != nil {
		d.wg.Done()
		return err
	}

	go func() {
		defer d.wg.Done()
		d.finish(d.orch.Run(d.ctx, job))
	}()
	return nil
}

// DispatchBatch claims each file and runs the claimed ones in the background
// as one batch. It returns the claim error per request, nil for dispatched ones.
func (d *Dispatcher) DispatchBatch(ctx context.Context, reqs []ProcessRequest) []error {
	errs := make([]error, len(reqs))
	if !d.start() {
		for i := range errs {
			errs[i] = ErrShuttingDown
		}
		return errs
	}

	var jobs []*Job
	for i, req := range reqs {
		job, err := d.orch.Claim(ctx, req)
		if err != nil {
			errs[i] = err
			continue
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		d.wg.Done()
		return errs
	}

	go func() {
		defer d.wg.Done()
		for _, item := range d.orch.runJobs(d.ctx, jobs) {
			d.finish(item.Result, item.Err)
		}
	}()
	return errs
}

// Reconcile resumes stale files in the background, once right away and then
// every interval until shutdown. A non-positive interval runs it once.
func (d *Dispatcher) Reconcile(every time.Duration) {
	if !d.start() {
		return
	}
	go func() {
		defer d.wg.Done()
		for {
			d.reconcileOnce()
			if every <= 0 {
				return
			}
			select {
			case <-d.ctx.Done():
				return
			case <-d.orch.deps.Clock.After(every):
			}
		}
	}()
}

func (d *Dispatcher) reconcileOnce() {
	items, err := d.orch.Reconcile(d.ctx)
	if err != nil {
		log.WithError(err).Error("reconcile failed")
		return
	}
	for _, item := range items {
		d.finish(item.Result, item.Err)
	}
}

// start registers one background run. It reports false once Shutdown began.
func (d *Dispatcher) start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// Shutdown cancels running jobs and waits for them until ctx expires.
// Dispatch calls made after it started return ErrShuttingDown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched job has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) finish(result *CompletionResult, err error) {
	if err == nil {
		log.WithFields(log.Fields{
			"file_id": result.FileID,
			"fetched": len(result.Fetched),
			"partial": result.Partial(),
		}).Debug("background job finished")
		return
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		log.WithError(err).Error("background job did not start")
	}
}
