package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome of one file in a batch.
type BatchItem struct {
	FileID int64
	Result *CompletionResult
	Err    error
}

// ProcessBatch drives every request concurrently, a few at a time, and
// returns once all of them are terminal. Items keep the request order.
// One file failing does not affect the others.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []ProcessRequest) []BatchItem {
	return o.each(len(reqs), func(i int) BatchItem {
		result, err := o.Process(ctx, reqs[i])
		return BatchItem{FileID: reqs[i].FileID, Result: result, Err: err}
	})
}

// runJobs runs already claimed jobs the same way.
func (o *Orchestrator) runJobs(ctx context.Context, jobs []*Job) []BatchItem {
	return o.each(len(jobs), func(i int) BatchItem {
		result, err := o.Run(ctx, jobs[i])
		return BatchItem{FileID: jobs[i].FileID(), Result: result, Err: err}
	})
}

func (o *Orchestrator) each(n int, run func(i int) BatchItem) []BatchItem {
	items := make([]BatchItem, n)

	var g errgroup.Group
	g.SetLimit(o.opts.BatchConcurrency)
	for i := range n {
		g.Go(func() error {
			items[i] = run(i)
			return nil
		})
	}
	_ = g.Wait()

	return items
}
