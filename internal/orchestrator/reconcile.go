package orchestrator

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/models"
)

// Resume picks up a file left in processing by a dead job. A file touched
// within StaleAfter belongs to a live job and yields ErrJobActive. With an
// engine task on record it goes back to polling without resubmitting;
// without one the file is marked failed.
func (o *Orchestrator) Resume(ctx context.Context, fileID int64) (*CompletionResult, error) {
	file, err := o.deps.Files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status != models.FileStatusProcessing {
		return nil, fmt.Errorf("file %d is %s: %w", file.ID, file.Status, ErrNotProcessable)
	}

	stale, err := o.deps.Files.ClaimStale(ctx, file.ID, o.opts.StaleAfter)
	if err != nil {
		return nil, err
	}
	if !stale {
		return nil, fmt.Errorf("file %d: %w", file.ID, ErrJobActive)
	}

	task, err := o.deps.Tasks.GetTaskByFileID(ctx, file.ID)
	if err != nil && !isMissing(err) {
		return nil, err
	}

	if task == nil || task.EngineTaskID == "" {
		job := newJob(file, "", "", StateSubmitting, o.deps.Clock.Now())
		return nil, o.fail(ctx, job, ErrInterrupted)
	}

	job := newJob(file, "", "", StatePolling, o.deps.Clock.Now())
	job.EngineTaskID = task.EngineTaskID
	o.logger(job).WithField("last_status", task.TaskStatus).Info("resuming job")

	if task.TaskStatus == models.TaskStatusFailed {
		return nil, o.fail(ctx, job, fmt.Errorf("%w: %s", ErrEngineFailed, task.TaskMessage))
	}
	return o.follow(ctx, job)
}

// Reconcile resumes every stale file stuck in processing and waits for all
// of them. Files owned by live jobs are skipped and not reported.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]BatchItem, error) {
	files, err := o.deps.Files.ListProcessingFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	log.WithField("count", len(files)).Info("reconciling files stuck in processing")

	all := o.each(len(files), func(i int) BatchItem {
		result, err := o.Resume(ctx, files[i].ID)
		return BatchItem{FileID: files[i].ID, Result: result, Err: err}
	})

	items := all[:0]
	for _, item := range all {
		if errors.Is(item.Err, ErrJobActive) {
			log.WithField("file_id", item.FileID).Debug("file owned by a live job, not resumed")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
