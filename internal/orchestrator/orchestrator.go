package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/events"
	"stemsplit-backend/internal/metrics"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/separation"
	"stemsplit-backend/internal/usage"
)

type Engine interface {
	Submit(ctx context.Context, req separation.SubmitRequest) (*separation.SubmitResponse, error)
	Poll(ctx context.Context, taskID string) (*separation.TaskStatus, error)
	FetchOutput(ctx context.Context, taskID, filename string) ([]byte, error)
}

type FileStore interface {
	GetFile(ctx context.Context, id int64) (*models.UploadedFile, error)
	ListProcessingFiles(ctx context.Context) ([]models.UploadedFile, error)
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	// ClaimStale reports whether a processing file was idle for at least idle
	// and, if so, marks it as touched now.
	ClaimStale(ctx context.Context, id int64, idle time.Duration) (bool, error)
	Touch(ctx context.Context, id int64) error
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, message string) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, fileID int64, engineTaskID, status, message string) (*models.ProcessingTask, error)
	UpdateTask(ctx context.Context, fileID int64, status, message string) error
	CompleteTask(ctx context.Context, fileID int64, status, message string, durationMs int64, expectedOutputs int) error
	SetMissingOutputs(ctx context.Context, fileID int64, missing []string) error
	GetTaskByFileID(ctx context.Context, fileID int64) (*models.ProcessingTask, error)
}

type ResultStore interface {
	Save(ctx context.Context, fileID int64, resultType string, data []byte, mimeType string) (*models.ResultDetail, error)
	Stored(ctx context.Context, fileID int64) ([]models.ResultDetail, error)
}

type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type UsageCounter interface {
	Increment(ctx context.Context, id usage.Identity, toolCode string) error
}

// Clock is the part of github.com/benbjohnson/clock the poll loop needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type Deps struct {
	Engine  Engine
	Files   FileStore
	Tasks   TaskStore
	Results ResultStore
	Blobs   BlobReader
	Usage   UsageCounter
	Events  events.Publisher
	Clock   Clock
}

type Options struct {
	PollInterval            time.Duration
	MaxPollAttempts         int
	MaxConsecutiveTransient int
	ResultMimeType          string
	BatchConcurrency        int
	// StaleAfter is how long a processing file must go untouched before a
	// reconcile treats its job as dead. It must exceed the longest gap between
	// touches, which is one engine fetch.
	StaleAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:            20 * time.Second,
		MaxPollAttempts:         180,
		MaxConsecutiveTransient: 5,
		ResultMimeType:          "audio/mpeg",
		BatchConcurrency:        3,
		StaleAfter:              15 * time.Minute,
	}
}

type ProcessRequest struct {
	FileID      int64
	ToolCode    string
	SoundSource string
}

// CompletionResult describes a processed file. Fewer fetched outputs than
// ExpectedCount means a partial success; Missing names the skipped ones.
type CompletionResult struct {
	FileID           int64
	EngineTaskID     string
	Fetched          []models.ResultDetail
	ExpectedCount    int
	Missing          []string
	ProcessingTimeMs int64
}

func (r *CompletionResult) Partial() bool {
	return len(r.Missing) > 0
}

type Orchestrator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if opts.ResultMimeType == "" {
		opts.ResultMimeType = defaults.ResultMimeType
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaults.BatchConcurrency
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaults.StaleAfter
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Process claims an uploaded file and drives it to Processed or Failed.
func (o *Orchestrator) Process(ctx context.Context, req ProcessRequest) (*CompletionResult, error) {
	job, err := o.Claim(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, job)
}

// Claim moves the file from uploaded to processing before anything remote
// happens. Any other status, including losing a concurrent claim, yields
// ErrNotProcessable and changes nothing.
func (o *Orchestrator) Claim(ctx context.Context, req ProcessRequest) (*Job, error) {
	file, err := o.deps.Files.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if file.Status != models.FileStatusUploaded {
		return nil, fmt.Errorf("file %d is %s: %w", file.ID, file.Status, ErrNotProcessable)
	}

	won, err := o.deps.Files.MarkProcessing(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("file %d was claimed concurrently: %w", file.ID, ErrNotProcessable)
	}
	file.Status = models.FileStatusProcessing

	return newJob(file, req.ToolCode, req.SoundSource, StateUploaded, o.deps.Clock.Now()), nil
}

// Run submits a claimed job and follows it to a terminal state.
func (o *Orchestrator) Run(ctx context.Context, job *Job) (*CompletionResult, error) {
	o.advance(ctx, job, StateSubmitting)

	params := DeriveParams(job.Tool, job.SoundSource)
	data, err := o.deps.Blobs.Get(ctx, job.File.StorageKey)
	if err != nil {
		return nil, o.fail(ctx, job, fmt.Errorf("failed to read upload: %w", err))
	}

	resp, err := o.deps.Engine.Submit(ctx, separation.SubmitRequest{
		Data:        data,
		Filename:    job.File.OriginalFileName,
		MimeType:    job.File.MimeType,
		Model:       params.Model,
		Stems:       params.Stems,
		SoundSource: params.SoundSource,
	})
	if err != nil {
		return nil, o.fail(ctx, job, err)
	}

	status := resp.Status
	if status == "" {
		status = models.TaskStatusSubmitted
	}
	if _, err := o.deps.Tasks.CreateTask(ctx, job.FileID(), resp.TaskID, status, resp.Message); err != nil {
		return nil, o.fail(ctx, job, err)
	}
	job.EngineTaskID = resp.TaskID
	o.logger(job).WithFields(log.Fields{"model": params.Model, "stems": params.Stems}).Info("submitted to engine")

	o.advance(ctx, job, StatePolling)
	return o.follow(ctx, job)
}

// follow runs everything after submission: poll, fetch and finalize.
func (o *Orchestrator) follow(ctx context.Context, job *Job) (*CompletionResult, error) {
	status, err := o.poll(ctx, job)
	if err != nil {
		return nil, o.fail(ctx, job, err)
	}

	o.advance(ctx, job, StateFetching)
	result, err := o.fetch(ctx, job, status)
	if err != nil {
		return nil, o.fail(ctx, job, err)
	}

	o.advance(ctx, job, StateFinalizing)
	if err := o.finalize(ctx, job, result); err != nil {
		return nil, o.fail(ctx, job, err)
	}
	return result, nil
}

func (o *Orchestrator) poll(ctx context.Context, job *Job) (*separation.TaskStatus, error) {
	consecutive := 0
	for attempt := 1; attempt <= o.opts.MaxPollAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, cancelled(ctx)
		case <-o.deps.Clock.After(o.opts.PollInterval):
		}
		job.Attempts = attempt
		o.touch(ctx, job)

		status, err := o.deps.Engine.Poll(ctx, job.EngineTaskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			if errors.Is(err, separation.ErrTaskUnknown) {
				metrics.EnginePolls.WithLabelValues("unknown").Inc()
				return nil, err
			}
			metrics.EnginePolls.WithLabelValues("transient").Inc()
			consecutive++
			o.logger(job).WithError(err).WithField("attempt", attempt).Warn("poll failed")
			if o.opts.MaxConsecutiveTransient > 0 && consecutive >= o.opts.MaxConsecutiveTransient {
				return nil, fmt.Errorf("%w: %d in a row, last: %w", ErrTransientBudget, consecutive, err)
			}
			continue
		}
		metrics.EnginePolls.WithLabelValues("ok").Inc()
		consecutive = 0

		if err := o.deps.Tasks.UpdateTask(ctx, job.FileID(), status.Status, status.Message); err != nil {
			o.logger(job).WithError(err).Warn("failed to record task status")
		}
		o.publish(ctx, events.PollProgress(job.FileID(), job.File.BatchID, status.Status, status.Progress, attempt))

		switch status.Status {
		case models.TaskStatusCompleted:
			return status, nil
		case models.TaskStatusFailed:
			detail := status.Error
			if detail == "" {
				detail = status.Message
			}
			return nil, fmt.Errorf("%w: %s", ErrEngineFailed, detail)
		}
	}
	return nil, fmt.Errorf("%w: timed out after %d poll attempts", ErrCeilingExceeded, o.opts.MaxPollAttempts)
}

func (o *Orchestrator) fetch(ctx context.Context, job *Job, status *separation.TaskStatus) (*CompletionResult, error) {
	if len(status.OutputFiles) == 0 {
		return nil, fmt.Errorf("%w: engine reported completion without output files", ErrNoOutputs)
	}

	result := &CompletionResult{
		FileID:           job.FileID(),
		EngineTaskID:     job.EngineTaskID,
		ExpectedCount:    len(status.OutputFiles),
		ProcessingTimeMs: status.ProcessingDuration(),
	}
	if err := o.deps.Tasks.CompleteTask(ctx, job.FileID(), status.Status, status.Message,
		result.ProcessingTimeMs, result.ExpectedCount); err != nil {
		return nil, err
	}

	// outputs saved before an interruption are kept, not fetched again
	existing, err := o.deps.Results.Stored(ctx, job.FileID())
	if err != nil {
		return nil, err
	}
	stored := make(map[string]models.ResultDetail, len(existing))
	for _, d := range existing {
		stored[d.ResultType] = d
	}

	for _, name := range status.OutputFiles {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if detail, ok := stored[name]; ok {
			metrics.OutputsFetched.WithLabelValues("existing").Inc()
			result.Fetched = append(result.Fetched, detail)
			continue
		}
		o.touch(ctx, job)
		detail, err := o.fetchOne(ctx, job, name)
		if err != nil {
			metrics.OutputsFetched.WithLabelValues("missing").Inc()
			o.logger(job).WithError(err).WithField("output", name).Warn("skipping output")
			result.Missing = append(result.Missing, name)
			continue
		}
		metrics.OutputsFetched.WithLabelValues("stored").Inc()
		result.Fetched = append(result.Fetched, *detail)
	}

	if len(result.Fetched) == 0 {
		return nil, fmt.Errorf("%w: none of %d outputs could be retrieved", ErrNoOutputs, result.ExpectedCount)
	}
	return result, nil
}

func (o *Orchestrator) fetchOne(ctx context.Context, job *Job, name string) (*models.ResultDetail, error) {
	data, err := o.deps.Engine.FetchOutput(ctx, job.EngineTaskID, name)
	if err != nil {
		return nil, err
	}
	return o.deps.Results.Save(ctx, job.FileID(), name, data, o.opts.ResultMimeType)
}

// finalize marks the file processed and only then charges usage.
func (o *Orchestrator) finalize(ctx context.Context, job *Job, result *CompletionResult) error {
	if result.Partial() {
		if err := o.deps.Tasks.SetMissingOutputs(ctx, job.FileID(), result.Missing); err != nil {
			o.logger(job).WithError(err).Warn("failed to record missing outputs")
		}
	}
	if err := o.deps.Files.MarkProcessed(ctx, job.FileID()); err != nil {
		return err
	}
	o.advance(ctx, job, StateProcessed)

	if value, registered := job.File.Owner(); value != "" {
		id := usage.Identity{Value: value, Registered: registered}
		if err := o.deps.Usage.Increment(context.WithoutCancel(ctx), id, job.Tool); err != nil {
			o.logger(job).WithError(err).Error("failed to increment usage")
		}
	} else {
		o.logger(job).Warn("processed file has no owner, usage not charged")
	}

	outcome := "processed"
	if result.Partial() {
		outcome = "partial"
	}
	metrics.JobsTotal.WithLabelValues(job.Tool, outcome).Inc()
	metrics.JobDuration.WithLabelValues(job.Tool).Observe(o.deps.Clock.Now().Sub(job.StartedAt).Seconds())
	o.publish(ctx, events.Completed(job.FileID(), job.File.BatchID, len(result.Fetched), result.Missing))

	o.logger(job).WithFields(log.Fields{
		"expected": result.ExpectedCount,
		"fetched":  len(result.Fetched),
		"missing":  result.Missing,
	}).Info("job processed")
	return nil
}

// fail records err as the file's terminal failure and returns it as a
// *JobError. A shutdown cancel leaves the file in processing instead.
func (o *Orchestrator) fail(ctx context.Context, job *Job, err error) error {
	jobErr := &JobError{FileID: job.FileID(), State: job.State, Err: err}
	entry := o.logger(job).WithError(err)

	if errors.Is(err, ErrCancelled) && errors.Is(context.Cause(ctx), ErrShuttingDown) && job.EngineTaskID != "" {
		entry.Warn("job suspended by shutdown, left for reconciliation")
		return jobErr
	}

	store := context.WithoutCancel(ctx)
	if markErr := o.deps.Files.MarkFailed(store, job.FileID(), err.Error()); markErr != nil {
		entry.WithField("mark_error", markErr).Error("failed to mark file failed")
	}
	o.advance(store, job, StateFailed)

	metrics.JobsTotal.WithLabelValues(job.Tool, "failed").Inc()
	metrics.JobDuration.WithLabelValues(job.Tool).Observe(o.deps.Clock.Now().Sub(job.StartedAt).Seconds())
	o.publish(store, events.Failed(job.FileID(), job.File.BatchID, err.Error()))

	entry.WithField("failed_in", jobErr.State).Error("job failed")
	return jobErr
}

// touch tells a concurrent reconcile that this job is alive.
func (o *Orchestrator) touch(ctx context.Context, job *Job) {
	if err := o.deps.Files.Touch(ctx, job.FileID()); err != nil {
		o.logger(job).WithError(err).Warn("failed to touch file")
	}
}

func (o *Orchestrator) advance(ctx context.Context, job *Job, next State) {
	from := job.State
	if err := job.Transition(next); err != nil {
		o.logger(job).WithError(err).Error("rejected state transition")
		return
	}
	metrics.StateTransitions.WithLabelValues(string(next)).Inc()
	o.logger(job).WithField("from", from).Info("state changed")
	o.publish(ctx, events.StateChanged(job.FileID(), job.File.BatchID, string(next), job.EngineTaskID))
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if err := o.deps.Events.Publish(context.WithoutCancel(ctx), event); err != nil {
		log.WithError(err).WithField("file_id", event.FileID).Debug("failed to publish event")
	}
}

func (o *Orchestrator) logger(job *Job) *log.Entry {
	return log.WithFields(log.Fields{
		"file_id":        job.FileID(),
		"state":          job.State,
		"engine_task_id": job.EngineTaskID,
		"tool":           job.Tool,
	})
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// isMissing reports whether err is the store's not-found error.
func isMissing(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}
