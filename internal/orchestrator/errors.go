package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrNotProcessable  = errors.New("file is not in a processable state")
	ErrNoOutputs       = errors.New("no outputs")
	ErrCeilingExceeded = errors.New("polling ceiling exceeded")
	ErrTransientBudget = errors.New("too many consecutive poll failures")
	ErrEngineFailed    = errors.New("separation failed")
	ErrCancelled       = errors.New("cancelled")
	ErrInterrupted     = errors.New("interrupted before submission")
	// ErrJobActive means a processing file was touched recently by a live job
	// and must not be resumed.
	ErrJobActive = errors.New("file is owned by a live job")
	// ErrShuttingDown is the cancel cause used on server shutdown. Jobs
	// cancelled with it stay in processing so a later reconcile picks them up.
	ErrShuttingDown = errors.New("server shutting down")
)

// JobError is returned when a job ended in Failed (or was suspended by
// shutdown). Err carries the taxonomy sentinel.
type JobError struct {
	FileID int64
	State  State
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("file %d failed while %s: %v", e.FileID, e.State, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
