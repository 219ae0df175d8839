package orchestrator

import (
	"fmt"
	"time"

	"stemsplit-backend/internal/models"
)

type State string

const (
	StateUploaded   State = "uploaded"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateFetching   State = "fetching"
	StateFinalizing State = "finalizing"
	StateProcessed  State = "processed"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateUploaded:   {StateSubmitting, StateFailed},
	StateSubmitting: {StatePolling, StateFailed},
	StatePolling:    {StateFetching, StateFailed},
	StateFetching:   {StateFinalizing, StateFailed},
	StateFinalizing: {StateProcessed, StateFailed},
}

func (s State) IsTerminal() bool {
	return s == StateProcessed || s == StateFailed
}

// Job is one file's run through the state machine.
type Job struct {
	File         *models.UploadedFile
	Tool         string
	SoundSource  string
	EngineTaskID string
	State        State
	Attempts     int
	StartedAt    time.Time
}

func newJob(file *models.UploadedFile, tool, soundSource string, state State, now time.Time) *Job {
	if tool == "" {
		tool = file.ToolType
	}
	return &Job{
		File:        file,
		Tool:        tool,
		SoundSource: soundSource,
		State:       state,
		StartedAt:   now,
	}
}

func (j *Job) FileID() int64 {
	return j.File.ID
}

// Transition moves the job to next, rejecting moves the state machine does not allow.
func (j *Job) Transition(next State) error {
	for _, allowed := range transitions[j.State] {
		if allowed == next {
			j.State = next
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", j.State, next)
}
