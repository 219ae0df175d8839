package models

import (
	"database/sql"
	"time"
)

// Engine-side task statuses. These mirror the separation engine's vocabulary.
const (
	TaskStatusSubmitted = "submitted"
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// IsTerminalTaskStatus reports whether the engine will not change the status again.
func IsTerminalTaskStatus(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

type ProcessingTask struct {
	ID               int64
	UploadFileID     int64
	EngineTaskID     string
	TaskStatus       string
	TaskMessage      string
	ProcessingTimeMs sql.NullInt64
	ExpectedOutputs  sql.NullInt64
	MissingOutputs   []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ResultDetail struct {
	ID           int64
	UploadFileID int64
	ResultType   string
	StorageKey   string
	FileSize     int64
	MimeType     string
	CreatedAt    time.Time
}

type UsageCounter struct {
	ID         int64
	Identity   string
	ToolCode   string
	DailyLimit int
	UsedCount  int
	ResetDate  string
	LastUsedAt sql.NullTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
