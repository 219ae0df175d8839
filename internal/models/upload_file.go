package models

import (
	"database/sql"
	"time"
)

// FileStatus is the lifecycle status of an UploadedFile.
type FileStatus string

const (
	FileStatusUploaded   FileStatus = "uploaded"
	FileStatusProcessing FileStatus = "processing"
	FileStatusProcessed  FileStatus = "processed"
	FileStatusFailed     FileStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s FileStatus) IsTerminal() bool {
	return s == FileStatusProcessed || s == FileStatusFailed
}

const (
	ToolVocalRemover  = "vocal_remover"
	ToolAudioSplitter = "audio_splitter"
)

type UploadedFile struct {
	ID               int64
	UserID           sql.NullString
	Fingerprint      sql.NullString
	BatchID          string
	ToolType         string
	StorageKey       string
	OriginalFileName string
	FileSize         int64
	MimeType         string
	Status           FileStatus
	ErrorMessage     sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Owner returns the identity usage is charged to. A user id wins over a fingerprint.
func (f *UploadedFile) Owner() (value string, registered bool) {
	if f.UserID.Valid && f.UserID.String != "" {
		return f.UserID.String, true
	}
	if f.Fingerprint.Valid {
		return f.Fingerprint.String, false
	}
	return "", false
}

// AggregateStatus reduces the statuses of a batch into one: all processed ->
// processed, any failed -> failed, any processing -> processing, else uploaded.
func AggregateStatus(statuses []FileStatus) FileStatus {
	if len(statuses) == 0 {
		return FileStatusUploaded
	}
	allProcessed := true
	anyFailed, anyProcessing := false, false
	for _, s := range statuses {
		if s != FileStatusProcessed {
			allProcessed = false
		}
		switch s {
		case FileStatusFailed:
			anyFailed = true
		case FileStatusProcessing:
			anyProcessing = true
		}
	}
	switch {
	case allProcessed:
		return FileStatusProcessed
	case anyFailed:
		return FileStatusFailed
	case anyProcessing:
		return FileStatusProcessing
	default:
		return FileStatusUploaded
	}
}
