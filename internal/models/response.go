package models

import "time"

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type FileInfo struct {
	ID               int64      `json:"file_id"`
	BatchID          string     `json:"batch_id"`
	ToolType         string     `json:"tool_type"`
	OriginalFileName string     `json:"original_file_name"`
	FileSize         int64      `json:"file_size"`
	MimeType         string     `json:"mime_type"`
	Status           FileStatus `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func NewFileInfo(f *UploadedFile) FileInfo {
	return FileInfo{
		ID:               f.ID,
		BatchID:          f.BatchID,
		ToolType:         f.ToolType,
		OriginalFileName: f.OriginalFileName,
		FileSize:         f.FileSize,
		MimeType:         f.MimeType,
		Status:           f.Status,
		ErrorMessage:     f.ErrorMessage.String,
		CreatedAt:        f.CreatedAt,
	}
}

type UploadResponse struct {
	BatchID string     `json:"batch_id"`
	Files   []FileInfo `json:"files"`
	Message string     `json:"message"`
}

type LimitResponse struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Requested int    `json:"requested,omitempty"`
	Message   string `json:"message,omitempty"`
}

type ProcessResponse struct {
	FileID int64               `json:"file_id"`
	Status FileStatus          `json:"status"`
	Result *CompletionResponse `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

type BatchProcessResponse struct {
	Files []ProcessResponse `json:"files"`
}

// CompletionResponse reports what a finished job produced. Partial is true
// when fewer results were stored than the engine reported.
type CompletionResponse struct {
	FileID           int64            `json:"file_id"`
	EngineTaskID     string           `json:"task_id"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	ExpectedCount    int              `json:"expected_count"`
	ResultCount      int              `json:"result_count"`
	Missing          []string         `json:"missing,omitempty"`
	Partial          bool             `json:"partial"`
	Results          []ResultResponse `json:"results"`
}

type FileStatusResponse struct {
	FileID           int64      `json:"file_id"`
	Status           FileStatus `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	OriginalFileName string     `json:"original_file_name"`
	TaskStatus       string     `json:"task_status,omitempty"`
	TaskMessage      string     `json:"task_message,omitempty"`
}

type BatchStatusResponse struct {
	BatchID       string               `json:"batch_id"`
	OverallStatus FileStatus           `json:"overall_status"`
	Files         []FileStatusResponse `json:"files"`
	Total         int                  `json:"total"`
	Processed     int                  `json:"processed"`
	Failed        int                  `json:"failed"`
}

type ResultResponse struct {
	ID          int64     `json:"id"`
	ResultType  string    `json:"result_type"`
	StorageKey  string    `json:"storage_key"`
	FileSize    int64     `json:"file_size"`
	MimeType    string    `json:"mime_type"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type FileResultsResponse struct {
	File             FileInfo         `json:"file"`
	TaskStatus       string           `json:"task_status,omitempty"`
	TaskMessage      string           `json:"task_message,omitempty"`
	ProcessingTimeMs int64            `json:"processing_time_ms,omitempty"`
	ExpectedCount    int              `json:"expected_count"`
	Missing          []string         `json:"missing,omitempty"`
	Results          []ResultResponse `json:"results"`
}

type BatchResultsResponse struct {
	BatchID string                `json:"batch_id"`
	Files   []FileResultsResponse `json:"files"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// FileListResponse is one page of a caller's files, newest first.
type FileListResponse struct {
	Files      []FileResultsResponse `json:"files"`
	Pagination Pagination            `json:"pagination"`
}
