package models

type ProcessRequest struct {
	FileID int64 `json:"file_id" binding:"required" example:"42"`
	// ToolCode overrides the tool recorded at upload time. Optional.
	ToolCode string `json:"tool_code,omitempty" example:"audio_splitter"`
	// SoundSource narrows separation to one instrument: piano, guitar, bass, drums or vocals.
	SoundSource string `json:"sound_source,omitempty" example:"drums"`
	Fingerprint string `json:"fingerprint,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

type BatchProcessRequest struct {
	FileIDs     []int64 `json:"file_ids" binding:"required,min=1,max=3"`
	ToolCode    string  `json:"tool_code,omitempty"`
	SoundSource string  `json:"sound_source,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
}

// StatusRequest selects either one file or a whole batch.
type StatusRequest struct {
	FileID  int64  `json:"file_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
}

type CheckLimitRequest struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	ToolCode    string `json:"tool_code" binding:"required"`
}

// ListFilesRequest pages through the caller's files. Registered callers are
// identified by their token; anonymous ones pass their fingerprint.
type ListFilesRequest struct {
	Fingerprint string `form:"fingerprint"`
	Page        int    `form:"page,default=1" binding:"min=1"`
	Limit       int    `form:"limit,default=20" binding:"min=1,max=100"`
}
