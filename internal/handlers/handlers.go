package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/middleware"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/orchestrator"
	"stemsplit-backend/internal/storage"
	"stemsplit-backend/internal/usage"
)

// Repository is the read side of the store plus file creation.
type Repository interface {
	CreateFile(ctx context.Context, file *models.UploadedFile) error
	GetFile(ctx context.Context, id int64) (*models.UploadedFile, error)
	ListFilesByBatch(ctx context.Context, batchID string) ([]models.UploadedFile, error)
	GetTaskByFileID(ctx context.Context, fileID int64) (*models.ProcessingTask, error)
	ListTasksByBatch(ctx context.Context, batchID string) (map[int64]*models.ProcessingTask, error)
	ListResultsByFileID(ctx context.Context, fileID int64) ([]models.ResultDetail, error)
	ListResultsByBatch(ctx context.Context, batchID string) (map[int64][]models.ResultDetail, error)
	ListFilesByOwner(ctx context.Context, owner string, registered bool, limit, offset int) ([]models.UploadedFile, int, error)
	ListTasksByFileIDs(ctx context.Context, ids []int64) (map[int64]*models.ProcessingTask, error)
	ListResultsByFileIDs(ctx context.Context, ids []int64) (map[int64][]models.ResultDetail, error)
}

type Limiter interface {
	CheckN(ctx context.Context, id usage.Identity, toolCode string, n int) (usage.Decision, error)
}

// Processor runs jobs to completion within the request.
type Processor interface {
	Process(ctx context.Context, req orchestrator.ProcessRequest) (*orchestrator.CompletionResult, error)
	ProcessBatch(ctx context.Context, reqs []orchestrator.ProcessRequest) []orchestrator.BatchItem
}

// Dispatcher starts jobs in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, req orchestrator.ProcessRequest) error
	DispatchBatch(ctx context.Context, reqs []orchestrator.ProcessRequest) []error
}

// requestIdentity prefers the authenticated user over ids in the body.
func requestIdentity(c *gin.Context, userID, fingerprint string) (usage.Identity, error) {
	if uid := middleware.UserID(c); uid != "" {
		userID = uid
	}
	return usage.ResolveIdentity(userID, fingerprint)
}

func ownerIdentity(file *models.UploadedFile) usage.Identity {
	value, registered := file.Owner()
	return usage.Identity{Value: value, Registered: registered}
}

func validTool(tool string) bool {
	return tool == models.ToolVocalRemover || tool == models.ToolAudioSplitter
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "file not found"
	case errors.Is(err, orchestrator.ErrNotProcessable):
		return http.StatusConflict, "file cannot be processed"
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable, "server is shutting down"
	case errors.Is(err, usage.ErrMissingIdentity):
		return http.StatusBadRequest, "missing user identifier"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func respondError(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, models.ErrorResponse{Error: msg, Message: err.Error()})
}

func newResultResponse(r models.ResultDetail, publicURL string) models.ResultResponse {
	return models.ResultResponse{
		ID:          r.ID,
		ResultType:  r.ResultType,
		StorageKey:  r.StorageKey,
		FileSize:    r.FileSize,
		MimeType:    r.MimeType,
		DownloadURL: storage.PublicURL(publicURL, r.StorageKey),
		CreatedAt:   r.CreatedAt,
	}
}

func newResultResponses(details []models.ResultDetail, publicURL string) []models.ResultResponse {
	out := make([]models.ResultResponse, 0, len(details))
	for _, d := range details {
		out = append(out, newResultResponse(d, publicURL))
	}
	return out
}

func newCompletionResponse(result *orchestrator.CompletionResult, publicURL string) *models.CompletionResponse {
	return &models.CompletionResponse{
		FileID:           result.FileID,
		EngineTaskID:     result.EngineTaskID,
		ProcessingTimeMs: result.ProcessingTimeMs,
		ExpectedCount:    result.ExpectedCount,
		ResultCount:      len(result.Fetched),
		Missing:          result.Missing,
		Partial:          result.Partial(),
		Results:          newResultResponses(result.Fetched, publicURL),
	}
}
