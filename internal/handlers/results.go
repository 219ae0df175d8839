package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/models"
)

type ResultsHandler struct {
	repo      Repository
	publicURL string
}

func NewResultsHandler(repo Repository, publicURL string) *ResultsHandler {
	return &ResultsHandler{repo: repo, publicURL: publicURL}
}

// GetResults godoc
// @Summary     Stored separation outputs of a file or a batch
// @Description expected_count is what the engine reported; fewer results means a partial success.
// @Tags        audio
// @Accept      json
// @Produce     json
// @Param       request body models.StatusRequest true "file_id or batch_id"
// @Success     200 {object} models.FileResultsResponse
// @Success     200 {object} models.BatchResultsResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /api/v1/audio/results [post]
func (h *ResultsHandler) GetResults(c *gin.Context) {
	var req models.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	switch {
	case req.BatchID != "":
		files, err := h.repo.ListFilesByBatch(ctx, req.BatchID)
		if err != nil {
			respondError(c, err)
			return
		}
		if len(files) == 0 {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "batch not found",
				Message: fmt.Sprintf("no files in batch %s", req.BatchID),
			})
			return
		}
		tasks, err := h.repo.ListTasksByBatch(ctx, req.BatchID)
		if err != nil {
			respondError(c, err)
			return
		}
		results, err := h.repo.ListResultsByBatch(ctx, req.BatchID)
		if err != nil {
			respondError(c, err)
			return
		}

		resp := models.BatchResultsResponse{BatchID: req.BatchID, Files: make([]models.FileResultsResponse, 0, len(files))}
		for i := range files {
			resp.Files = append(resp.Files, fileResults(&files[i], tasks[files[i].ID], results[files[i].ID], h.publicURL))
		}
		c.JSON(http.StatusOK, resp)

	case req.FileID > 0:
		file, err := h.repo.GetFile(ctx, req.FileID)
		if err != nil {
			respondError(c, err)
			return
		}
		task, err := h.repo.GetTaskByFileID(ctx, file.ID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			respondError(c, err)
			return
		}
		results, err := h.repo.ListResultsByFileID(ctx, file.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fileResults(file, task, results, h.publicURL))

	default:
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: "file_id or batch_id is required"})
	}
}

// ListFiles godoc
// @Summary     Page through the caller's files with their results
// @Description Registered callers are identified by their token, anonymous ones by fingerprint.
// @Tags        audio
// @Produce     json
// @Param       fingerprint query string false "Anonymous caller fingerprint"
// @Param       page query int false "Page number, from 1" default(1)
// @Param       limit query int false "Files per page, at most 100" default(20)
// @Success     200 {object} models.FileListResponse
// @Failure     400 {object} models.ErrorResponse
// @Router      /api/v1/audio/files [get]
func (h *ResultsHandler) ListFiles(c *gin.Context) {
	var req models.ListFilesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	// a user id is only taken from the token, never from the query
	owner, err := requestIdentity(c, "", req.Fingerprint)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	files, total, err := h.repo.ListFilesByOwner(ctx, owner.Value, owner.Registered, req.Limit, (req.Page-1)*req.Limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.FileListResponse{
		Files: make([]models.FileResultsResponse, 0, len(files)),
		Pagination: models.Pagination{
			Page:       req.Page,
			Limit:      req.Limit,
			Total:      total,
			TotalPages: (total + req.Limit - 1) / req.Limit,
		},
	}
	if len(files) == 0 {
		c.JSON(http.StatusOK, resp)
		return
	}

	ids := make([]int64, len(files))
	for i := range files {
		ids[i] = files[i].ID
	}
	tasks, err := h.repo.ListTasksByFileIDs(ctx, ids)
	if err != nil {
		respondError(c, err)
		return
	}
	results, err := h.repo.ListResultsByFileIDs(ctx, ids)
	if err != nil {
		respondError(c, err)
		return
	}
	for i := range files {
		resp.Files = append(resp.Files, fileResults(&files[i], tasks[files[i].ID], results[files[i].ID], h.publicURL))
	}
	c.JSON(http.StatusOK, resp)
}

func fileResults(file *models.UploadedFile, task *models.ProcessingTask, results []models.ResultDetail, publicURL string) models.FileResultsResponse {
	resp := models.FileResultsResponse{
		File:    models.NewFileInfo(file),
		Results: newResultResponses(results, publicURL),
	}
	if task != nil {
		resp.TaskStatus = task.TaskStatus
		resp.TaskMessage = task.TaskMessage
		resp.ProcessingTimeMs = task.ProcessingTimeMs.Int64
		resp.ExpectedCount = int(task.ExpectedOutputs.Int64)
		resp.Missing = task.MissingOutputs
	}
	return resp
}
