package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/models"
)

type StatusHandler struct {
	repo Repository
}

func NewStatusHandler(repo Repository) *StatusHandler {
	return &StatusHandler{repo: repo}
}

// GetStatus godoc
// @Summary     Processing status of a file or a batch
// @Description With batch_id the response aggregates all files: processed when all are,
// @Description failed when any is, processing when any still runs, uploaded otherwise.
// @Tags        audio
// @Accept      json
// @Produce     json
// @Param       request body models.StatusRequest true "file_id or batch_id"
// @Success     200 {object} models.FileStatusResponse
// @Success     200 {object} models.BatchStatusResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /api/v1/audio/status [post]
func (h *StatusHandler) GetStatus(c *gin.Context) {
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

		resp := models.BatchStatusResponse{
			BatchID: req.BatchID,
			Files:   make([]models.FileStatusResponse, 0, len(files)),
			Total:   len(files),
		}
		statuses := make([]models.FileStatus, 0, len(files))
		for i := range files {
			resp.Files = append(resp.Files, newFileStatus(&files[i], tasks[files[i].ID]))
			statuses = append(statuses, files[i].Status)
			switch files[i].Status {
			case models.FileStatusProcessed:
				resp.Processed++
			case models.FileStatusFailed:
				resp.Failed++
			}
		}
		resp.OverallStatus = models.AggregateStatus(statuses)
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
		c.JSON(http.StatusOK, newFileStatus(file, task))

	default:
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: "file_id or batch_id is required"})
	}
}

func newFileStatus(file *models.UploadedFile, task *models.ProcessingTask) models.FileStatusResponse {
	resp := models.FileStatusResponse{
		FileID:           file.ID,
		Status:           file.Status,
		ErrorMessage:     file.ErrorMessage.String,
		OriginalFileName: file.OriginalFileName,
	}
	if task != nil {
		resp.TaskStatus = task.TaskStatus
		resp.TaskMessage = task.TaskMessage
	}
	return resp
}
