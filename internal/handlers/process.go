package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/orchestrator"
	"stemsplit-backend/internal/usage"
)

type ProcessHandler struct {
	repo       Repository
	limiter    Limiter
	dispatcher Dispatcher
	processor  Processor
	publicURL  string
}

func NewProcessHandler(repo Repository, limiter Limiter, dispatcher Dispatcher, processor Processor, publicURL string) *ProcessHandler {
	return &ProcessHandler{
		repo:       repo,
		limiter:    limiter,
		dispatcher: dispatcher,
		processor:  processor,
		publicURL:  publicURL,
	}
}

// Process godoc
// @Summary     Start separating an uploaded file
// @Description Runs in the background and answers 202 unless wait=true, in which case the
// @Description response carries the finished result, including expected vs. stored outputs.
// @Tags        audio
// @Accept      json
// @Produce     json
// @Param       request body models.ProcessRequest true "File to process"
// @Param       wait query bool false "Block until the job is terminal"
// @Success     200 {object} models.ProcessResponse
// @Success     202 {object} models.ProcessResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Failure     429 {object} models.LimitResponse
// @Router      /api/v1/audio/process [post]
func (h *ProcessHandler) Process(c *gin.Context) {
	var req models.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if req.ToolCode != "" && !validTool(req.ToolCode) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid tool_code", Message: req.ToolCode})
		return
	}

	file, ok := h.authorize(c, []int64{req.FileID}, req.ToolCode, req.UserID, req.Fingerprint)
	if !ok {
		return
	}

	oreq := orchestrator.ProcessRequest{FileID: file[0].ID, ToolCode: req.ToolCode, SoundSource: req.SoundSource}

	if c.Query("wait") != "true" {
		if err := h.dispatcher.Dispatch(c.Request.Context(), oreq); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, models.ProcessResponse{FileID: req.FileID, Status: models.FileStatusProcessing})
		return
	}

	// the job outlives a client that stops waiting
	result, err := h.processor.Process(context.WithoutCancel(c.Request.Context()), oreq)
	resp, status := h.processResponse(req.FileID, result, err)
	c.JSON(status, resp)
}

// ProcessBatch godoc
// @Summary     Start separating up to three uploaded files
// @Tags        audio
// @Accept      json
// @Produce     json
// @Param       request body models.BatchProcessRequest true "Files to process"
// @Param       wait query bool false "Block until every job is terminal"
// @Success     200 {object} models.BatchProcessResponse
// @Success     202 {object} models.BatchProcessResponse
// @Failure     429 {object} models.LimitResponse
// @Router      /api/v1/audio/process-batch [post]
func (h *ProcessHandler) ProcessBatch(c *gin.Context) {
	var req models.BatchProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if req.ToolCode != "" && !validTool(req.ToolCode) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid tool_code", Message: req.ToolCode})
		return
	}

	files, ok := h.authorize(c, req.FileIDs, req.ToolCode, req.UserID, req.Fingerprint)
	if !ok {
		return
	}

	reqs := make([]orchestrator.ProcessRequest, len(files))
	for i, f := range files {
		reqs[i] = orchestrator.ProcessRequest{FileID: f.ID, ToolCode: req.ToolCode, SoundSource: req.SoundSource}
	}

	out := models.BatchProcessResponse{Files: make([]models.ProcessResponse, len(reqs))}
	if c.Query("wait") != "true" {
		for i, err := range h.dispatcher.DispatchBatch(c.Request.Context(), reqs) {
			out.Files[i] = models.ProcessResponse{FileID: reqs[i].FileID, Status: models.FileStatusProcessing}
			if err != nil {
				out.Files[i].Status = files[i].Status
				out.Files[i].Error = err.Error()
			}
		}
		c.JSON(http.StatusAccepted, out)
		return
	}

	for i, item := range h.processor.ProcessBatch(context.WithoutCancel(c.Request.Context()), reqs) {
		out.Files[i], _ = h.processResponse(item.FileID, item.Result, item.Err)
	}
	c.JSON(http.StatusOK, out)
}

// authorize loads the files, checks they share one owner, that the caller is
// that owner when known and that today's allotment covers all of them. It
// writes the error response itself.
func (h *ProcessHandler) authorize(c *gin.Context, ids []int64, toolOverride, userID, fingerprint string) ([]*models.UploadedFile, bool) {
	ctx := c.Request.Context()

	caller, callerErr := requestIdentity(c, userID, fingerprint)
	if callerErr != nil && !errors.Is(callerErr, usage.ErrMissingIdentity) {
		respondError(c, callerErr)
		return nil, false
	}

	files := make([]*models.UploadedFile, 0, len(ids))
	for _, id := range ids {
		file, err := h.repo.GetFile(ctx, id)
		if err != nil {
			respondError(c, err)
			return nil, false
		}
		if callerErr == nil && ownerIdentity(file) != caller {
			c.JSON(http.StatusForbidden, models.ErrorResponse{
				Error:   "forbidden",
				Message: fmt.Sprintf("file %d belongs to another user", id),
			})
			return nil, false
		}
		files = append(files, file)
	}

	// usage is charged to the owner, one unit per file and tool
	owner := ownerIdentity(files[0])
	for _, file := range files[1:] {
		if ownerIdentity(file) != owner {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "invalid request",
				Message: "all files must belong to the same user",
			})
			return nil, false
		}
	}
	tool := toolOverride
	if tool == "" {
		tool = files[0].ToolType
	}
	decision, err := h.limiter.CheckN(ctx, owner, tool, len(files))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, models.LimitResponse{
			Allowed:   false,
			Remaining: decision.Remaining,
			Limit:     decision.Limit,
			Requested: len(files),
			Message:   decision.Message,
		})
		return nil, false
	}
	return files, true
}

func (h *ProcessHandler) processResponse(fileID int64, result *orchestrator.CompletionResult, err error) (models.ProcessResponse, int) {
	if err == nil {
		return models.ProcessResponse{
			FileID: fileID,
			Status: models.FileStatusProcessed,
			Result: newCompletionResponse(result, h.publicURL),
		}, http.StatusOK
	}

	var jobErr *orchestrator.JobError
	if errors.As(err, &jobErr) {
		return models.ProcessResponse{FileID: fileID, Status: models.FileStatusFailed, Error: err.Error()}, http.StatusOK
	}
	status, _ := errorStatus(err)
	return models.ProcessResponse{FileID: fileID, Status: "", Error: err.Error()}, status
}
