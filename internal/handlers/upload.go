package handlers

import (
	"database/sql"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/storage"
)

const (
	MaxFilesPerUpload  = 3
	DefaultMaxFileSize = 100 << 20
)

var audioExtensions = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
}

type UploadHandler struct {
	repo        Repository
	blobs       storage.BlobStore
	limiter     Limiter
	MaxFileSize int64
}

func NewUploadHandler(repo Repository, blobs storage.BlobStore, limiter Limiter) *UploadHandler {
	return &UploadHandler{
		repo:        repo,
		blobs:       blobs,
		limiter:     limiter,
		MaxFileSize: DefaultMaxFileSize,
	}
}

// Upload godoc
// @Summary     Upload audio files
// @Description Stores up to three audio files (mp3, wav, flac; 100 MB each) under one batch.
// @Description Fails with 429 when the caller's remaining daily allotment is smaller than the number of files.
// @Tags        audio
// @Accept      multipart/form-data
// @Produce     json
// @Param       file formData file true "Audio file; file1, file2 ... for more"
// @Param       tool_code formData string true "vocal_remover or audio_splitter"
// @Param       fingerprint formData string false "Browser fingerprint of anonymous users"
// @Param       batch_id formData string false "Existing batch to add to"
// @Success     200 {object} models.UploadResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     429 {object} models.LimitResponse
// @Router      /api/v1/audio/upload [post]
func (h *UploadHandler) Upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to parse multipart form",
			Message: err.Error(),
		})
		return
	}
	form := c.Request.MultipartForm

	tool := c.PostForm("tool_code")
	if !validTool(tool) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid tool_code",
			Message: fmt.Sprintf("tool_code must be %s or %s", models.ToolVocalRemover, models.ToolAudioSplitter),
		})
		return
	}

	headers := uploadedFiles(form)
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "no files uploaded", Message: "send files in the file, file1, file2 fields"})
		return
	}
	if len(headers) > MaxFilesPerUpload {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "too many files",
			Message: fmt.Sprintf("at most %d files per upload, got %d", MaxFilesPerUpload, len(headers)),
		})
		return
	}

	id, err := requestIdentity(c, c.PostForm("user_id"), c.PostForm("fingerprint"))
	if err != nil {
		respondError(c, err)
		return
	}

	decision, err := h.limiter.CheckN(c.Request.Context(), id, tool, len(headers))
	if err != nil {
		respondError(c, err)
		return
	}
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, models.LimitResponse{
			Allowed:   false,
			Remaining: decision.Remaining,
			Limit:     decision.Limit,
			Requested: len(headers),
			Message:   decision.Message,
		})
		return
	}

	type upload struct {
		header *multipart.FileHeader
		data   []byte
		mime   string
	}
	uploads := make([]upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > h.MaxFileSize {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "file too large",
				Message: fmt.Sprintf("%s is %d bytes, limit is %d", fh.Filename, fh.Size, h.MaxFileSize),
			})
			return
		}
		data, err := readFile(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "failed to read file", Message: err.Error()})
			return
		}
		mime, ok := audioMimeType(fh, data)
		if !ok {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:   "unsupported file type",
				Message: fmt.Sprintf("%s is not an mp3, wav or flac file", fh.Filename),
			})
			return
		}
		uploads = append(uploads, upload{header: fh, data: data, mime: mime})
	}

	batchID := c.PostForm("batch_id")
	if batchID == "" {
		batchID = uuid.NewString()
	}

	ctx := c.Request.Context()
	files := make([]models.FileInfo, 0, len(uploads))
	for _, u := range uploads {
		key := storage.UploadKey(tool, u.header.Filename)
		if err := h.blobs.Put(ctx, key, u.data, u.mime); err != nil {
			respondError(c, fmt.Errorf("failed to store %s: %w", u.header.Filename, err))
			return
		}

		file := &models.UploadedFile{
			BatchID:          batchID,
			ToolType:         tool,
			StorageKey:       key,
			OriginalFileName: u.header.Filename,
			FileSize:         int64(len(u.data)),
			MimeType:         u.mime,
		}
		if id.Registered {
			file.UserID = sql.NullString{String: id.Value, Valid: true}
		} else {
			file.Fingerprint = sql.NullString{String: id.Value, Valid: true}
		}
		if err := h.repo.CreateFile(ctx, file); err != nil {
			if delErr := h.blobs.Delete(ctx, key); delErr != nil {
				log.WithError(delErr).WithField("key", key).Error("failed to remove orphaned upload")
			}
			respondError(c, err)
			return
		}
		files = append(files, models.NewFileInfo(file))
	}

	log.WithFields(log.Fields{"batch_id": batchID, "files": len(files), "tool": tool}).Info("files uploaded")
	c.JSON(http.StatusOK, models.UploadResponse{
		BatchID: batchID,
		Files:   files,
		Message: fmt.Sprintf("uploaded %d file(s)", len(files)),
	})
}

// uploadedFiles collects every file sent in a field named file*, in field order.
func uploadedFiles(form *multipart.Form) []*multipart.FileHeader {
	if form == nil {
		return nil
	}
	fields := make([]string, 0, len(form.File))
	for name := range form.File {
		if strings.HasPrefix(name, "file") {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)

	var out []*multipart.FileHeader
	for _, name := range fields {
		out = append(out, form.File[name]...)
	}
	return out
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// audioMimeType sniffs the content and falls back to the declared type and
// extension. It reports false for anything that is not audio.
func audioMimeType(fh *multipart.FileHeader, data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	detected := mimetype.Detect(data)
	if strings.HasPrefix(detected.String(), "audio/") {
		return detected.String(), true
	}
	if declared := fh.Header.Get("Content-Type"); strings.HasPrefix(declared, "audio/") {
		return declared, true
	}
	if mime, ok := audioExtensions[strings.ToLower(filepath.Ext(fh.Filename))]; ok {
		return mime, true
	}
	return "", false
}
