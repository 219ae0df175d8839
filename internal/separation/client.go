package separation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrEngineUnavailable means a submission did not reach the engine or was
	// rejected by it. No task can be assumed to exist.
	ErrEngineUnavailable = errors.New("separation engine unavailable")
	// ErrPollTransient means a single status poll failed and may be retried.
	ErrPollTransient = errors.New("task status poll failed")
	// ErrTaskUnknown means the engine has no record of the task id.
	ErrTaskUnknown = errors.New("engine task not found")
	// ErrFetchFailed means one output file could not be downloaded.
	ErrFetchFailed = errors.New("output fetch failed")

	ErrEmptyFile = errors.New("file data is empty")
)

// Timeouts bound each engine call independently of the overall job ceiling.
type Timeouts struct {
	Submit time.Duration
	Poll   time.Duration
	Fetch  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Submit: 60 * time.Second,
		Poll:   30 * time.Second,
		Fetch:  600 * time.Second,
	}
}

type Client struct {
	http     *resty.Client
	timeouts Timeouts
}

type SubmitRequest struct {
	Data        []byte
	Filename    string
	MimeType    string
	Model       string
	Stems       string
	SoundSource string
}

type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type TaskStatus struct {
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Progress    float64   `json:"progress"`
	OutputFiles []string  `json:"output_files"`
	CreatedAt   Timestamp `json:"created_at"`
	CompletedAt Timestamp `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
}

// ProcessingDuration returns completed_at - created_at in milliseconds, or 0
// when the engine did not report both timestamps.
func (t *TaskStatus) ProcessingDuration() int64 {
	if !t.CreatedAt.Valid || !t.CompletedAt.Valid {
		return 0
	}
	d := t.CompletedAt.Time.Sub(t.CreatedAt.Time).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

func NewClient(baseURL string, timeouts Timeouts) *Client {
	defaults := DefaultTimeouts()
	if timeouts.Submit <= 0 {
		timeouts.Submit = defaults.Submit
	}
	if timeouts.Poll <= 0 {
		timeouts.Poll = defaults.Poll
	}
	if timeouts.Fetch <= 0 {
		timeouts.Fetch = defaults.Fetch
	}

	return &Client{
		http:     resty.New().SetBaseURL(strings.TrimSuffix(baseURL, "/")),
		timeouts: timeouts,
	}
}

// Submit uploads the audio and queues a separation task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if len(req.Data) == 0 {
		return nil, ErrEmptyFile
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Submit)
	defer cancel()

	params := map[string]string{
		"use_queue": "true",
		"model":     req.Model,
		"stems":     req.Stems,
		"mp3":       "false",
	}
	if req.SoundSource != "" {
		params["sound_source"] = req.SoundSource
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetMultipartField("file", req.Filename, mimeType, bytes.NewReader(req.Data)).
		Post("/separate")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status %d, body: %s", ErrEngineUnavailable, resp.StatusCode(), resp.String())
	}

	var result SubmitResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v, body: %s", ErrEngineUnavailable, err, resp.String())
	}
	if result.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is empty in response, body: %s", ErrEngineUnavailable, resp.String())
	}

	return &result, nil
}

// Poll fetches the current status of a task.
func (c *Client) Poll(ctx context.Context, taskID string) (*TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Poll)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("taskID", taskID).
		Get("/task/{taskID}")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPollTransient, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTaskUnknown, taskID)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status %d, body: %s", ErrPollTransient, resp.StatusCode(), resp.String())
	}

	var result TaskStatus
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrPollTransient, err)
	}

	return &result, nil
}

// FetchOutput downloads one output file of a completed task.
func (c *Client) FetchOutput(ctx context.Context, taskID, filename string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Fetch)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"taskID":   taskID,
			"filename": filename,
		}).
		Get("/download/{taskID}/{filename}")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, filename, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, filename, resp.StatusCode())
	}

	return resp.Body(), nil
}
