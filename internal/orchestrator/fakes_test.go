package orchestrator_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/separation"
	"stemsplit-backend/internal/usage"
)

// instantClock fires every After immediately and advances its own time.
type instantClock struct {
	mu    sync.Mutex
	now   time.Time
	waits int
}

func newInstantClock() *instantClock {
	return &instantClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits++
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *instantClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *instantClock) Waited() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

type pollFunc func(ctx context.Context, taskID string, attempt int) (*separation.TaskStatus, error)

type fakeEngine struct {
	mu        sync.Mutex
	submitErr map[string]error
	submitted []separation.SubmitRequest
	poll      pollFunc
	polls     map[string]int
	outputs   map[string][]byte
	fetchErr  map[string]error
	fetched   []string
}

func newFakeEngine(poll pollFunc) *fakeEngine {
	return &fakeEngine{
		submitErr: map[string]error{},
		poll:      poll,
		polls:     map[string]int{},
		outputs:   map[string][]byte{},
		fetchErr:  map[string]error{},
	}
}

func (e *fakeEngine) Submit(_ context.Context, req separation.SubmitRequest) (*separation.SubmitResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.submitErr[req.Filename]; err != nil {
		return nil, err
	}
	e.submitted = append(e.submitted, req)
	return &separation.SubmitResponse{
		TaskID:  fmt.Sprintf("task-%s", req.Filename),
		Status:  models.TaskStatusQueued,
		Message: "accepted",
	}, nil
}

func (e *fakeEngine) Poll(ctx context.Context, taskID string) (*separation.TaskStatus, error) {
	e.mu.Lock()
	e.polls[taskID]++
	attempt := e.polls[taskID]
	e.mu.Unlock()
	return e.poll(ctx, taskID, attempt)
}

func (e *fakeEngine) FetchOutput(_ context.Context, taskID, filename string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetched = append(e.fetched, filename)
	if err := e.fetchErr[filename]; err != nil {
		return nil, err
	}
	return append([]byte(taskID+"/"), e.outputs[filename]...), nil
}

func (e *fakeEngine) PollCount(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls[taskID]
}

func (e *fakeEngine) Submitted() []separation.SubmitRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]separation.SubmitRequest(nil), e.submitted...)
}

func running() (*separation.TaskStatus, error) {
	return &separation.TaskStatus{Status: models.TaskStatusRunning, Message: "separating", Progress: 40}, nil
}

func completed(outputs ...string) (*separation.TaskStatus, error) {
	return &separation.TaskStatus{
		Status:      models.TaskStatusCompleted,
		Message:     "done",
		Progress:    100,
		OutputFiles: outputs,
		CreatedAt:   separation.Timestamp{Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), Valid: true},
		CompletedAt: separation.Timestamp{Time: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC), Valid: true},
	}, nil
}

// fakeStore is an in-memory file, task, result, blob and usage store.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	files    map[int64]*models.UploadedFile
	tasks    map[int64]*models.ProcessingTask
	results  map[int64][]models.ResultDetail
	blobs    map[string][]byte
	usage    map[string]int
	saveErr  map[string]error
	usageErr error

	clock   *instantClock
	touched map[int64]time.Time
	// when set, Get signals getting and waits for release
	getting chan struct{}
	release chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:   map[int64]*models.UploadedFile{},
		tasks:   map[int64]*models.ProcessingTask{},
		results: map[int64][]models.ResultDetail{},
		blobs:   map[string][]byte{},
		usage:   map[string]int{},
		saveErr: map[string]error{},
		touched: map[int64]time.Time{},
	}
}

func (s *fakeStore) now() time.Time {
	if s.clock == nil {
		return time.Time{}
	}
	return s.clock.Now()
}

func (s *fakeStore) addFile(name, tool, fingerprint string, status models.FileStatus, data []byte) *models.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	file := &models.UploadedFile{
		ID:               s.nextID,
		Fingerprint:      sql.NullString{String: fingerprint, Valid: fingerprint != ""},
		BatchID:          "batch-1",
		ToolType:         tool,
		StorageKey:       "uploads/" + tool + "/" + name,
		OriginalFileName: name,
		FileSize:         int64(len(data)),
		MimeType:         "audio/wav",
		Status:           status,
	}
	s.files[file.ID] = file
	s.touched[file.ID] = s.now()
	s.blobs[file.StorageKey] = data
	return file
}

func (s *fakeStore) file(id int64) models.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.files[id]
}

func (s *fakeStore) task(fileID int64) *models.ProcessingTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[fileID]; ok {
		copied := *t
		return &copied
	}
	return nil
}

func (s *fakeStore) resultsFor(fileID int64) []models.ResultDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ResultDetail(nil), s.results[fileID]...)
}

func (s *fakeStore) used(identity, tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[identity+"/"+tool]
}

func (s *fakeStore) GetFile(_ context.Context, id int64) (*models.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, database.ErrNotFound)
	}
	copied := *f
	return &copied, nil
}

func (s *fakeStore) ListProcessingFiles(context.Context) ([]models.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UploadedFile
	for id := int64(1); id <= s.nextID; id++ {
		if f, ok := s.files[id]; ok && f.Status == models.FileStatusProcessing {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[id]
	if f == nil || f.Status != models.FileStatusUploaded {
		return false, nil
	}
	f.Status = models.FileStatusProcessing
	s.touched[id] = s.now()
	return true, nil
}

func (s *fakeStore) ClaimStale(_ context.Context, id int64, idle time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[id]
	if f == nil || f.Status != models.FileStatusProcessing || s.now().Sub(s.touched[id]) < idle {
		return false, nil
	}
	s.touched[id] = s.now()
	return true, nil
}

func (s *fakeStore) Touch(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.files[id]; f != nil && f.Status == models.FileStatusProcessing {
		s.touched[id] = s.now()
	}
	return nil
}

func (s *fakeStore) MarkProcessed(_ context.Context, id int64) error {
	return s.finish(id, models.FileStatusProcessed, "")
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, message string) error {
	return s.finish(id, models.FileStatusFailed, message)
}

func (s *fakeStore) finish(id int64, status models.FileStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[id]
	if f == nil || f.Status != models.FileStatusProcessing {
		return database.ErrInvalidTransition
	}
	f.Status = status
	f.ErrorMessage = sql.NullString{String: message, Valid: message != ""}
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, fileID int64, engineTaskID, status, message string) (*models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[fileID]; ok {
		return nil, errors.New("duplicate task")
	}
	task := &models.ProcessingTask{UploadFileID: fileID, EngineTaskID: engineTaskID, TaskStatus: status, TaskMessage: message}
	s.tasks[fileID] = task
	copied := *task
	return &copied, nil
}

func (s *fakeStore) UpdateTask(_ context.Context, fileID int64, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[fileID]
	if !ok {
		return database.ErrNotFound
	}
	if taskRank(task.TaskStatus) == 3 || taskRank(status) < taskRank(task.TaskStatus) {
		return nil
	}
	task.TaskStatus, task.TaskMessage = status, message
	return nil
}

func taskRank(status string) int {
	switch status {
	case models.TaskStatusQueued:
		return 1
	case models.TaskStatusRunning:
		return 2
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		return 3
	}
	return 0
}

func (s *fakeStore) CompleteTask(_ context.Context, fileID int64, status, message string, durationMs int64, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[fileID]
	if !ok {
		return database.ErrNotFound
	}
	task.TaskStatus, task.TaskMessage = status, message
	task.ProcessingTimeMs = sql.NullInt64{Int64: durationMs, Valid: true}
	task.ExpectedOutputs = sql.NullInt64{Int64: int64(expected), Valid: true}
	return nil
}

func (s *fakeStore) SetMissingOutputs(_ context.Context, fileID int64, missing []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[fileID]
	if !ok {
		return database.ErrNotFound
	}
	task.MissingOutputs = missing
	return nil
}

func (s *fakeStore) GetTaskByFileID(_ context.Context, fileID int64) (*models.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[fileID]
	if !ok {
		return nil, fmt.Errorf("task for file %d: %w", fileID, database.ErrNotFound)
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) Save(_ context.Context, fileID int64, resultType string, data []byte, mimeType string) (*models.ResultDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr[resultType]; err != nil {
		return nil, err
	}
	key := fmt.Sprintf("results/%d/%s", fileID, resultType)
	s.blobs[key] = data
	detail := models.ResultDetail{
		ID: int64(len(s.results[fileID]) + 1), UploadFileID: fileID, ResultType: resultType,
		StorageKey: key, FileSize: int64(len(data)), MimeType: mimeType,
	}
	// one row per result type, like the unique index
	for i, existing := range s.results[fileID] {
		if existing.ResultType == resultType {
			detail.ID = existing.ID
			s.results[fileID][i] = detail
			return &detail, nil
		}
	}
	s.results[fileID] = append(s.results[fileID], detail)
	return &detail, nil
}

func (s *fakeStore) Stored(_ context.Context, fileID int64) ([]models.ResultDetail, error) {
	return s.resultsFor(fileID), nil
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.release != nil {
		s.getting <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (s *fakeStore) Increment(_ context.Context, id usage.Identity, toolCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return s.usageErr
	}
	s.usage[id.Value+"/"+toolCode]++
	return nil
}
