package handlers_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/orchestrator"
	"stemsplit-backend/internal/storage"
	"stemsplit-backend/internal/usage"
)

type fakeRepo struct {
	mu      sync.Mutex
	nextID  int64
	files   map[int64]*models.UploadedFile
	tasks   map[int64]*models.ProcessingTask
	results map[int64][]models.ResultDetail
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		files:   map[int64]*models.UploadedFile{},
		tasks:   map[int64]*models.ProcessingTask{},
		results: map[int64][]models.ResultDetail{},
	}
}

func (r *fakeRepo) CreateFile(_ context.Context, file *models.UploadedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	file.ID = r.nextID
	if file.Status == "" {
		file.Status = models.FileStatusUploaded
	}
	file.CreatedAt = time.Now()
	stored := *file
	r.files[file.ID] = &stored
	return nil
}

// addFile stores a file owned by a fingerprint, or by a user when the
// fingerprint starts with "user:".
func (r *fakeRepo) addFile(batchID, owner string, status models.FileStatus) *models.UploadedFile {
	f := &models.UploadedFile{
		BatchID:          batchID,
		ToolType:         models.ToolAudioSplitter,
		StorageKey:       "uploads/audio_splitter/x.mp3",
		OriginalFileName: "song.mp3",
		MimeType:         "audio/mpeg",
		Status:           status,
	}
	if len(owner) > 5 && owner[:5] == "user:" {
		f.UserID = sql.NullString{String: owner[5:], Valid: true}
	} else {
		f.Fingerprint = sql.NullString{String: owner, Valid: true}
	}
	_ = r.CreateFile(context.Background(), f)
	return f
}

func (r *fakeRepo) GetFile(_ context.Context, id int64) (*models.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *f
	return &out, nil
}

func (r *fakeRepo) ListFilesByBatch(_ context.Context, batchID string) ([]models.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.UploadedFile
	for id := int64(1); id <= r.nextID; id++ {
		if f, ok := r.files[id]; ok && f.BatchID == batchID {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetTaskByFileID(_ context.Context, fileID int64) (*models.ProcessingTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[fileID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return t, nil
}

func (r *fakeRepo) ListTasksByBatch(_ context.Context, batchID string) (map[int64]*models.ProcessingTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64]*models.ProcessingTask{}
	for id, t := range r.tasks {
		if f, ok := r.files[id]; ok && f.BatchID == batchID {
			out[id] = t
		}
	}
	return out, nil
}

func (r *fakeRepo) ListResultsByFileID(_ context.Context, fileID int64) ([]models.ResultDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[fileID], nil
}

func (r *fakeRepo) ListResultsByBatch(_ context.Context, batchID string) (map[int64][]models.ResultDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64][]models.ResultDetail{}
	for id, rs := range r.results {
		if f, ok := r.files[id]; ok && f.BatchID == batchID {
			out[id] = rs
		}
	}
	return out, nil
}

func (r *fakeRepo) ListFilesByOwner(_ context.Context, owner string, registered bool, limit, offset int) ([]models.UploadedFile, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.UploadedFile
	for id := r.nextID; id >= 1; id-- {
		f, ok := r.files[id]
		if !ok {
			continue
		}
		if value, reg := f.Owner(); value == owner && reg == registered {
			all = append(all, *f)
		}
	}
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], len(all), nil
}

func (r *fakeRepo) ListTasksByFileIDs(_ context.Context, ids []int64) (map[int64]*models.ProcessingTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64]*models.ProcessingTask{}
	for _, id := range ids {
		if t, ok := r.tasks[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (r *fakeRepo) ListResultsByFileIDs(_ context.Context, ids []int64) (map[int64][]models.ResultDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int64][]models.ResultDetail{}
	for _, id := range ids {
		if rs, ok := r.results[id]; ok {
			out[id] = rs
		}
	}
	return out, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: map[string][]byte{}}
}

func (b *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	return nil
}

func (b *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (b *fakeBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []orchestrator.ProcessRequest
	errs map[int64]error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req orchestrator.ProcessRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[req.FileID]; err != nil {
		return err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *fakeDispatcher) DispatchBatch(ctx context.Context, reqs []orchestrator.ProcessRequest) []error {
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		errs[i] = d.Dispatch(ctx, req)
	}
	return errs
}

type fakeProcessor struct {
	results map[int64]*orchestrator.CompletionResult
	errs    map[int64]error
	// hook runs before each job with the job's context
	hook func(ctx context.Context)
}

func (p *fakeProcessor) Process(ctx context.Context, req orchestrator.ProcessRequest) (*orchestrator.CompletionResult, error) {
	if p.hook != nil {
		p.hook(ctx)
	}
	if err := p.errs[req.FileID]; err != nil {
		return nil, err
	}
	return p.results[req.FileID], nil
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, reqs []orchestrator.ProcessRequest) []orchestrator.BatchItem {
	items := make([]orchestrator.BatchItem, len(reqs))
	for i, req := range reqs {
		result, err := p.Process(ctx, req)
		items[i] = orchestrator.BatchItem{FileID: req.FileID, Result: result, Err: err}
	}
	return items
}

func newTestLimiter(t *testing.T) *usage.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return usage.NewLimiter(usage.NewRedisStore(client, "test"), clk, 3, 1)
}
