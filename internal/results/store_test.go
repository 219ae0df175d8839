package results_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stemsplit-backend/internal/models"
	"stemsplit-backend/internal/results"
)

type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
	puts     int
	deleted  []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.puts <= f.failPuts {
		return errors.New("storage unavailable")
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeDetails struct {
	err     error
	listErr error
	details []models.ResultDetail
}

func (f *fakeDetails) ListResultsByFileID(_ context.Context, fileID int64) ([]models.ResultDetail, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.ResultDetail
	for _, d := range f.details {
		if d.UploadFileID == fileID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDetails) CreateResultDetail(_ context.Context, detail *models.ResultDetail) error {
	if f.err != nil {
		return f.err
	}
	detail.ID = int64(len(f.details) + 1)
	f.details = append(f.details, *detail)
	return nil
}

func TestStore_Save(t *testing.T) {
	blobs, details := newFakeBlobs(), &fakeDetails{}
	store := results.NewStore(blobs, details)

	detail, err := store.Save(context.Background(), 7, "vocals.mp3", []byte("ID3abc"), "audio/mpeg")
	require.NoError(t, err)

	assert.Equal(t, "results/7/vocals.mp3", detail.StorageKey)
	assert.Equal(t, int64(6), detail.FileSize)
	assert.Equal(t, "audio/mpeg", detail.MimeType)
	assert.Equal(t, []byte("ID3abc"), blobs.objects["results/7/vocals.mp3"])
	assert.Len(t, details.details, 1)
}

func TestStore_Save_RetriesPut(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.failPuts = 2
	store := results.NewStore(blobs, &fakeDetails{}).WithRetry(3, time.Millisecond)

	_, err := store.Save(context.Background(), 1, "bass.mp3", []byte("x"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, 3, blobs.puts)
}

func TestStore_Save_PutExhausted(t *testing.T) {
	blobs, details := newFakeBlobs(), &fakeDetails{}
	blobs.failPuts = 10
	store := results.NewStore(blobs, details).WithRetry(3, time.Millisecond)

	_, err := store.Save(context.Background(), 1, "bass.mp3", []byte("x"), "audio/mpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage unavailable")
	assert.Equal(t, 3, blobs.puts)
	assert.Empty(t, details.details)
}

func TestStore_Save_RemovesOrphanOnInsertFailure(t *testing.T) {
	blobs := newFakeBlobs()
	store := results.NewStore(blobs, &fakeDetails{err: errors.New("db down")})

	_, err := store.Save(context.Background(), 3, "drums.mp3", []byte("x"), "audio/mpeg")
	require.Error(t, err)
	assert.Equal(t, []string{"results/3/drums.mp3"}, blobs.deleted)
	assert.Empty(t, blobs.objects)
}

func TestStore_Save_KeepsReferencedBlobOnInsertFailure(t *testing.T) {
	blobs, details := newFakeBlobs(), &fakeDetails{}
	store := results.NewStore(blobs, details)

	_, err := store.Save(context.Background(), 3, "drums.mp3", []byte("first"), "audio/mpeg")
	require.NoError(t, err)

	details.err = errors.New("db down")
	_, err = store.Save(context.Background(), 3, "drums.mp3", []byte("second"), "audio/mpeg")
	require.Error(t, err)

	assert.Empty(t, blobs.deleted)
	assert.Contains(t, blobs.objects, "results/3/drums.mp3")
}

func TestStore_Save_KeepsBlobWhenRowsUnreadable(t *testing.T) {
	blobs := newFakeBlobs()
	store := results.NewStore(blobs, &fakeDetails{err: errors.New("db down"), listErr: errors.New("db down")})

	_, err := store.Save(context.Background(), 3, "drums.mp3", []byte("x"), "audio/mpeg")
	require.Error(t, err)
	assert.Empty(t, blobs.deleted)
}

func TestStore_Stored(t *testing.T) {
	details := &fakeDetails{}
	store := results.NewStore(newFakeBlobs(), details)

	_, err := store.Save(context.Background(), 4, "vocals.mp3", []byte("v"), "audio/mpeg")
	require.NoError(t, err)
	_, err = store.Save(context.Background(), 5, "vocals.mp3", []byte("v"), "audio/mpeg")
	require.NoError(t, err)

	stored, err := store.Stored(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "results/4/vocals.mp3", stored[0].StorageKey)
}
