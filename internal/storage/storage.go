package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

// BlobStore stores binary objects by key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// UploadKey builds uploads/{tool}/{uuid}.{ext} for an uploaded source file.
func UploadKey(tool, filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("uploads/%s/%s.%s", tool, uuid.NewString(), ext)
}

// ResultKey builds results/{fileId}/{resultType} for one output stem.
func ResultKey(fileID int64, resultType string) string {
	return fmt.Sprintf("results/%d/%s", fileID, path.Base(resultType))
}

// PublicURL joins a public base URL and an object key. An empty base yields "".
func PublicURL(baseURL, key string) string {
	if baseURL == "" {
		return ""
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + key
}
