package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
)

// SupabaseStore keeps objects in a Supabase Storage bucket.
type SupabaseStore struct {
	client  *storage_go.Client
	bucket  string
	baseURL string
}

func NewSupabaseStore(supabaseURL, serviceKey, bucket string) *SupabaseStore {
	baseURL := strings.TrimSuffix(supabaseURL, "/")
	client := storage_go.NewClient(baseURL+"/storage/v1", serviceKey, nil)

	return &SupabaseStore{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
	}
}

func (s *SupabaseStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	upsert := true
	_, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *SupabaseStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}

func (s *SupabaseStore) Delete(_ context.Context, key string) error {
	if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// PublicBaseURL is the prefix objects in a public bucket are served from.
func (s *SupabaseStore) PublicBaseURL() string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s", s.baseURL, s.bucket)
}
