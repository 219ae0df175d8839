package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"stemsplit-backend/internal/models"
)

const resultColumns = `r.id, r.upload_file_id, r.result_type, r.storage_key, r.file_size, r.mime_type, r.created_at`

func scanResult(row rowScanner, r *models.ResultDetail) error {
	return row.Scan(&r.ID, &r.UploadFileID, &r.ResultType, &r.StorageKey, &r.FileSize, &r.MimeType, &r.CreatedAt)
}

// CreateResultDetail records a stored output. A file has at most one row per
// result type; saving the same type again updates that row in place.
func (c *Client) CreateResultDetail(ctx context.Context, detail *models.ResultDetail) error {
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO processing_result_details AS r (upload_file_id, result_type, storage_key, file_size, mime_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (upload_file_id, result_type) DO UPDATE SET
			storage_key = EXCLUDED.storage_key,
			file_size = EXCLUDED.file_size,
			mime_type = EXCLUDED.mime_type
		RETURNING `+resultColumns,
		detail.UploadFileID, detail.ResultType, detail.StorageKey, detail.FileSize, detail.MimeType,
	)
	if err := scanResult(row, detail); err != nil {
		return fmt.Errorf("failed to create result detail: %w", err)
	}
	return nil
}

func (c *Client) ListResultsByFileID(ctx context.Context, fileID int64) ([]models.ResultDetail, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM processing_result_details r
		WHERE r.upload_file_id = $1
		ORDER BY r.id
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []models.ResultDetail
	for rows.Next() {
		var r models.ResultDetail
		if err := scanResult(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return results, nil
}

// ListResultsByFileIDs returns the stored outputs of the given files grouped by file id.
func (c *Client) ListResultsByFileIDs(ctx context.Context, ids []int64) (map[int64][]models.ResultDetail, error) {
	return c.groupResults(ctx, `
		SELECT `+resultColumns+`
		FROM processing_result_details r
		WHERE r.upload_file_id = ANY($1)
		ORDER BY r.upload_file_id, r.id
	`, pq.Array(ids))
}

// ListResultsByBatch returns the stored outputs of a batch grouped by upload file id.
func (c *Client) ListResultsByBatch(ctx context.Context, batchID string) (map[int64][]models.ResultDetail, error) {
	return c.groupResults(ctx, `
		SELECT `+resultColumns+`
		FROM processing_result_details r
		JOIN upload_files f ON f.id = r.upload_file_id
		WHERE f.batch_id = $1
		ORDER BY r.upload_file_id, r.id
	`, batchID)
}

func (c *Client) groupResults(ctx context.Context, query string, args ...any) (map[int64][]models.ResultDetail, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	grouped := make(map[int64][]models.ResultDetail)
	for rows.Next() {
		var r models.ResultDetail
		if err := scanResult(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		grouped[r.UploadFileID] = append(grouped[r.UploadFileID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return grouped, nil
}
