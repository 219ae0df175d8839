package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stemsplit-backend/internal/models"
)

const fileColumns = `id, user_id, fingerprint, batch_id, tool_type, storage_key, original_file_name,
	file_size, mime_type, status, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner, f *models.UploadedFile) error {
	return row.Scan(
		&f.ID, &f.UserID, &f.Fingerprint, &f.BatchID, &f.ToolType, &f.StorageKey, &f.OriginalFileName,
		&f.FileSize, &f.MimeType, &f.Status, &f.ErrorMessage, &f.CreatedAt, &f.UpdatedAt,
	)
}

// CreateFile inserts a new upload in status uploaded and fills in its id and timestamps.
func (c *Client) CreateFile(ctx context.Context, file *models.UploadedFile) error {
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO upload_files (user_id, fingerprint, batch_id, tool_type, storage_key,
			original_file_name, file_size, mime_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+fileColumns,
		file.UserID, file.Fingerprint, file.BatchID, file.ToolType, file.StorageKey,
		file.OriginalFileName, file.FileSize, file.MimeType, models.FileStatusUploaded,
	).Scan(
		&file.ID, &file.UserID, &file.Fingerprint, &file.BatchID, &file.ToolType, &file.StorageKey,
		&file.OriginalFileName, &file.FileSize, &file.MimeType, &file.Status, &file.ErrorMessage,
		&file.CreatedAt, &file.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

func (c *Client) GetFile(ctx context.Context, id int64) (*models.UploadedFile, error) {
	var file models.UploadedFile
	row := c.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM upload_files WHERE id = $1`, id)
	if err := scanFile(row, &file); err != nil {
		return nil, notFound(err, fmt.Sprintf("file %d", id))
	}
	return &file, nil
}

func (c *Client) ListFilesByBatch(ctx context.Context, batchID string) ([]models.UploadedFile, error) {
	return c.listFiles(ctx, `SELECT `+fileColumns+` FROM upload_files WHERE batch_id = $1 ORDER BY id`, batchID)
}

// ListProcessingFiles returns files left in status processing, oldest first.
func (c *Client) ListProcessingFiles(ctx context.Context) ([]models.UploadedFile, error) {
	return c.listFiles(ctx, `SELECT `+fileColumns+` FROM upload_files WHERE status = $1 ORDER BY id`,
		models.FileStatusProcessing)
}

// ClaimStale takes over a processing file nobody has touched for idle by
// bumping its updated_at. It reports false when the file is not in
// processing or a live job touched it recently.
func (c *Client) ClaimStale(ctx context.Context, id int64, idle time.Duration) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE upload_files
		SET updated_at = NOW()
		WHERE id = $1 AND status = $2
			AND updated_at < NOW() - ($3 * INTERVAL '1 millisecond')
	`, id, models.FileStatusProcessing, idle.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim stale file %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim stale file %d: %w", id, err)
	}
	return n == 1, nil
}

// Touch marks a processing file as alive. Files in other states are left alone.
func (c *Client) Touch(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE upload_files SET updated_at = NOW() WHERE id = $1 AND status = $2
	`, id, models.FileStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to touch file %d: %w", id, err)
	}
	return nil
}

// ListFilesByOwner returns one page of an owner's files, newest first, and
// the owner's total file count. registered selects user_id over fingerprint.
func (c *Client) ListFilesByOwner(ctx context.Context, owner string, registered bool, limit, offset int) ([]models.UploadedFile, int, error) {
	where := `fingerprint = $1 AND user_id IS NULL`
	if registered {
		where = `user_id = $1`
	}

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_files WHERE `+where, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	files, err := c.listFiles(ctx, `SELECT `+fileColumns+` FROM upload_files WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (c *Client) listFiles(ctx context.Context, query string, args ...any) ([]models.UploadedFile, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []models.UploadedFile
	for rows.Next() {
		var file models.UploadedFile
		if err := scanFile(rows, &file); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// MarkProcessing moves a file from uploaded to processing. It reports false
// when the file was not in uploaded, which includes losing a concurrent race.
func (c *Client) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE upload_files
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.FileStatusProcessing, id, models.FileStatusUploaded)
	if err != nil {
		return false, fmt.Errorf("failed to mark file %d processing: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark file %d processing: %w", id, err)
	}
	return n == 1, nil
}

func (c *Client) MarkProcessed(ctx context.Context, id int64) error {
	return c.finishFile(ctx, id, models.FileStatusProcessed, sql.NullString{})
}

func (c *Client) MarkFailed(ctx context.Context, id int64, message string) error {
	return c.finishFile(ctx, id, models.FileStatusFailed, sql.NullString{String: message, Valid: true})
}

func (c *Client) finishFile(ctx context.Context, id int64, status models.FileStatus, message sql.NullString) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE upload_files
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, status, message, id, models.FileStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark file %d %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark file %d %s: %w", id, status, err)
	}
	if n == 0 {
		return fmt.Errorf("file %d to %s: %w", id, status, ErrInvalidTransition)
	}
	return nil
}
