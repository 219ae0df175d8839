package models_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"stemsplit-backend/internal/models"
)

func TestUploadedFile_Owner(t *testing.T) {
	both := &models.UploadedFile{
		UserID:      sql.NullString{String: "user-1", Valid: true},
		Fingerprint: sql.NullString{String: "fp-1", Valid: true},
	}
	value, registered := both.Owner()
	assert.Equal(t, "user-1", value)
	assert.True(t, registered)

	anon := &models.UploadedFile{Fingerprint: sql.NullString{String: "fp-1", Valid: true}}
	value, registered = anon.Owner()
	assert.Equal(t, "fp-1", value)
	assert.False(t, registered)

	value, _ = (&models.UploadedFile{}).Owner()
	assert.Empty(t, value)
}

func TestFileStatus_IsTerminal(t *testing.T) {
	assert.False(t, models.FileStatusUploaded.IsTerminal())
	assert.False(t, models.FileStatusProcessing.IsTerminal())
	assert.True(t, models.FileStatusProcessed.IsTerminal())
	assert.True(t, models.FileStatusFailed.IsTerminal())
}

func TestIsTerminalTaskStatus(t *testing.T) {
	assert.True(t, models.IsTerminalTaskStatus("completed"))
	assert.True(t, models.IsTerminalTaskStatus("failed"))
	assert.False(t, models.IsTerminalTaskStatus("running"))
	assert.False(t, models.IsTerminalTaskStatus("submitted"))
}

func TestAggregateStatus(t *testing.T) {
	p, f, r, u := models.FileStatusProcessed, models.FileStatusFailed, models.FileStatusProcessing, models.FileStatusUploaded

	assert.Equal(t, p, models.AggregateStatus([]models.FileStatus{p, p, p}))
	assert.Equal(t, f, models.AggregateStatus([]models.FileStatus{p, f, r}))
	assert.Equal(t, r, models.AggregateStatus([]models.FileStatus{p, r, u}))
	assert.Equal(t, u, models.AggregateStatus([]models.FileStatus{p, u}))
	assert.Equal(t, u, models.AggregateStatus(nil))
}
