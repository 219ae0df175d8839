package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventStateChanged = "state_changed"
	EventPollProgress = "poll_progress"
	EventCompleted    = "completed"
	EventFailed       = "failed"
)

// Event is what subscribers of a file or batch channel receive.
type Event struct {
	Type    string         `json:"type"`
	FileID  int64          `json:"file_id"`
	BatchID string         `json:"batch_id,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Publisher announces job progress. Publishing is best effort: callers log
// errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher fans events out over Redis pub/sub on {prefix}:file:{id}
// and, when the event carries a batch id, {prefix}:batch:{id}.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "stemsplit"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) FileChannel(fileID int64) string {
	return fmt.Sprintf("%s:file:%d", p.prefix, fileID)
}

func (p *RedisPublisher) BatchChannel(batchID string) string {
	return fmt.Sprintf("%s:batch:%s", p.prefix, batchID)
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := p.client.Publish(ctx, p.FileChannel(event.FileID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if event.BatchID != "" {
		if err := p.client.Publish(ctx, p.BatchChannel(event.BatchID), body).Err(); err != nil {
			return fmt.Errorf("failed to publish batch event: %w", err)
		}
	}
	return nil
}

// NopPublisher drops every event. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Event payloads

func StateChanged(fileID int64, batchID, state, engineTaskID string) Event {
	payload := map[string]any{"state": state}
	if engineTaskID != "" {
		payload["engine_task_id"] = engineTaskID
	}
	return Event{Type: EventStateChanged, FileID: fileID, BatchID: batchID, Payload: payload}
}

func PollProgress(fileID int64, batchID, taskStatus string, progress float64, attempt int) Event {
	return Event{
		Type:    EventPollProgress,
		FileID:  fileID,
		BatchID: batchID,
		Payload: map[string]any{
			"task_status": taskStatus,
			"progress":    progress,
			"attempt":     attempt,
		},
	}
}

func Completed(fileID int64, batchID string, resultCount int, missing []string) Event {
	return Event{
		Type:    EventCompleted,
		FileID:  fileID,
		BatchID: batchID,
		Payload: map[string]any{
			"status":       "processed",
			"result_count": resultCount,
			"missing":      missing,
		},
	}
}

func Failed(fileID int64, batchID, errorMsg string) Event {
	return Event{
		Type:    EventFailed,
		FileID:  fileID,
		BatchID: batchID,
		Payload: map[string]any{
			"status": "failed",
			"error":  errorMsg,
		},
	}
}
