package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tyrannozavr/steamwatch/internal/fetcher"
)

// TypeParsingTask is the only message type workers execute; anything else is
// acked and dropped.
const TypeParsingTask = "parsing_task"

// Message headers.
const (
	HeaderRetryCount  = "x-retry-count"
	HeaderTaskID      = "x-task-id"
	HeaderPublishedAt = "x-published-at"
)

// ParsingTask is the wire body of one queued job.
type ParsingTask struct {
	Type     string          `json:"type"`
	TaskID   int64           `json:"task_id"`
	ItemName string          `json:"item_name"`
	AppID    int             `json:"appid"`
	Currency int             `json:"currency"`
	Filters  fetcher.Filters `json:"filters_json"`
}

// Encode serializes the message body.
func (t *ParsingTask) Encode() ([]byte, error) {
	if t.Type == "" {
		t.Type = TypeParsingTask
	}
	return json.Marshal(t)
}

// DecodeParsingTask parses a message body. The Filters field tolerates both
// the object and the string-wrapped historical encoding.
func DecodeParsingTask(body []byte) (*ParsingTask, error) {
	var t ParsingTask
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode parsing task: %w", err)
	}
	return &t, nil
}

// RetryDelay returns the redelivery backoff for the given retry count:
// 60s doubling per attempt, capped at 600s.
func RetryDelay(retryCount int) time.Duration {
	d := 60 * time.Second
	for i := 0; i < retryCount && d < 600*time.Second; i++ {
		d *= 2
	}
	if d > 600*time.Second {
		d = 600 * time.Second
	}
	return d
}
