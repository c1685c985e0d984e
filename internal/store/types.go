package store

import (
	"time"

	"github.com/tyrannozavr/steamwatch/internal/fetcher"
)

// MonitoringTask is the persistent specification for one watched item.
type MonitoringTask struct {
	ID            int64
	Name          string
	ItemName      string
	AppID         int
	Currency      int
	Filters       fetcher.Filters
	IsActive      bool
	CheckInterval int // seconds, never below MinCheckInterval
	TotalChecks   int64
	ItemsFound    int64
	LastCheck     *time.Time
	NextCheck     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MinCheckInterval is the floor enforced on task cadence, in seconds.
const MinCheckInterval = 10

// Interval returns the task cadence as a duration, clamped to the floor.
func (t *MonitoringTask) Interval() time.Duration {
	iv := t.CheckInterval
	if iv < MinCheckInterval {
		iv = MinCheckInterval
	}
	return time.Duration(iv) * time.Second
}

// TaskUpdate carries a partial update; nil fields are left untouched.
type TaskUpdate struct {
	Name          *string
	Filters       *fetcher.Filters
	CheckInterval *int
	IsActive      *bool
}

// FoundItem is one matched listing persisted for a task.
type FoundItem struct {
	ID                 int64
	TaskID             int64
	ItemName           string
	Price              float64
	ItemData           string // JSON-encoded parsed payload
	MarketURL          string
	NotificationSent   bool
	NotificationSentAt *time.Time
	FoundAt            time.Time
}

// Proxy is one HTTP proxy row. Block state lives in Redis, not here.
type Proxy struct {
	ID           int64
	URL          string
	IsActive     bool
	DelaySeconds float64
	SuccessCount int64
	FailCount    int64
	LastUsed     *time.Time
	CreatedAt    time.Time
}

// ProxySnapshot is the cache representation of an active proxy.
type ProxySnapshot struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	DelaySeconds float64    `json:"delay_seconds"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

// Stats is the aggregate view served by the admin API.
type Stats struct {
	TotalTasks   int64            `json:"total_tasks"`
	ActiveTasks  int64            `json:"active_tasks"`
	TotalFound   int64            `json:"total_found"`
	Unnotified   int64            `json:"unnotified_found"`
	TotalProxies int64            `json:"total_proxies"`
	ActiveProxies int64           `json:"active_proxies"`
	PerTask      []TaskStatsEntry `json:"per_task"`
}

// TaskStatsEntry is one task's slice of the statistics snapshot.
type TaskStatsEntry struct {
	TaskID      int64      `json:"task_id"`
	Name        string     `json:"name"`
	IsActive    bool       `json:"is_active"`
	TotalChecks int64      `json:"total_checks"`
	ItemsFound  int64      `json:"items_found"`
	LastCheck   *time.Time `json:"last_check,omitempty"`
	NextCheck   *time.Time `json:"next_check,omitempty"`
}
