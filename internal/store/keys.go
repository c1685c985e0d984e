package store

import "fmt"

// Redis key namespace. All coordination state shares these fixed shapes so
// operators can inspect it by pattern.
const (
	// ProxyCacheKey holds the JSON array of active proxy snapshots.
	ProxyCacheKey = "proxies:active"
	// FoundItemsChannel is the pub/sub channel for found-item events.
	FoundItemsChannel = "found_items"
)

// TaskRunningKey names the per-task mutual-exclusion lock.
// Format: task_running:{task_id}
func TaskRunningKey(taskID int64) string {
	return fmt.Sprintf("task_running:%d", taskID)
}

// ProxyBlockedKey names the temporary block marker for a proxy.
// Format: proxy:blocked:{proxy_id}
func ProxyBlockedKey(proxyID int64) string {
	return fmt.Sprintf("proxy:blocked:%d", proxyID)
}
