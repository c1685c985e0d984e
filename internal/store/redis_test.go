package store

import (
	"testing"
	"time"
)

func TestParseLockAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	age, ok := parseLockAge(now.Add(-15*time.Minute).Format(time.RFC3339), now)
	if !ok {
		t.Fatal("expected a parseable timestamp")
	}
	if age != 15*time.Minute {
		t.Fatalf("age = %s, want 15m", age)
	}

	// Clock skew can put the acquisition in the future; age clamps to zero.
	age, ok = parseLockAge(now.Add(time.Minute).Format(time.RFC3339), now)
	if !ok || age != 0 {
		t.Fatalf("future timestamp: age=%s ok=%v, want 0 true", age, ok)
	}

	if _, ok := parseLockAge("not-a-timestamp", now); ok {
		t.Fatal("garbage value must not parse")
	}
}

func TestRedisKeys(t *testing.T) {
	if got := TaskRunningKey(42); got != "task_running:42" {
		t.Errorf("TaskRunningKey = %q", got)
	}
	if got := ProxyBlockedKey(7); got != "proxy:blocked:7" {
		t.Errorf("ProxyBlockedKey = %q", got)
	}
}
