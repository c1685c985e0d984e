package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tyrannozavr/steamwatch/internal/broker"
	"github.com/tyrannozavr/steamwatch/internal/proxy"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

type mockTaskStore struct {
	tasks  map[int64]*store.MonitoringTask
	nextID int64
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: make(map[int64]*store.MonitoringTask), nextID: 1}
}

func (m *mockTaskStore) CreateTask(ctx context.Context, t *store.MonitoringTask) (int64, error) {
	if t.CheckInterval < store.MinCheckInterval {
		t.CheckInterval = store.MinCheckInterval
	}
	t.ID = m.nextID
	t.CreatedAt = time.Now()
	m.tasks[t.ID] = t
	m.nextID++
	return t.ID, nil
}

func (m *mockTaskStore) GetTask(ctx context.Context, id int64) (*store.MonitoringTask, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (m *mockTaskStore) ListTasks(ctx context.Context, activeOnly bool) ([]*store.MonitoringTask, error) {
	var out []*store.MonitoringTask
	for i := int64(1); i < m.nextID; i++ {
		if t, ok := m.tasks[i]; ok && (!activeOnly || t.IsActive) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTaskStore) UpdateTask(ctx context.Context, id int64, u store.TaskUpdate) (*store.MonitoringTask, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.IsActive != nil {
		t.IsActive = *u.IsActive
	}
	if u.CheckInterval != nil {
		t.CheckInterval = *u.CheckInterval
	}
	return t, nil
}

func (m *mockTaskStore) DeleteTask(ctx context.Context, id int64) (bool, error) {
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *mockTaskStore) RescheduleNow(ctx context.Context, id int64) error { return nil }

func (m *mockTaskStore) ListProxies(ctx context.Context, activeOnly bool) ([]*store.Proxy, error) {
	return nil, nil
}

func (m *mockTaskStore) Stats(ctx context.Context) (*store.Stats, error) {
	return &store.Stats{TotalTasks: int64(len(m.tasks))}, nil
}

type mockLocks struct {
	released []int64
}

func (m *mockLocks) ReleaseTaskLock(ctx context.Context, taskID int64) error {
	m.released = append(m.released, taskID)
	return nil
}

type mockQueue struct {
	published []*broker.ParsingTask
}

func (m *mockQueue) PublishTask(ctx context.Context, t *broker.ParsingTask) error {
	m.published = append(m.published, t)
	return nil
}

type mockProxies struct {
	added   []string
	removed []int64
}

func (m *mockProxies) Add(ctx context.Context, rawURL string) (*store.Proxy, bool, error) {
	created := len(m.added) == 0
	m.added = append(m.added, rawURL)
	return &store.Proxy{ID: 1, URL: rawURL}, created, nil
}

func (m *mockProxies) Remove(ctx context.Context, id int64) (bool, error) {
	m.removed = append(m.removed, id)
	return true, nil
}

func (m *mockProxies) Deduplicate(ctx context.Context) (int, error) { return 0, nil }

func (m *mockProxies) HealthScan(ctx context.Context, concurrency int64) (proxy.ScanReport, error) {
	return proxy.ScanReport{}, nil
}

func newTestAPI() (*API, *mockTaskStore, *mockLocks, *mockQueue, *http.ServeMux) {
	tasks := newMockTaskStore()
	locks := &mockLocks{}
	queue := &mockQueue{}
	api := NewAPI(tasks, locks, queue, &mockProxies{}, nil)
	mux := http.NewServeMux()
	api.Register(mux)
	return api, tasks, locks, queue, mux
}

func TestCreateTaskPublishesImmediateJob(t *testing.T) {
	_, tasks, locks, queue, mux := newTestAPI()

	body := `{"name":"t1","item_name":"AK-47 | Redline","appid":730,"currency":1,` +
		`"filters":{"max_price":50},"check_interval":60}`
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", rec.Code, rec.Body)
	}
	var resp taskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 1 || !resp.IsActive {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Filters.ItemName != "AK-47 | Redline" {
		t.Fatalf("filters item_name not backfilled: %+v", resp.Filters)
	}
	if len(tasks.tasks) != 1 {
		t.Fatalf("tasks persisted = %d", len(tasks.tasks))
	}
	if len(locks.released) != 1 || locks.released[0] != 1 {
		t.Fatalf("stale lock clear = %v, want [1]", locks.released)
	}
	if len(queue.published) != 1 || queue.published[0].TaskID != 1 {
		t.Fatalf("immediate publish = %+v", queue.published)
	}
}

func TestCreateTaskClampsInterval(t *testing.T) {
	_, tasks, _, _, mux := newTestAPI()

	body := `{"name":"fast","item_name":"x","check_interval":3}`
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if got := tasks.tasks[1].CheckInterval; got != store.MinCheckInterval {
		t.Fatalf("check_interval = %d, want clamped to %d", got, store.MinCheckInterval)
	}
}

func TestDeleteTaskClearsLock(t *testing.T) {
	_, tasks, locks, _, mux := newTestAPI()
	tasks.tasks[5] = &store.MonitoringTask{ID: 5, Name: "t5", ItemName: "x", IsActive: true}
	tasks.nextID = 6

	req := httptest.NewRequest(http.MethodDelete, "/tasks/5", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if _, exists := tasks.tasks[5]; exists {
		t.Fatal("task row should be gone")
	}
	if len(locks.released) != 1 || locks.released[0] != 5 {
		t.Fatalf("released = %v, want [5]", locks.released)
	}
}

func TestDeleteMissingTask(t *testing.T) {
	_, _, _, _, mux := newTestAPI()
	req := httptest.NewRequest(http.MethodDelete, "/tasks/99", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestForceRunQueuesJob(t *testing.T) {
	_, tasks, _, queue, mux := newTestAPI()
	tasks.tasks[2] = &store.MonitoringTask{ID: 2, Name: "t2", ItemName: "x", IsActive: true, CheckInterval: 60}
	tasks.nextID = 3

	req := httptest.NewRequest(http.MethodPost, "/tasks/2/run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if len(queue.published) != 1 || queue.published[0].TaskID != 2 {
		t.Fatalf("published = %+v", queue.published)
	}
}

func TestUpdateTaskToggleActive(t *testing.T) {
	_, tasks, _, _, mux := newTestAPI()
	tasks.tasks[3] = &store.MonitoringTask{ID: 3, Name: "t3", ItemName: "x", IsActive: true, CheckInterval: 60}
	tasks.nextID = 4

	req := httptest.NewRequest(http.MethodPatch, "/tasks/3", strings.NewReader(`{"is_active":false}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	if tasks.tasks[3].IsActive {
		t.Fatal("expected the task deactivated")
	}
}

func TestAddProxyReportsDuplicate(t *testing.T) {
	_, _, _, _, mux := newTestAPI()

	first := httptest.NewRecorder()
	mux.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/proxies",
		strings.NewReader(`{"url":"http://u:p@h:1234"}`)))
	if first.Code != http.StatusCreated {
		t.Fatalf("first add status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	mux.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/proxies",
		strings.NewReader(`{"url":"u:p@h:1234"}`)))
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate add status = %d, want 200", second.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(second.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["created"] != false {
		t.Fatalf("duplicate add response = %v", resp)
	}
}
