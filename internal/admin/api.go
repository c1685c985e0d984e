// Package admin exposes the task-authoring and operations contract over
// HTTP: task CRUD and force-run, proxy administration, statistics, and the
// WebSocket notification stream.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/tyrannozavr/steamwatch/internal/broker"
	"github.com/tyrannozavr/steamwatch/internal/fetcher"
	"github.com/tyrannozavr/steamwatch/internal/notify"
	"github.com/tyrannozavr/steamwatch/internal/proxy"
	"github.com/tyrannozavr/steamwatch/internal/scheduler"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

// TaskStore is the durable-store surface the API drives.
type TaskStore interface {
	CreateTask(ctx context.Context, t *store.MonitoringTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*store.MonitoringTask, error)
	ListTasks(ctx context.Context, activeOnly bool) ([]*store.MonitoringTask, error)
	UpdateTask(ctx context.Context, id int64, u store.TaskUpdate) (*store.MonitoringTask, error)
	DeleteTask(ctx context.Context, id int64) (bool, error)
	RescheduleNow(ctx context.Context, id int64) error
	ListProxies(ctx context.Context, activeOnly bool) ([]*store.Proxy, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Locks clears task-running locks on create and delete.
type Locks interface {
	ReleaseTaskLock(ctx context.Context, taskID int64) error
}

// Queue publishes the immediate job on create and force-run.
type Queue interface {
	PublishTask(ctx context.Context, t *broker.ParsingTask) error
}

// Proxies is the proxy-pool admin surface.
type Proxies interface {
	Add(ctx context.Context, rawURL string) (*store.Proxy, bool, error)
	Remove(ctx context.Context, id int64) (bool, error)
	Deduplicate(ctx context.Context) (int, error)
	HealthScan(ctx context.Context, concurrency int64) (proxy.ScanReport, error)
}

// API serves the admin contract.
type API struct {
	tasks   TaskStore
	locks   Locks
	queue   Queue
	proxies Proxies
	hub     *notify.Hub

	// scanLimiter keeps operators from stacking full pool scans.
	scanLimiter *rate.Limiter
}

// NewAPI creates the API.
func NewAPI(tasks TaskStore, locks Locks, queue Queue, proxies Proxies, hub *notify.Hub) *API {
	return &API{
		tasks:       tasks,
		locks:       locks,
		queue:       queue,
		proxies:     proxies,
		hub:         hub,
		scanLimiter: rate.NewLimiter(rate.Every(time.Minute), 2),
	}
}

// Register installs all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", a.handleCreateTask)
	mux.HandleFunc("GET /tasks", a.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", a.handleGetTask)
	mux.HandleFunc("PATCH /tasks/{id}", a.handleUpdateTask)
	mux.HandleFunc("DELETE /tasks/{id}", a.handleDeleteTask)
	mux.HandleFunc("POST /tasks/{id}/run", a.handleForceRun)
	mux.HandleFunc("GET /stats", a.handleStats)
	mux.HandleFunc("GET /proxies", a.handleListProxies)
	mux.HandleFunc("POST /proxies", a.handleAddProxy)
	mux.HandleFunc("DELETE /proxies/{id}", a.handleRemoveProxy)
	mux.HandleFunc("POST /proxies/deduplicate", a.handleDeduplicateProxies)
	mux.HandleFunc("POST /proxies/scan", a.handleScanProxies)
	if a.hub != nil {
		mux.HandleFunc("GET /ws", a.hub.HandleWS)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("bad id")
	}
	return id, nil
}

// --- Tasks ---

type createTaskRequest struct {
	Name          string          `json:"name"`
	ItemName      string          `json:"item_name"`
	AppID         int             `json:"appid"`
	Currency      int             `json:"currency"`
	Filters       fetcher.Filters `json:"filters"`
	CheckInterval int             `json:"check_interval"`
}

type taskResponse struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	ItemName      string          `json:"item_name"`
	AppID         int             `json:"appid"`
	Currency      int             `json:"currency"`
	Filters       fetcher.Filters `json:"filters"`
	IsActive      bool            `json:"is_active"`
	CheckInterval int             `json:"check_interval"`
	TotalChecks   int64           `json:"total_checks"`
	ItemsFound    int64           `json:"items_found"`
	LastCheck     *time.Time      `json:"last_check"`
	NextCheck     *time.Time      `json:"next_check"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toTaskResponse(t *store.MonitoringTask) taskResponse {
	return taskResponse{
		ID:            t.ID,
		Name:          t.Name,
		ItemName:      t.ItemName,
		AppID:         t.AppID,
		Currency:      t.Currency,
		Filters:       t.Filters,
		IsActive:      t.IsActive,
		CheckInterval: t.CheckInterval,
		TotalChecks:   t.TotalChecks,
		ItemsFound:    t.ItemsFound,
		LastCheck:     t.LastCheck,
		NextCheck:     t.NextCheck,
		CreatedAt:     t.CreatedAt,
	}
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	if req.Name == "" || req.ItemName == "" {
		writeError(w, http.StatusBadRequest, "name and item_name are required")
		return
	}

	req.Filters.ItemName = req.ItemName
	if req.Filters.AppID == 0 {
		req.Filters.AppID = req.AppID
	}
	if req.Filters.Currency == 0 {
		req.Filters.Currency = req.Currency
	}

	task := &store.MonitoringTask{
		Name:          req.Name,
		ItemName:      req.ItemName,
		AppID:         req.AppID,
		Currency:      req.Currency,
		Filters:       req.Filters,
		IsActive:      true,
		CheckInterval: req.CheckInterval,
	}
	id, err := a.tasks.CreateTask(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create task: %v", err)
		return
	}

	// A recycled id may have a stale lock from a long-dead run.
	if err := a.locks.ReleaseTaskLock(r.Context(), id); err != nil {
		log.Printf("API: clearing stale lock for new task %d failed: %v", id, err)
	}
	if err := a.queue.PublishTask(r.Context(), scheduler.TaskMessage(task)); err != nil {
		log.Printf("API: immediate publish for task %d failed: %v (scheduler will pick it up)", id, err)
	}

	writeJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	tasks, err := a.tasks.ListTasks(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks: %v", err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad task id")
		return
	}
	t, err := a.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get task: %v", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

type updateTaskRequest struct {
	Name          *string          `json:"name"`
	Filters       *fetcher.Filters `json:"filters"`
	CheckInterval *int             `json:"check_interval"`
	IsActive      *bool            `json:"is_active"`
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad task id")
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	t, err := a.tasks.UpdateTask(r.Context(), id, store.TaskUpdate{
		Name:          req.Name,
		Filters:       req.Filters,
		CheckInterval: req.CheckInterval,
		IsActive:      req.IsActive,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update task: %v", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad task id")
		return
	}
	deleted, err := a.tasks.DeleteTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete task: %v", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task %d not found", id)
		return
	}
	if err := a.locks.ReleaseTaskLock(r.Context(), id); err != nil {
		log.Printf("API: clearing lock for deleted task %d failed: %v", id, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) handleForceRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad task id")
		return
	}
	t, err := a.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get task: %v", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task %d not found", id)
		return
	}
	if err := a.tasks.RescheduleNow(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "reschedule: %v", err)
		return
	}
	if err := a.queue.PublishTask(r.Context(), scheduler.TaskMessage(t)); err != nil {
		writeError(w, http.StatusInternalServerError, "publish: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": id})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Proxies ---

type proxyResponse struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	IsActive     bool       `json:"is_active"`
	DelaySeconds float64    `json:"delay_seconds"`
	SuccessCount int64      `json:"success_count"`
	FailCount    int64      `json:"fail_count"`
	LastUsed     *time.Time `json:"last_used"`
}

func (a *API) handleListProxies(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	proxies, err := a.tasks.ListProxies(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list proxies: %v", err)
		return
	}
	out := make([]proxyResponse, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, proxyResponse{
			ID: p.ID, URL: p.URL, IsActive: p.IsActive, DelaySeconds: p.DelaySeconds,
			SuccessCount: p.SuccessCount, FailCount: p.FailCount, LastUsed: p.LastUsed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body: %v", err)
		return
	}
	p, created, err := a.proxies.Add(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "add proxy: %v", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"id": p.ID, "url": p.URL, "created": created})
}

func (a *API) handleRemoveProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad proxy id")
		return
	}
	removed, err := a.proxies.Remove(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "remove proxy: %v", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "proxy %d not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) handleDeduplicateProxies(w http.ResponseWriter, r *http.Request) {
	removed, err := a.proxies.Deduplicate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deduplicate: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (a *API) handleScanProxies(w http.ResponseWriter, r *http.Request) {
	if !a.scanLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "a scan ran recently, try again later")
		return
	}
	report, err := a.proxies.HealthScan(r.Context(), 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scan: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
