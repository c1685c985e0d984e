package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Write deadlines. Contention surfaces as an error instead of a hang.
const (
	updateTimeout = 5 * time.Second
	commitTimeout = 3 * time.Second
)

// querier is the subset of pgx shared by Pool, Conn and Tx, so the same SQL
// serves the pooled store, per-job sessions and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable store for tasks, found items and proxies.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes the connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InitSchema creates the three tables and their indexes when absent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS monitoring_tasks (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			item_name TEXT NOT NULL,
			appid INT NOT NULL DEFAULT 730,
			currency INT NOT NULL DEFAULT 1,
			filters JSONB NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			check_interval INT NOT NULL DEFAULT 60,
			total_checks BIGINT NOT NULL DEFAULT 0,
			items_found BIGINT NOT NULL DEFAULT 0,
			last_check TIMESTAMPTZ,
			next_check TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS found_items (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES monitoring_tasks(id) ON DELETE CASCADE,
			item_name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			item_data TEXT NOT NULL DEFAULT '{}',
			market_url TEXT,
			notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
			notification_sent_at TIMESTAMPTZ,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_found_items_task ON found_items (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_found_items_unnotified ON found_items (notification_sent) WHERE NOT notification_sent`,
		`CREATE TABLE IF NOT EXISTS proxies (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			delay_seconds DOUBLE PRECISION NOT NULL DEFAULT 0.2,
			success_count BIGINT NOT NULL DEFAULT 0,
			fail_count BIGINT NOT NULL DEFAULT 0,
			last_used TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- Task operations ---

const taskColumns = `id, name, item_name, appid, currency, filters, is_active, check_interval,
	total_checks, items_found, last_check, next_check, created_at, updated_at`

func scanTask(row pgx.Row) (*MonitoringTask, error) {
	var t MonitoringTask
	var filtersRaw []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.ItemName, &t.AppID, &t.Currency, &filtersRaw, &t.IsActive,
		&t.CheckInterval, &t.TotalChecks, &t.ItemsFound, &t.LastCheck, &t.NextCheck,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(filtersRaw) > 0 {
		if err := t.Filters.UnmarshalJSON(filtersRaw); err != nil {
			return nil, fmt.Errorf("task %d filters: %w", t.ID, err)
		}
	}
	return &t, nil
}

func getTask(ctx context.Context, q querier, id int64) (*MonitoringTask, error) {
	return scanTask(q.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM monitoring_tasks WHERE id = $1`, id))
}

// CreateTask inserts a task row and returns its id. The cadence floor is
// enforced here regardless of what the caller passed.
func (s *PostgresStore) CreateTask(ctx context.Context, t *MonitoringTask) (int64, error) {
	if t.CheckInterval < MinCheckInterval {
		t.CheckInterval = MinCheckInterval
	}
	filtersJSON, err := json.Marshal(t.Filters)
	if err != nil {
		return 0, fmt.Errorf("encode filters: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO monitoring_tasks (name, item_name, appid, currency, filters, is_active, check_interval, next_check)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id`,
		t.Name, t.ItemName, t.AppID, t.Currency, filtersJSON, t.IsActive, t.CheckInterval,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// GetTask returns the task row, or nil when it does not exist.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*MonitoringTask, error) {
	return getTask(ctx, s.pool, id)
}

// ListTasks returns a snapshot of tasks, optionally only active ones.
func (s *PostgresStore) ListTasks(ctx context.Context, activeOnly bool) ([]*MonitoringTask, error) {
	query := `SELECT ` + taskColumns + ` FROM monitoring_tasks`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*MonitoringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a partial update and returns the resulting row, or nil
// when the task does not exist.
func (s *PostgresStore) UpdateTask(ctx context.Context, id int64, u TaskUpdate) (*MonitoringTask, error) {
	set := "updated_at = NOW()"
	args := []any{id}
	n := 2
	if u.Name != nil {
		set += fmt.Sprintf(", name = $%d", n)
		args = append(args, *u.Name)
		n++
	}
	if u.Filters != nil {
		filtersJSON, err := json.Marshal(u.Filters)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		set += fmt.Sprintf(", filters = $%d", n)
		args = append(args, filtersJSON)
		n++
	}
	if u.CheckInterval != nil {
		iv := *u.CheckInterval
		if iv < MinCheckInterval {
			iv = MinCheckInterval
		}
		set += fmt.Sprintf(", check_interval = $%d", n)
		args = append(args, iv)
		n++
	}
	if u.IsActive != nil {
		set += fmt.Sprintf(", is_active = $%d", n)
		args = append(args, *u.IsActive)
		n++
	}

	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	return scanTask(s.pool.QueryRow(ctx,
		`UPDATE monitoring_tasks SET `+set+` WHERE id = $1 RETURNING `+taskColumns, args...))
}

// DeleteTask removes the row; found items cascade away with it.
func (s *PostgresStore) DeleteTask(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitoring_tasks WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceNextCheck moves next_check forward without touching counters. Used
// by the scheduler when it skips a cycle because a job is still running.
func (s *PostgresStore) AdvanceNextCheck(ctx context.Context, id int64, next time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`UPDATE monitoring_tasks SET next_check = $2, updated_at = NOW() WHERE id = $1`, id, next)
	return err
}

// RescheduleNow pulls next_check to the present so the next scheduler
// iteration enqueues immediately.
func (s *PostgresStore) RescheduleNow(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`UPDATE monitoring_tasks SET next_check = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func finishCheck(ctx context.Context, q querier, id int64, last, next time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	_, err := q.Exec(ctx, `
		UPDATE monitoring_tasks
		SET total_checks = total_checks + 1, last_check = $2, next_check = $3, updated_at = NOW()
		WHERE id = $1`, id, last, next)
	return err
}

// FinishCheck records a completed job: bumps total_checks and advances the
// last/next check timestamps.
func (s *PostgresStore) FinishCheck(ctx context.Context, id int64, last, next time.Time) error {
	return finishCheck(ctx, s.pool, id, last, next)
}

// --- Per-job sessions ---

// TaskSession is one job's exclusive database session. Jobs in the same
// worker process run on separate sessions so their work never interleaves on
// a shared connection.
type TaskSession struct {
	conn *pgxpool.Conn
}

// AcquireSession checks a dedicated connection out of the pool.
func (s *PostgresStore) AcquireSession(ctx context.Context) (*TaskSession, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TaskSession{conn: conn}, nil
}

// Release returns the connection to the pool.
func (ts *TaskSession) Release() {
	ts.conn.Release()
}

// GetTask reloads the task row on this session.
func (ts *TaskSession) GetTask(ctx context.Context, id int64) (*MonitoringTask, error) {
	return getTask(ctx, ts.conn, id)
}

// FinishCheck records a completed job on this session.
func (ts *TaskSession) FinishCheck(ctx context.Context, id int64, last, next time.Time) error {
	return finishCheck(ctx, ts.conn, id, last, next)
}

// BeginItems opens a found-items transaction on this session.
func (ts *TaskSession) BeginItems(ctx context.Context) (*FoundItemTx, error) {
	tx, err := ts.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &FoundItemTx{tx: tx}, nil
}

// --- Found-item operations ---

// FoundItemTx groups the inserts and the items_found counter bump of one
// parse into a single atomic commit.
type FoundItemTx struct {
	tx pgx.Tx
}

// HasListingID reports whether the task already persisted an item whose
// parsed payload carries the given listing identifier.
func (f *FoundItemTx) HasListingID(ctx context.Context, taskID int64, listingID string) (bool, error) {
	var exists bool
	err := f.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM found_items
			WHERE task_id = $1 AND item_data::jsonb ->> 'listing_id' = $2
		)`, taskID, listingID).Scan(&exists)
	return exists, err
}

// HasNamePrice is the fallback dedupe lookup for payloads without a listing
// identifier.
func (f *FoundItemTx) HasNamePrice(ctx context.Context, taskID int64, itemName string, price float64) (bool, error) {
	var exists bool
	err := f.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM found_items
			WHERE task_id = $1 AND item_name = $2 AND price = $3
		)`, taskID, itemName, price).Scan(&exists)
	return exists, err
}

// Insert writes a new found item with notification_sent=false and returns
// its id.
func (f *FoundItemTx) Insert(ctx context.Context, item *FoundItem) (int64, error) {
	var id int64
	err := f.tx.QueryRow(ctx, `
		INSERT INTO found_items (task_id, item_name, price, item_data, market_url, notification_sent, found_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		RETURNING id`,
		item.TaskID, item.ItemName, item.Price, item.ItemData, nullIfEmpty(item.MarketURL),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

// IncrementItemsFound bumps the owning task's counter inside the same
// transaction as the inserts.
func (f *FoundItemTx) IncrementItemsFound(ctx context.Context, taskID int64, n int) error {
	_, err := f.tx.Exec(ctx,
		`UPDATE monitoring_tasks SET items_found = items_found + $2, updated_at = NOW() WHERE id = $1`,
		taskID, n)
	return err
}

// Commit commits under the commit deadline.
func (f *FoundItemTx) Commit(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	return f.tx.Commit(ctx)
}

// Rollback discards the transaction. Safe to call after Commit.
func (f *FoundItemTx) Rollback(ctx context.Context) {
	_ = f.tx.Rollback(ctx)
}

// MarkNotified flips notification_sent exactly once. Returns false when the
// row was already marked (or does not exist), which callers treat as "someone
// else published it".
func (s *PostgresStore) MarkNotified(ctx context.Context, itemID int64, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE found_items
		SET notification_sent = TRUE, notification_sent_at = $2
		WHERE id = $1 AND NOT notification_sent`, itemID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListUnnotified returns rows whose bus publish never happened, oldest first,
// joined with their task name for the event payload.
func (s *PostgresStore) ListUnnotified(ctx context.Context, limit int) ([]*FoundItem, map[int64]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT f.id, f.task_id, f.item_name, f.price, f.item_data, COALESCE(f.market_url, ''),
		       f.notification_sent, f.notification_sent_at, f.found_at, t.name
		FROM found_items f
		JOIN monitoring_tasks t ON t.id = f.task_id
		WHERE NOT f.notification_sent
		ORDER BY f.found_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []*FoundItem
	taskNames := make(map[int64]string)
	for rows.Next() {
		var item FoundItem
		var taskName string
		if err := rows.Scan(
			&item.ID, &item.TaskID, &item.ItemName, &item.Price, &item.ItemData, &item.MarketURL,
			&item.NotificationSent, &item.NotificationSentAt, &item.FoundAt, &taskName,
		); err != nil {
			return nil, nil, err
		}
		items = append(items, &item)
		taskNames[item.TaskID] = taskName
	}
	return items, taskNames, rows.Err()
}

// --- Proxy operations ---

const proxyColumns = `id, url, is_active, delay_seconds, success_count, fail_count, last_used, created_at`

func scanProxy(row pgx.Row) (*Proxy, error) {
	var p Proxy
	err := row.Scan(&p.ID, &p.URL, &p.IsActive, &p.DelaySeconds,
		&p.SuccessCount, &p.FailCount, &p.LastUsed, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertProxy stores a canonicalized proxy URL as active.
func (s *PostgresStore) InsertProxy(ctx context.Context, url string, delaySeconds float64) (*Proxy, error) {
	return scanProxy(s.pool.QueryRow(ctx, `
		INSERT INTO proxies (url, is_active, delay_seconds)
		VALUES ($1, TRUE, $2)
		RETURNING `+proxyColumns, url, delaySeconds))
}

// GetProxy returns a proxy row, or nil when absent.
func (s *PostgresStore) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	return scanProxy(s.pool.QueryRow(ctx,
		`SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id))
}

// ListProxies returns proxy rows ordered by id, optionally active only.
func (s *PostgresStore) ListProxies(ctx context.Context, activeOnly bool) ([]*Proxy, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// RecordProxySuccess bumps success_count and last_used.
func (s *PostgresStore) RecordProxySuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET success_count = success_count + 1, last_used = $2 WHERE id = $1`, id, at)
	return err
}

// RecordProxyFailure bumps fail_count.
func (s *PostgresStore) RecordProxyFailure(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET fail_count = fail_count + 1 WHERE id = $1`, id)
	return err
}

// UpdateProxyLastUsed records the moment a lease handed the proxy out.
func (s *PostgresStore) UpdateProxyLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET last_used = $2 WHERE id = $1`, id, at)
	return err
}

// SetProxyActive flips the durable active flag. Deactivation keeps the row.
func (s *PostgresStore) SetProxyActive(ctx context.Context, id int64, active bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET is_active = $2 WHERE id = $1`, id, active)
	return err
}

// DeleteProxy removes the row entirely.
func (s *PostgresStore) DeleteProxy(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM proxies WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Statistics ---

// Stats aggregates the counts served by the admin API.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM monitoring_tasks),
			(SELECT COUNT(*) FROM monitoring_tasks WHERE is_active),
			(SELECT COUNT(*) FROM found_items),
			(SELECT COUNT(*) FROM found_items WHERE NOT notification_sent),
			(SELECT COUNT(*) FROM proxies),
			(SELECT COUNT(*) FROM proxies WHERE is_active)`,
	).Scan(&st.TotalTasks, &st.ActiveTasks, &st.TotalFound, &st.Unnotified,
		&st.TotalProxies, &st.ActiveProxies)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active, total_checks, items_found, last_check, next_check
		FROM monitoring_tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e TaskStatsEntry
		if err := rows.Scan(&e.TaskID, &e.Name, &e.IsActive, &e.TotalChecks,
			&e.ItemsFound, &e.LastCheck, &e.NextCheck); err != nil {
			return nil, err
		}
		st.PerTask = append(st.PerTask, e)
	}
	return &st, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
