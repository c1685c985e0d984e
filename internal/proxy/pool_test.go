package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tyrannozavr/steamwatch/internal/store"
)

type mockProxyStore struct {
	mu      sync.Mutex
	proxies map[int64]*store.Proxy
	nextID  int64
}

func newMockProxyStore() *mockProxyStore {
	return &mockProxyStore{proxies: make(map[int64]*store.Proxy), nextID: 1}
}

func (m *mockProxyStore) add(url string, active bool) *store.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &store.Proxy{ID: m.nextID, URL: url, IsActive: active, DelaySeconds: 0.2}
	m.proxies[p.ID] = p
	m.nextID++
	return p
}

func (m *mockProxyStore) ListProxies(ctx context.Context, activeOnly bool) ([]*store.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Proxy
	for i := int64(1); i < m.nextID; i++ {
		p, ok := m.proxies[i]
		if !ok || (activeOnly && !p.IsActive) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockProxyStore) InsertProxy(ctx context.Context, url string, delaySeconds float64) (*store.Proxy, error) {
	p := m.add(url, true)
	p.DelaySeconds = delaySeconds
	return p, nil
}

func (m *mockProxyStore) GetProxy(ctx context.Context, id int64) (*store.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockProxyStore) RecordProxySuccess(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[id]; ok {
		p.SuccessCount++
		p.LastUsed = &at
	}
	return nil
}

func (m *mockProxyStore) RecordProxyFailure(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[id]; ok {
		p.FailCount++
	}
	return nil
}

func (m *mockProxyStore) UpdateProxyLastUsed(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[id]; ok {
		p.LastUsed = &at
	}
	return nil
}

func (m *mockProxyStore) SetProxyActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.proxies[id]; ok {
		p.IsActive = active
	}
	return nil
}

func (m *mockProxyStore) DeleteProxy(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proxies[id]; !ok {
		return false, nil
	}
	delete(m.proxies, id)
	return true, nil
}

type mockBlocklist struct {
	mu       sync.Mutex
	blocked  map[int64]time.Duration // last block TTL per proxy
	cache    []store.ProxySnapshot
	hasCache bool
}

func newMockBlocklist() *mockBlocklist {
	return &mockBlocklist{blocked: make(map[int64]time.Duration)}
}

func (m *mockBlocklist) BlockProxy(ctx context.Context, proxyID int64, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[proxyID] = d
	return nil
}

func (m *mockBlocklist) IsProxyBlocked(ctx context.Context, proxyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[proxyID]
	return ok, nil
}

func (m *mockBlocklist) UnblockProxy(ctx context.Context, proxyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, proxyID)
	return nil
}

func (m *mockBlocklist) SetProxyCache(ctx context.Context, snapshots []store.ProxySnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = snapshots
	m.hasCache = true
	return nil
}

func (m *mockBlocklist) GetProxyCache(ctx context.Context) ([]store.ProxySnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache, m.hasCache, nil
}

func (m *mockBlocklist) lastBlock(id int64) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.blocked[id]
	return d, ok
}

func newTestManager(db *mockProxyStore, kv *mockBlocklist) *Manager {
	return NewManager(db, kv, Config{
		BlockBase:         10 * time.Minute,
		BlockMax:          time.Hour,
		HardFailThreshold: 2,
		Probe:             func(ctx context.Context, proxyURL string) error { return nil },
	})
}

func TestLeaseSkipsBlocked(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	p1 := db.add("http://u:p@h1:1000", true)
	p2 := db.add("http://u:p@h2:1000", true)
	kv.blocked[p1.ID] = time.Minute

	m := newTestManager(db, kv)
	leased, err := m.Lease(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if leased == nil || leased.ID != p2.ID {
		t.Fatalf("expected proxy %d, got %+v", p2.ID, leased)
	}
}

func TestLeaseEmptyPool(t *testing.T) {
	m := newTestManager(newMockProxyStore(), newMockBlocklist())
	leased, err := m.Lease(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if leased != nil {
		t.Fatalf("expected no lease from empty pool, got %+v", leased)
	}
}

func TestLeaseObservesSpacing(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	p := db.add("http://u:p@h1:1000", true)
	p.DelaySeconds = 3600 // effectively one lease per test run

	m := newTestManager(db, kv)
	first, err := m.Lease(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("expected first lease to succeed")
	}
	second, err := m.Lease(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("expected spacing to deny second lease, got proxy %d", second.ID)
	}
}

func TestReportRateLimitedDoublesBlock(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	p := db.add("http://u:p@h1:1000", true)
	m := newTestManager(db, kv)

	want := []time.Duration{10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 60 * time.Minute, 60 * time.Minute}
	for i, expected := range want {
		if err := m.Report(context.Background(), p, OutcomeRateLimited); err != nil {
			t.Fatal(err)
		}
		got, ok := kv.lastBlock(p.ID)
		if !ok {
			t.Fatalf("report %d: expected block marker", i)
		}
		if got != expected {
			t.Fatalf("report %d: block TTL = %s, want %s", i, got, expected)
		}
	}
}

func TestReportOKClearsBlockAndResetsBackoff(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	p := db.add("http://u:p@h1:1000", true)
	m := newTestManager(db, kv)

	if err := m.Report(context.Background(), p, OutcomeRateLimited); err != nil {
		t.Fatal(err)
	}
	if err := m.Report(context.Background(), p, OutcomeOK); err != nil {
		t.Fatal(err)
	}
	if _, stillBlocked := kv.lastBlock(p.ID); stillBlocked {
		t.Fatal("expected ok report to clear the block marker")
	}
	// Backoff restarts at base after a success.
	if err := m.Report(context.Background(), p, OutcomeRateLimited); err != nil {
		t.Fatal(err)
	}
	if got, _ := kv.lastBlock(p.ID); got != 10*time.Minute {
		t.Fatalf("block TTL after reset = %s, want %s", got, 10*time.Minute)
	}

	row, _ := db.GetProxy(context.Background(), p.ID)
	if row.SuccessCount != 1 {
		t.Fatalf("success_count = %d, want 1", row.SuccessCount)
	}
}

func TestReportHardFailDeactivates(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	p := db.add("http://u:p@h1:1000", true)
	m := newTestManager(db, kv)

	if err := m.Report(context.Background(), p, OutcomeHardFail); err != nil {
		t.Fatal(err)
	}
	row, _ := db.GetProxy(context.Background(), p.ID)
	if row.IsActive {
		t.Fatal("expected hard failure to deactivate the proxy")
	}
}

func TestConsecutiveTransientFailuresEscalate(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	p := db.add("http://u:p@h1:1000", true)
	m := newTestManager(db, kv) // threshold 2

	if err := m.Report(context.Background(), p, OutcomeTransientFail); err != nil {
		t.Fatal(err)
	}
	row, _ := db.GetProxy(context.Background(), p.ID)
	if !row.IsActive {
		t.Fatal("one transient failure must not deactivate")
	}
	if err := m.Report(context.Background(), p, OutcomeTransientFail); err != nil {
		t.Fatal(err)
	}
	row, _ = db.GetProxy(context.Background(), p.ID)
	if row.IsActive {
		t.Fatal("expected consecutive transient failures to deactivate")
	}
	if row.FailCount != 2 {
		t.Fatalf("fail_count = %d, want 2", row.FailCount)
	}
}

func TestAddDuplicateReturnsExisting(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	m := newTestManager(db, kv)
	ctx := context.Background()

	first, created, err := m.Add(ctx, "http://u:p@h:1234:extra")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first add to create a row")
	}

	second, created, err := m.Add(ctx, "u:p@h:1234")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected duplicate add to be rejected")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate add returned id %d, want existing id %d", second.ID, first.ID)
	}

	rows, _ := db.ListProxies(ctx, false)
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want 1", len(rows))
	}

	// The cache must also hold exactly one matching entry.
	snapshots, ok, _ := kv.GetProxyCache(ctx)
	if !ok || len(snapshots) != 1 {
		t.Fatalf("cache = %+v (ok=%v), want exactly one entry", snapshots, ok)
	}
}

func TestDeduplicateKeepsLowestID(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	db.add("http://u:p@h:1234", true)
	db.add("http://u:p@h:1234:extra", true)
	db.add("http://other:1@x:9999", true)

	m := newTestManager(db, kv)
	removed, err := m.Deduplicate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	rows, _ := db.ListProxies(context.Background(), false)
	if len(rows) != 2 {
		t.Fatalf("row count = %d, want 2", len(rows))
	}
	if rows[0].ID != 1 {
		t.Fatalf("expected lowest id kept, got %d", rows[0].ID)
	}
}

func TestHealthScanReactivates(t *testing.T) {
	db := newMockProxyStore()
	kv := newMockBlocklist()
	db.add("http://u:p@h1:1000", true)
	db.add("http://u:p@h2:1000", false)

	m := newTestManager(db, kv)
	report, err := m.HealthScan(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 2 || report.Healthy != 2 || report.Reactivated != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	rows, _ := db.ListProxies(context.Background(), true)
	if len(rows) != 2 {
		t.Fatalf("active rows after scan = %d, want 2", len(rows))
	}
}
