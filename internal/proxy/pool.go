// Package proxy manages the rotating HTTP proxy pool: lease selection,
// outcome accounting, temporary blocks kept in Redis, health scanning and
// canonical-URL deduplication.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tyrannozavr/steamwatch/internal/fetcher"
	"github.com/tyrannozavr/steamwatch/internal/observability"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

// Outcome classifies one use of a proxy.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransientFail
	OutcomeRateLimited
	OutcomeHardFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransientFail:
		return "transient_fail"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeHardFail:
		return "hard_fail"
	}
	return "unknown"
}

// OutcomeFromError maps a classified fetch error onto a proxy outcome.
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, fetcher.ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, fetcher.ErrHardFailure):
		return OutcomeHardFail
	default:
		return OutcomeTransientFail
	}
}

// Store is the durable side of the pool.
type Store interface {
	ListProxies(ctx context.Context, activeOnly bool) ([]*store.Proxy, error)
	InsertProxy(ctx context.Context, url string, delaySeconds float64) (*store.Proxy, error)
	GetProxy(ctx context.Context, id int64) (*store.Proxy, error)
	RecordProxySuccess(ctx context.Context, id int64, at time.Time) error
	RecordProxyFailure(ctx context.Context, id int64) error
	UpdateProxyLastUsed(ctx context.Context, id int64, at time.Time) error
	SetProxyActive(ctx context.Context, id int64, active bool) error
	DeleteProxy(ctx context.Context, id int64) (bool, error)
}

// Blocklist is the coordination side of the pool: block markers and the
// shared active-proxy cache.
type Blocklist interface {
	BlockProxy(ctx context.Context, proxyID int64, d time.Duration) error
	IsProxyBlocked(ctx context.Context, proxyID int64) (bool, error)
	UnblockProxy(ctx context.Context, proxyID int64) error
	SetProxyCache(ctx context.Context, snapshots []store.ProxySnapshot, ttl time.Duration) error
	GetProxyCache(ctx context.Context) ([]store.ProxySnapshot, bool, error)
}

// Config tunes the pool.
type Config struct {
	BlockBase           time.Duration // first rate-limit block
	BlockMax            time.Duration // block doubling cap
	CacheTTL            time.Duration
	HardFailThreshold   int // consecutive failures before deactivation
	DefaultDelaySeconds float64
	// Probe checks a single proxy; nil uses the default upstream probe.
	Probe func(ctx context.Context, proxyURL string) error
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.BlockBase <= 0 {
		c.BlockBase = 10 * time.Minute
	}
	if c.BlockMax <= 0 {
		c.BlockMax = time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
	if c.HardFailThreshold <= 0 {
		c.HardFailThreshold = 5
	}
	if c.DefaultDelaySeconds <= 0 {
		c.DefaultDelaySeconds = 0.2
	}
	if c.Probe == nil {
		c.Probe = DefaultProbe
	}
	return c
}

// Manager rotates the pool. Within a process all mutations of pool state go
// through a Manager; cross-process state lives in the Store and Blocklist.
type Manager struct {
	db  Store
	kv  Blocklist
	cfg Config

	mu          sync.Mutex
	cursor      int
	limiters    map[int64]*rate.Limiter
	blockDur    map[int64]time.Duration
	consecFails map[int64]int
}

// NewManager creates a pool manager.
func NewManager(db Store, kv Blocklist, cfg Config) *Manager {
	return &Manager{
		db:          db,
		kv:          kv,
		cfg:         cfg.WithDefaults(),
		limiters:    make(map[int64]*rate.Limiter),
		blockDur:    make(map[int64]time.Duration),
		consecFails: make(map[int64]int),
	}
}

func (m *Manager) limiter(id int64, delaySeconds float64) *rate.Limiter {
	lim, ok := m.limiters[id]
	if !ok {
		if delaySeconds <= 0 {
			delaySeconds = m.cfg.DefaultDelaySeconds
		}
		lim = rate.NewLimiter(rate.Limit(1/delaySeconds), 1)
		m.limiters[id] = lim
	}
	return lim
}

// activeProxies reads the cached snapshot when present, falling back to the
// database on a miss or a Redis outage.
func (m *Manager) activeProxies(ctx context.Context) ([]*store.Proxy, error) {
	snapshots, ok, err := m.kv.GetProxyCache(ctx)
	if err == nil && ok {
		proxies := make([]*store.Proxy, 0, len(snapshots))
		for _, s := range snapshots {
			proxies = append(proxies, &store.Proxy{
				ID:           s.ID,
				URL:          s.URL,
				IsActive:     true,
				DelaySeconds: s.DelaySeconds,
				LastUsed:     s.LastUsed,
			})
		}
		return proxies, nil
	}
	if err != nil {
		log.Printf("ProxyPool: cache read failed, falling back to DB: %v", err)
	}
	return m.db.ListProxies(ctx, true)
}

// Lease picks an eligible proxy: active in the database, no block marker in
// Redis, and its own minimum spacing observed. Selection is round-robin over
// the least-recently-used ordering. Returns nil when nothing is eligible.
func (m *Manager) Lease(ctx context.Context) (*store.Proxy, error) {
	proxies, err := m.activeProxies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	if len(proxies) == 0 {
		observability.ProxyLeases.WithLabelValues("empty").Inc()
		return nil, nil
	}

	sort.SliceStable(proxies, func(i, j int) bool {
		li, lj := proxies[i].LastUsed, proxies[j].LastUsed
		if li == nil {
			return lj != nil
		}
		if lj == nil {
			return false
		}
		return li.Before(*lj)
	})

	m.mu.Lock()
	start := m.cursor
	m.cursor++
	m.mu.Unlock()

	for i := 0; i < len(proxies); i++ {
		p := proxies[(start+i)%len(proxies)]

		blocked, err := m.kv.IsProxyBlocked(ctx, p.ID)
		if err != nil {
			// Redis down: degrade to DB-only awareness rather than starving
			// the pool.
			blocked = false
		}
		if blocked {
			continue
		}

		m.mu.Lock()
		allowed := m.limiter(p.ID, p.DelaySeconds).Allow()
		m.mu.Unlock()
		if !allowed {
			continue
		}

		now := time.Now().UTC()
		if err := m.db.UpdateProxyLastUsed(ctx, p.ID, now); err != nil {
			log.Printf("ProxyPool: failed to record last_used for proxy %d: %v", p.ID, err)
		}
		p.LastUsed = &now
		observability.ProxyLeases.WithLabelValues("granted").Inc()
		return p, nil
	}

	observability.ProxyLeases.WithLabelValues("empty").Inc()
	return nil, nil
}

// Report records the outcome of one proxy use and updates block state.
func (m *Manager) Report(ctx context.Context, p *store.Proxy, outcome Outcome) error {
	observability.ProxyReports.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case OutcomeOK:
		m.mu.Lock()
		m.consecFails[p.ID] = 0
		delete(m.blockDur, p.ID)
		m.mu.Unlock()
		if err := m.db.RecordProxySuccess(ctx, p.ID, time.Now().UTC()); err != nil {
			return err
		}
		if err := m.kv.UnblockProxy(ctx, p.ID); err != nil {
			log.Printf("ProxyPool: failed to clear block for proxy %d: %v", p.ID, err)
		}
		m.refreshCache(ctx)
		return nil

	case OutcomeTransientFail:
		if err := m.db.RecordProxyFailure(ctx, p.ID); err != nil {
			return err
		}
		m.mu.Lock()
		m.consecFails[p.ID]++
		exhausted := m.consecFails[p.ID] >= m.cfg.HardFailThreshold
		m.mu.Unlock()
		if exhausted {
			log.Printf("ProxyPool: proxy %d exceeded %d consecutive failures, deactivating", p.ID, m.cfg.HardFailThreshold)
			return m.Report(ctx, p, OutcomeHardFail)
		}
		return nil

	case OutcomeRateLimited:
		if err := m.db.RecordProxyFailure(ctx, p.ID); err != nil {
			return err
		}
		m.mu.Lock()
		d := m.blockDur[p.ID]
		if d <= 0 {
			d = m.cfg.BlockBase
		} else {
			d *= 2
			if d > m.cfg.BlockMax {
				d = m.cfg.BlockMax
			}
		}
		m.blockDur[p.ID] = d
		m.mu.Unlock()
		if err := m.kv.BlockProxy(ctx, p.ID, d); err != nil {
			log.Printf("ProxyPool: failed to block proxy %d: %v", p.ID, err)
		}
		log.Printf("ProxyPool: proxy %d rate limited, blocked for %s", p.ID, d)
		m.refreshCache(ctx)
		return nil

	case OutcomeHardFail:
		m.mu.Lock()
		m.consecFails[p.ID] = 0
		delete(m.blockDur, p.ID)
		m.mu.Unlock()
		if err := m.db.SetProxyActive(ctx, p.ID, false); err != nil {
			return err
		}
		if err := m.kv.UnblockProxy(ctx, p.ID); err != nil {
			log.Printf("ProxyPool: failed to clear block for proxy %d: %v", p.ID, err)
		}
		log.Printf("ProxyPool: proxy %d deactivated after hard failure", p.ID)
		m.refreshCache(ctx)
		return nil
	}
	return fmt.Errorf("unknown proxy outcome %d", outcome)
}

// Add canonicalizes and inserts a proxy. When a row already canonicalizes to
// the same form, the existing row is returned and nothing is inserted.
func (m *Manager) Add(ctx context.Context, rawURL string) (*store.Proxy, bool, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, false, err
	}

	existing, err := m.db.ListProxies(ctx, false)
	if err != nil {
		return nil, false, err
	}
	for _, p := range existing {
		pc, err := CanonicalURL(p.URL)
		if err != nil {
			continue
		}
		if pc == canonical {
			return p, false, nil
		}
	}

	p, err := m.db.InsertProxy(ctx, canonical, m.cfg.DefaultDelaySeconds)
	if err != nil {
		return nil, false, err
	}
	m.refreshCache(ctx)
	return p, true, nil
}

// Remove deletes the row and drops any block marker.
func (m *Manager) Remove(ctx context.Context, id int64) (bool, error) {
	removed, err := m.db.DeleteProxy(ctx, id)
	if err != nil {
		return false, err
	}
	if err := m.kv.UnblockProxy(ctx, id); err != nil {
		log.Printf("ProxyPool: failed to clear block for removed proxy %d: %v", id, err)
	}
	m.refreshCache(ctx)
	return removed, nil
}

// ScanReport aggregates one health scan.
type ScanReport struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	RateLimited int `json:"rate_limited"`
	Failed      int `json:"failed"`
	Reactivated int `json:"reactivated"`
}

func (r ScanReport) String() string {
	return fmt.Sprintf("scanned %d proxies: %d healthy (%d reactivated), %d rate limited, %d failed",
		r.Total, r.Healthy, r.Reactivated, r.RateLimited, r.Failed)
}

// HealthScan probes every proxy row with bounded concurrency, feeding each
// result back through Report. A healthy probe reactivates a deactivated row.
func (m *Manager) HealthScan(ctx context.Context, concurrency int64) (ScanReport, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	proxies, err := m.db.ListProxies(ctx, false)
	if err != nil {
		return ScanReport{}, err
	}

	var (
		mu     sync.Mutex
		report = ScanReport{Total: len(proxies)}
		sem    = semaphore.NewWeighted(concurrency)
		wg     sync.WaitGroup
	)

	for _, p := range proxies {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(p *store.Proxy) {
			defer wg.Done()
			defer sem.Release(1)

			probeErr := m.cfg.Probe(ctx, p.URL)
			outcome := OutcomeFromError(probeErr)

			mu.Lock()
			switch outcome {
			case OutcomeOK:
				report.Healthy++
				if !p.IsActive {
					report.Reactivated++
				}
			case OutcomeRateLimited:
				report.RateLimited++
			default:
				report.Failed++
			}
			mu.Unlock()

			if outcome == OutcomeOK && !p.IsActive {
				if err := m.db.SetProxyActive(ctx, p.ID, true); err != nil {
					log.Printf("ProxyPool: failed to reactivate proxy %d: %v", p.ID, err)
				}
			}
			if err := m.Report(ctx, p, outcome); err != nil {
				log.Printf("ProxyPool: health scan report for proxy %d failed: %v", p.ID, err)
			}
		}(p)
	}
	wg.Wait()
	m.refreshCache(ctx)
	log.Printf("ProxyPool: %s", report)
	return report, nil
}

// Deduplicate groups rows by canonical URL, keeps the lowest id per group and
// deletes the rest. Returns the number of rows removed.
func (m *Manager) Deduplicate(ctx context.Context) (int, error) {
	proxies, err := m.db.ListProxies(ctx, false)
	if err != nil {
		return 0, err
	}

	keep := make(map[string]int64)
	var doomed []int64
	for _, p := range proxies {
		canonical, err := CanonicalURL(p.URL)
		if err != nil {
			log.Printf("ProxyPool: proxy %d has uncanonicalizable url %q, skipping", p.ID, p.URL)
			continue
		}
		if kept, ok := keep[canonical]; ok {
			if p.ID < kept {
				doomed = append(doomed, kept)
				keep[canonical] = p.ID
			} else {
				doomed = append(doomed, p.ID)
			}
		} else {
			keep[canonical] = p.ID
		}
	}

	removed := 0
	for _, id := range doomed {
		ok, err := m.db.DeleteProxy(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			if err := m.kv.UnblockProxy(ctx, id); err != nil {
				log.Printf("ProxyPool: failed to clear block for deduped proxy %d: %v", id, err)
			}
		}
	}
	if removed > 0 {
		m.refreshCache(ctx)
		log.Printf("ProxyPool: removed %d duplicate proxies", removed)
	}
	return removed, nil
}

// RefreshCache republishes the active snapshot; exposed for startup and
// periodic refresh loops.
func (m *Manager) RefreshCache(ctx context.Context) {
	m.refreshCache(ctx)
}

func (m *Manager) refreshCache(ctx context.Context) {
	proxies, err := m.db.ListProxies(ctx, true)
	if err != nil {
		log.Printf("ProxyPool: cache refresh list failed: %v", err)
		return
	}
	snapshots := make([]store.ProxySnapshot, 0, len(proxies))
	for _, p := range proxies {
		snapshots = append(snapshots, store.ProxySnapshot{
			ID:           p.ID,
			URL:          p.URL,
			DelaySeconds: p.DelaySeconds,
			LastUsed:     p.LastUsed,
		})
	}
	if err := m.kv.SetProxyCache(ctx, snapshots, m.cfg.CacheTTL); err != nil {
		log.Printf("ProxyPool: cache refresh write failed: %v", err)
	}
	observability.ProxyPoolSize.WithLabelValues("active").Set(float64(len(snapshots)))
}

// DefaultProbe issues a cheap upstream request through the proxy and
// classifies the response.
func DefaultProbe(ctx context.Context, proxyURL string) error {
	client, err := probeClient(proxyURL)
	if err != nil {
		return fmt.Errorf("%w: %v", fetcher.ErrHardFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://steamcommunity.com/market/", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", fetcher.ErrTransient, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", fetcher.ErrTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", fetcher.ErrRateLimited)
	case resp.StatusCode == http.StatusProxyAuthRequired || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", fetcher.ErrHardFailure, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", fetcher.ErrTransient, resp.StatusCode)
	}
	return nil
}

func probeClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: 15 * time.Second}, nil
}
