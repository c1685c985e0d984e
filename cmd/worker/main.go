// The worker binary consumes parsing jobs from the broker and executes them
// with bounded concurrency. Multiple instances may run; per-task mutual
// exclusion is guaranteed by the Redis locks, not by deployment shape.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tyrannozavr/steamwatch/internal/broker"
	"github.com/tyrannozavr/steamwatch/internal/config"
	"github.com/tyrannozavr/steamwatch/internal/fetcher"
	"github.com/tyrannozavr/steamwatch/internal/proxy"
	"github.com/tyrannozavr/steamwatch/internal/results"
	"github.com/tyrannozavr/steamwatch/internal/store"
	"github.com/tyrannozavr/steamwatch/internal/worker"
)

// jobSession adapts the concrete store session to the worker's interface.
type jobSession struct {
	*store.TaskSession
}

func (s jobSession) BeginItems(ctx context.Context) (results.ItemTx, error) {
	return s.TaskSession.BeginItems(ctx)
}

func main() {
	cfg := config.Load()
	log.Printf("Worker: starting (%s)", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Worker: postgres connect failed: %v", err)
	}
	defer pg.Close()
	if err := pg.InitSchema(ctx); err != nil {
		log.Fatalf("Worker: schema init failed: %v", err)
	}

	rd, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Worker: redis connect failed: %v", err)
	}
	defer rd.Close()

	bk, err := broker.Connect(ctx, cfg.RabbitURL, cfg.RabbitDialAttempts, cfg.RabbitDialRetryDelay)
	if err != nil {
		log.Fatalf("Worker: rabbitmq connect failed: %v", err)
	}
	defer bk.Close()

	proxyMgr := proxy.NewManager(pg, rd, proxy.Config{})

	// Full pool check at startup, then periodically in the background.
	go func() {
		if _, err := proxyMgr.HealthScan(ctx, cfg.ProxyScanWorkers); err != nil {
			log.Printf("Worker: startup proxy scan failed: %v", err)
		}
		ticker := time.NewTicker(cfg.ProxyScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := proxyMgr.HealthScan(ctx, cfg.ProxyScanWorkers); err != nil {
					log.Printf("Worker: periodic proxy scan failed: %v", err)
				}
			}
		}
	}()

	processor := results.NewProcessor(pg, rd)

	// Rows whose publish was lost to a crash get their events out now.
	if n, err := processor.SweepUnnotified(ctx, pg, 500); err != nil {
		log.Printf("Worker: unsent-notification sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Worker: republished %d pending notifications", n)
	}

	sessions := func(ctx context.Context) (worker.Session, error) {
		sess, err := pg.AcquireSession(ctx)
		if err != nil {
			return nil, err
		}
		return jobSession{sess}, nil
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.MaxConcurrentTasks
	hostname, _ := os.Hostname()
	workerCfg.ConsumerTag = "steamwatch-worker-" + hostname

	w := worker.New(bk, rd, pg, sessions, proxyMgr, fetcher.NewSteamFetcher(), processor, workerCfg)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Printf("Worker: metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Worker: metrics server failed: %v", err)
		}
	}()

	deliveries, err := bk.Consume(ctx, workerCfg.ConsumerTag)
	if err != nil {
		log.Fatalf("Worker: consume failed: %v", err)
	}

	w.Run(ctx, deliveries)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Println("Worker: stopped")
}
