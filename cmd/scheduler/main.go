// The scheduler binary hosts the per-task dispatch loops, the admin HTTP
// API, the notification WebSocket bridge and the metrics endpoint. One
// instance runs per deployment; workers scale horizontally on their own.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tyrannozavr/steamwatch/internal/admin"
	"github.com/tyrannozavr/steamwatch/internal/broker"
	"github.com/tyrannozavr/steamwatch/internal/config"
	"github.com/tyrannozavr/steamwatch/internal/notify"
	"github.com/tyrannozavr/steamwatch/internal/proxy"
	"github.com/tyrannozavr/steamwatch/internal/scheduler"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

func main() {
	cfg := config.Load()
	log.Printf("Scheduler: starting (%s)", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Scheduler: postgres connect failed: %v", err)
	}
	defer pg.Close()
	if err := pg.InitSchema(ctx); err != nil {
		log.Fatalf("Scheduler: schema init failed: %v", err)
	}

	rd, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Scheduler: redis connect failed: %v", err)
	}
	defer rd.Close()

	bk, err := broker.Connect(ctx, cfg.RabbitURL, cfg.RabbitDialAttempts, cfg.RabbitDialRetryDelay)
	if err != nil {
		log.Fatalf("Scheduler: rabbitmq connect failed: %v", err)
	}
	defer bk.Close()

	proxyMgr := proxy.NewManager(pg, rd, proxy.Config{})
	proxyMgr.RefreshCache(ctx)

	hub := notify.NewHub(rd)
	go hub.Run(ctx)

	sched := scheduler.New(pg, rd, bk, scheduler.DefaultConfig())
	go sched.Run(ctx)

	api := admin.NewAPI(pg, rd, bk, proxyMgr, hub)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("Scheduler: admin API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Scheduler: http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Scheduler: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Scheduler: http shutdown: %v", err)
	}
}
