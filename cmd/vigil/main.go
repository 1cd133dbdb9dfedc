package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/internal/assessment"
	"vigil/internal/audit"
	"vigil/internal/auth"
	"vigil/internal/config"
	"vigil/internal/db"
	httpx "vigil/internal/http"
	"vigil/internal/sweep"
)

func main() {
	cfg, _ := config.Load()

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal(err)
	}

	rec := &audit.Recorder{DB: gdb}
	store := &assessment.Store{
		DB:                    gdb,
		Recorder:              rec,
		DefaultTimeoutSeconds: cfg.DefaultTimeoutSeconds,
		DefaultMaxRetries:     cfg.DefaultMaxRetries,
	}

	jwtSvc := auth.NewJWT(cfg.OpsJWTSecret)
	r := httpx.NewRouter(cfg, gdb, store, rec, jwtSvc)

	backoff := sweep.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}

	scheduler := &sweep.RetryScheduler{Store: store, Backoff: backoff, Interval: cfg.RetryInterval}
	reaper := &sweep.TimeoutReaper{Store: store, Backoff: backoff, Interval: cfg.ReaperInterval}
	cleaner := &sweep.RetentionCleaner{
		Store:         store,
		Recorder:      rec,
		Retention:     cfg.RetentionWindow,
		Interval:      cfg.CleanerInterval,
		BatchSize:     cfg.CleanerBatchSize,
		CoDeleteAudit: cfg.AuditCoDelete,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Run(ctx)
	go reaper.Run(ctx)
	go cleaner.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on %s\n", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
