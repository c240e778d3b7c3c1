package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cookclip/importer/internal/config"
	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/platform/sqlite"
	"github.com/cookclip/importer/internal/queue"
	"github.com/cookclip/importer/internal/recipe"
	importjobrepo "github.com/cookclip/importer/internal/repository/importjob"
	reciperepo "github.com/cookclip/importer/internal/repository/recipe"
	"github.com/cookclip/importer/internal/server"
)

func main() {
	cfg := config.Load()

	// Root context: cancelled on SIGINT/SIGTERM so the sweep loop and
	// in-flight requests wind down promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	jobRepo := importjobrepo.NewRepository(db.DB)
	recipeRepo := reciperepo.NewRepository(db.DB)

	log := queue.NewLog(db.DB, cfg.QueuePartitions)

	jobSvc := importjob.NewService(jobRepo, log, cfg.StaleAfter)
	recipeSvc := recipe.NewService(recipeRepo)

	// Reconciliation sweep: re-queues jobs orphaned by worker crashes or by
	// deliveries consumed without ever reaching a transition.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			if err := jobSvc.RequeueStale(rootCtx); err != nil {
				slog.Error("stale job sweep", "error", err)
			}
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	srv := server.New(rootCtx, cfg.Port, jobSvc, recipeSvc, cfg.ServiceToken)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	<-done

	rootCancel()
	<-sweepDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
