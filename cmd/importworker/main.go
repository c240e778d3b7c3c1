package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cookclip/importer/internal/config"
	"github.com/cookclip/importer/internal/jobapi"
	"github.com/cookclip/importer/internal/platform/sqlite"
	"github.com/cookclip/importer/internal/queue"
	"github.com/cookclip/importer/internal/structurer"
	"github.com/cookclip/importer/internal/transcript"
	"github.com/cookclip/importer/internal/worker"
)

func main() {
	cfg := config.Load()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// The queue lives in the job database; the worker opens it read-mostly
	// for consumption, while all job mutations go through the job API.
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	api := jobapi.NewClient(cfg.JobAPIURL, cfg.ServiceToken, cfg.JobAPITimeout)

	extractor := transcript.New(
		transcript.WithPath(cfg.YtdlpPath),
		transcript.WithWorkDir(cfg.WorkDir),
		transcript.WithTimeout(cfg.ExtractTimeout),
		transcript.WithMinChars(cfg.MinTranscriptChars),
		transcript.WithMaxSegments(cfg.MaxSegments),
	)

	structClient := structurer.NewClient(cfg.StructurerURL, cfg.ServiceToken, cfg.StructurerTimeout)

	w := worker.New(api, extractor, structClient)
	log := queue.NewLog(db.DB, cfg.QueuePartitions)

	go func() {
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGTERM)
		<-done
		slog.Info("shutting down worker")
		rootCancel()
	}()

	slog.Info("worker started", "group", cfg.ConsumerGroup, "partitions", cfg.QueuePartitions)
	if err := log.Run(rootCtx, cfg.ConsumerGroup, w); err != nil {
		slog.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
