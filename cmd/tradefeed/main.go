package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tradefeed/config"
	"tradefeed/internal/admin"
	"tradefeed/internal/diag"
	"tradefeed/internal/logger"
	"tradefeed/internal/metrics"
	"tradefeed/internal/notification"
	"tradefeed/internal/supervisor"
)

func main() {
	log := logger.Init("tradefeed", slog.LevelInfo)
	log.Info("starting")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		log.Error("config invalid", "err", err)
		os.Exit(1)
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, health, prom.Registry())
		metricsSrv.Start()
		log.Info("metrics server listening", "addr", cfg.Metrics.Addr)
	}

	var notifier notification.Notifier = notification.NewLogNotifier()
	if cfg.Notify.WebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	var diagRec *diag.Recorder
	if cfg.Diag.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Diag.SQLitePath), 0o755); err != nil {
			log.Error("failed to create diagnostics directory", "err", err)
		} else {
			diagRec, err = diag.New(diag.Config{
				DBPath:          cfg.Diag.SQLitePath,
				MaxSnippetBytes: cfg.Diag.MaxSnippetBytes,
			}, log)
			if err != nil {
				log.Error("diagnostics recorder disabled at startup", "err", err)
				diagRec = nil
			} else {
				defer diagRec.Close()
				health.SetDiagOK(true)
				log.Info("diagnostics recorder ready", "path", cfg.Diag.SQLitePath)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if diagRec != nil {
		health.StartLivenessChecker(ctx, nil, diagRec.DB(), 10*time.Second)
	}

	sup := supervisor.New(cfg, os.Args[1:], log, prom, health, notifier, diagRec)

	var adminSrv *admin.Server
	if cfg.Admin.Addr != "" {
		adminSrv = admin.New(admin.Config{
			Addr:       cfg.Admin.Addr,
			TOTPSecret: cfg.Admin.TOTPSecret,
		}, sup.RequestReload)
		adminSrv.Start()
		log.Info("admin server listening", "addr", cfg.Admin.Addr)
	}

	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor exited with error", "err", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		metricsSrv.Stop(shutdownCtx)
	}
	if adminSrv != nil {
		adminSrv.Stop(shutdownCtx)
	}

	log.Info("shutdown complete")
}
