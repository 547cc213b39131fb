package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/bus"
	"github.com/chronicl/collector/internal/config"
	"github.com/chronicl/collector/internal/ingest"
	"github.com/chronicl/collector/internal/metrics"
	"github.com/chronicl/collector/internal/normalize"
	"github.com/chronicl/collector/internal/priority"
	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/retention"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collector: ingest server, pipeline worker, retention loop",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runCollector(cfg, logger)
		},
	}
}

func runCollector(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting collector")

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := metrics.New(metrics.Options{
		LogIntervalSec:         cfg.Metrics.LogIntervalSec,
		ActivityLog:            cfg.Metrics.ActivityLog,
		ActivityTopN:           cfg.Metrics.ActivityTopN,
		ActivityMinDurationSec: cfg.Metrics.ActivityMinDurationSec,
	})

	rules, err := privacy.LoadRules(cfg.Privacy.RulesPath)
	if err != nil {
		return err
	}
	guard := privacy.NewGuard(rules, cfg.Privacy.HashSalt, privacy.URLMode(cfg.Privacy.URLMode), reg)

	processor := priority.NewProcessor(priority.Options{
		DebounceSeconds:     cfg.Priority.DebounceSeconds,
		FocusEventTypes:     cfg.Priority.FocusEventTypes,
		FocusBlockEventType: cfg.Priority.FocusBlockEventType,
		DropP2QueueRatio:    cfg.Priority.DropP2WhenQueueOver,
		P0EventTypes:        cfg.Priority.P0EventTypes,
		P1EventTypes:        cfg.Priority.P1EventTypes,
		P2EventTypes:        cfg.Priority.P2EventTypes,
	}, reg)

	eventBus := bus.New(st, guard, processor, reg, logger, bus.Options{
		ValidationLevel:      normalize.Level(cfg.ValidationLevel),
		QueueSize:            cfg.Queue.MaxSize,
		InsertBatchSize:      cfg.Queue.InsertBatchSize,
		InsertFlushMS:        cfg.Queue.InsertFlushMS,
		InsertRetryAttempts:  cfg.Queue.InsertRetryAttempts,
		InsertRetryBackoffMS: cfg.Queue.InsertRetryBackoffMS,
		ActivityDetail: bus.ActivityDetailOptions{
			Enabled:        cfg.ActivityDetail.Enabled,
			MinDurationSec: cfg.ActivityDetail.MinDurationSec,
			StoreHint:      cfg.ActivityDetail.StoreHint,
			HashSalt:       cfg.Privacy.HashSalt,
			FullTitleApps:  cfg.ActivityDetail.FullTitleApps,
			MaxTitleLen:    cfg.ActivityDetail.MaxTitleLen,
		},
	})
	eventBus.Start()

	stop := make(chan struct{})

	var server *ingest.Server
	var serverErr <-chan error
	if cfg.Ingest.Enabled {
		server = ingest.NewServer(eventBus, st, reg, logger, ingest.Options{
			Host:  cfg.Ingest.Host,
			Port:  cfg.Ingest.Port,
			Token: cfg.Ingest.Token,
		})
		serverErr = server.Start()
	} else {
		logger.Info("ingest disabled")
	}

	go retention.Loop(st, cfg.Retention, logger, stop)

	// Metrics heartbeat so a quiet queue still emits metrics_minute records.
	heartbeat := cfg.Metrics.LogIntervalSec / 2
	if heartbeat < 5 {
		heartbeat = 5
	}
	go func() {
		ticker := time.NewTicker(time.Duration(heartbeat) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				reg.MaybeLog(logger, st.DBSize())
			}
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("shutdown requested", zap.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok && err != nil {
			logger.Error("ingest server failed", zap.Error(err))
		}
	}

	close(stop)
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}
	eventBus.Stop(cfg.Queue.ShutdownDrainSeconds)
	logger.Info("collector stopped")
	return nil
}
