package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/api"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/common/utils"
	"github.com/xuecangming/multidrive/internal/core/clock"
	"github.com/xuecangming/multidrive/internal/core/loadbalancer"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/progress"
	"github.com/xuecangming/multidrive/internal/core/retry"
	"github.com/xuecangming/multidrive/internal/core/scheduler"
	"github.com/xuecangming/multidrive/internal/infrastructure/storage"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/service/account"
	"github.com/xuecangming/multidrive/internal/service/task"
	"github.com/xuecangming/multidrive/internal/transfer/replication"
	"github.com/xuecangming/multidrive/internal/transfer/strategy"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and transfer scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, log, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	accounts := account.NewService(store, remote.NewRegistry(), account.Options{
		VirtualDrives: cfg.VirtualDrives,
		Logger:        log,
	})
	defer accounts.Close()
	// accounts that fail to connect are marked and skipped
	if err := accounts.Load(ctx); err != nil {
		return err
	}

	quotas := loadbalancer.NewQuotaCache(accounts.Quota, utils.Seconds(cfg.Quota.CacheTTL, 30*time.Minute), clock.Real{}, log)
	balancer := loadbalancer.NewBalancer(cfg.Quota.Buffer)

	local, err := storage.NewLocalStorage(cfg.Transfer.LocalRoot)
	if err != nil {
		return err
	}
	stager, err := storage.NewOSStaging(cfg.Transfer.StagingDir, log)
	if err != nil {
		return err
	}

	retryCfg := retryConfig(cfg.Retry)
	taskCfg := task.Config{
		Accounts: accounts,
		Local:    local,
		Quotas:   quotas,
		Balancer: balancer,
		Scheduler: scheduler.Config{
			GlobalLimit:     cfg.Transfer.GlobalLimit,
			PerAccountLimit: cfg.Transfer.PerAccountLimit,
		},
		Progress: progress.Config{
			TaskInterval:  utils.Millis(cfg.Progress.TaskInterval, 500*time.Millisecond),
			FlushInterval: utils.Millis(cfg.Progress.FlushInterval, 2*time.Second),
		},
		Copier: strategy.Config{
			ChunkSize:        int(cfg.Transfer.ChunkSize),
			StagingThreshold: cfg.Transfer.StagingThreshold,
		},
		Stager: stager,
		Replication: replication.Config{
			Concurrency: cfg.Transfer.ReplicationConcurrency,
			ListTimeout: utils.Seconds(cfg.Transfer.ListTimeout, 15*time.Second),
			Excludes:    cfg.Transfer.Excludes,
		},
		Retry:  retryCfg,
		Logger: log,
	}
	var engine *vault.Vault
	if cfg.Vault.Enabled {
		if engine, err = newVault(cfg.Vault, local); err != nil {
			return err
		}
		if !engine.Unlocked() {
			log.Warn("vault enabled without a password, encrypted transfers fail until it is unlocked over the API")
		}
		taskCfg.Vault = engine
	}

	tasks, err := task.NewService(taskCfg)
	if err != nil {
		return err
	}

	watcher, err := utils.WatchConfig(utils.ConfigPath(configFile), log, func(next *types.Config) {
		if err := tasks.SetLimits(next.Transfer.GlobalLimit, next.Transfer.PerAccountLimit); err != nil {
			log.Warn("ignoring reloaded limits", logger.Error(err))
		}
	})
	if err != nil {
		// a missing config file is allowed, there is just nothing to watch
		log.Warn("config watch disabled", logger.Error(err))
	} else {
		defer watcher.Close()
	}

	server := api.NewServer(api.Dependencies{
		Config:   cfg,
		DB:       db,
		Accounts: accounts,
		Tasks:    tasks,
		Quotas:   quotas,
		Balancer: balancer,
		Vault:    engine,
		Logger:   log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", logger.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return errors.Errorf("server failed: %w", err)
		}
	}

	log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logger.Error(err))
	}
	server.Close()
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Warn("task shutdown", logger.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// retryConfig converts the millisecond config values
func retryConfig(c types.RetryConfig) *retry.Config {
	def := retry.DefaultConfig()
	out := &retry.Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: utils.Millis(c.InitialDelay, def.InitialDelay),
		MaxDelay:     utils.Millis(c.MaxDelay, def.MaxDelay),
		Multiplier:   float64(c.Multiplier),
		Jitter:       true,
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.Multiplier < 1 {
		out.Multiplier = def.Multiplier
	}
	return out
}
