package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warden/internal/api"
	"warden/internal/config"
	"warden/internal/enumerate"
	"warden/internal/hook"
	"warden/internal/intervene"
	"warden/internal/journal"
	"warden/internal/locator"
	"warden/internal/model"
	"warden/internal/ports"
	"warden/internal/state"
	"warden/internal/supervise"
)

const journalRetention = 14 * 24 * time.Hour

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wardend:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		socketPath  string
		journalPath string
		debug       bool
	)
	cmd := &cobra.Command{
		Use:           "wardend",
		Short:         "Supervises code-editor instances and recovers stuck ones",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketPath = socketPath
			}
			if cmd.Flags().Changed("journal") {
				cfg.JournalPath = journalPath
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path")
	cmd.Flags().StringVar(&socketPath, "socket", "", "UDS path for the status API")
	cmd.Flags().StringVar(&journalPath, "journal", "", "SQLite journal path")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
	return cmd
}

func runDaemon(cfg config.Config) error {
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jnl, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		return err
	}
	defer jnl.Close() //nolint:errcheck
	if err := journal.ApplyMigrations(ctx, jnl.DB()); err != nil {
		return err
	}

	portMgr, err := ports.NewManager(cfg.HookPortBase, cfg.HookPortCount)
	if err != nil {
		return err
	}

	reg := locator.NewRegistry()
	if err := reg.LoadOverrides(cfg.LocatorOverrides); err != nil {
		logger.Warn("locator overrides not loaded", zap.Error(err))
	}
	if err := reg.Watch(ctx, cfg.LocatorOverrides, logger); err != nil {
		logger.Warn("locator override watch disabled", zap.Error(err))
	}
	finder := locator.NewExecFinder(cfg.LocatorHelper)

	store := state.NewStore(cfg, jnl, logger)

	hooks := hook.NewManager(cfg, portMgr, hook.NewExecInjector(cfg.InjectorCommand), logger)
	hooks.SetObservers(
		func(windowID string, hb hook.Heartbeat) {
			store.SetHeartbeat(windowID, model.HeartbeatStatus{
				Alive:        true,
				ResumeNeeded: hb.ResumeNeeded,
				LastSeen:     time.Now().UTC(),
			})
		},
		func(windowID string, reason error) {
			store.MarkHookDown(windowID)
		},
	)
	defer hooks.Shutdown()

	engine := intervene.NewEngine(cfg, store, reg, finder, hooks, logger)
	observer := supervise.NewLocatorObserver(reg, finder)
	source := enumerate.NewProcessSource(cfg.EnumerateCommand)
	loop := supervise.NewLoop(cfg, source, observer, engine, store, hooks, logger)

	loop.Start(ctx)
	defer loop.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(cfg, store, jnl, hooks, logger).Start(gctx)
	})
	g.Go(func() error {
		runRetention(gctx, jnl, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runRetention(ctx context.Context, jnl *journal.Store, logger *zap.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := jnl.PruneBefore(ctx, time.Now().UTC().Add(-journalRetention))
			if err != nil {
				logger.Warn("journal prune failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Info("journal pruned", zap.Int64("events", pruned))
			}
		}
	}
}
