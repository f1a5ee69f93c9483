package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/metalagman/specdrive/internal/botrun"
	"github.com/metalagman/specdrive/internal/capsule"
	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/ipc"
	"github.com/metalagman/specdrive/internal/store"
)

// serveCmd runs the bot-run service daemon: store, capsule, run
// manager, and IPC server wired through fx.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the bot run service on the local socket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			app := fx.New(
				fx.NopLogger,
				fx.Supply(cfg),
				fx.Provide(
					func() *store.Store { return store.New(defaultDataDir(cfg, root)) },
					capsule.NewManager,
					func() botrun.Engine { return botrun.NewDefaultEngine() },
					botrun.NewManager,
					func(mgr *botrun.Manager) *ipc.Server {
						return ipc.NewServer(defaultSocketPath(cfg, root), toolVersion, mgr)
					},
				),
				fx.Invoke(registerService),
			)
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			<-app.Done()
			return app.Stop(context.Background())
		},
	}
	return cmd
}

// registerService starts the service pieces in order: incomplete runs
// are resumed before the IPC socket accepts connections.
func registerService(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, mgr *botrun.Manager, caps *capsule.Manager, server *ipc.Server) {
	serveCtx, cancel := context.WithCancel(context.Background())
	idleTimeout := time.Duration(cfg.Service.IdleTimeoutMinutes) * time.Minute

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			resumed := mgr.ResumeIncomplete(ctx)
			if len(resumed) > 0 {
				log.Info().Strs("run_ids", resumed).Msg("resumed incomplete runs")
			}
			if err := server.Listen(); err != nil {
				return err
			}
			go func() {
				if err := server.Serve(serveCtx); err != nil {
					log.Error().Err(err).Msg("ipc server stopped")
				}
			}()
			if idleTimeout > 0 {
				go idleWatch(serveCtx, shutdowner, mgr, idleTimeout)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			server.Close()
			caps.Close()
			return nil
		},
	})
}

// idleWatch shuts the service down after a quiet period with no
// connections or activity.
func idleWatch(ctx context.Context, shutdowner fx.Shutdowner, mgr *botrun.Manager, timeout time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mgr.Connections() == 0 && mgr.ActiveRuns() == 0 && time.Since(mgr.LastActivity()) > timeout {
				log.Info().Dur("idle", time.Since(mgr.LastActivity())).Msg("idle timeout reached, shutting down")
				_ = shutdowner.Shutdown()
				return
			}
		}
	}
}
