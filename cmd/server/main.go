// @title           StemSplit Backend API
// @version         1.0.0
// @description     Uploads audio, runs it through the stem separation engine, and serves the separated stems.

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token. Optional; anonymous callers send a fingerprint.

package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"stemsplit-backend/internal/config"
	"stemsplit-backend/internal/logging"
	"stemsplit-backend/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP API",
		RunE: withApp(func(ctx context.Context, app *server.App) error {
			if err := app.Migrate(ctx); err != nil {
				return err
			}
			return app.Serve(ctx)
		}),
	}

	root := &cobra.Command{
		Use:           "stemsplit",
		Short:         "Audio stem separation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: withApp(func(ctx context.Context, app *server.App) error {
				return app.Migrate(ctx)
			}),
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Resume files left in processing by a previous run and wait for them",
			RunE: withApp(func(ctx context.Context, app *server.App) error {
				return app.Reconcile(ctx)
			}),
		},
	)
	return root
}

func withApp(run func(ctx context.Context, app *server.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			log.WithError(err).Error("failed to load configuration")
			return err
		}
		logging.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		app, err := server.NewApp(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("failed to initialize application")
			return err
		}
		defer app.Close()

		if err := run(ctx, app); err != nil {
			log.WithError(err).Error("command failed")
			return err
		}
		return nil
	}
}
