// Package main is the choregarden API server.
//
// Configuration is read from an optional YAML or JSON file, then from the
// JSON object in CHOREGARDEN_SECRETS, then from CHOREGARDEN_* variables:
//
//	CHOREGARDEN_COGNITO_USER_POOL_ID=us-east-1_AbCdEf123 \
//	CHOREGARDEN_COGNITO_CLIENT_ID=web \
//	choregarden serve --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/choregarden/choregarden-core/internal/app"
	"github.com/choregarden/choregarden-core/pkg/clients/postgres"
	"github.com/choregarden/choregarden-core/pkg/config"
	"github.com/choregarden/choregarden-core/pkg/users"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	envPrefix  = "CHOREGARDEN"
	secretsVar = "CHOREGARDEN_SECRETS"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           app.ServiceName,
		Short:         "Chore Garden API server",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML or JSON config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	})
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				logger.Error("failed to initialize service", "error", err)
				return err
			}
			if err := a.Run(ctx); err != nil {
				logger.Error("service stopped with error", "error", err)
				return err
			}
			logger.Info("service stopped")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the users table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := postgres.NewClient(ctx, cfg.Postgres, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if _, err := db.Exec(ctx, users.Schema); err != nil {
				return fmt.Errorf("apply users schema: %w", err)
			}
			logger.InfoContext(ctx, "users schema applied")
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (app.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")

	loader := config.New().WithEnvPrefix(envPrefix).WithSecretsVar(secretsVar)
	if path != "" {
		loader = loader.WithFile(path)
	}

	var cfg app.Config
	if err := loader.Load(&cfg); err != nil {
		return app.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	// Load has already validated the level.
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", app.ServiceName, "version", version)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
