// Command sharedav runs the share-aware WebDAV server and its admin tools.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/sharedav/internal/auth"
	"github.com/fruitsalade/sharedav/internal/config"
	"github.com/fruitsalade/sharedav/internal/logging"
	"github.com/fruitsalade/sharedav/internal/metadata/postgres"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sharedav",
		Short: "WebDAV file server with ownCloud-style share annotations",
		Long: `sharedav serves a PostgreSQL-indexed file tree over WebDAV and reports
share and permission properties the way ownCloud clients expect them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		userCmd(),
		groupCmd(),
		shareCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging.
func setup() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}

// openStore connects to PostgreSQL and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	if err := store.EnsureRoot(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// lookupUser resolves a username for admin commands.
func lookupUser(ctx context.Context, a *auth.Auth, username string) (*auth.User, error) {
	u, err := a.GetUserByName(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %q not found", username)
	}
	return u, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logging.Info("migrations applied", zap.String("database", "postgres"))
			return nil
		},
	}
}
