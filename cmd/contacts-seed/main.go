package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/contacts/internal/seeder"
	"github.com/okian/contacts/pkg/logger"
)

// defaultRunTimeout bounds a whole seeding run.
const defaultRunTimeout = 10 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &seeder.Config{}
	var runTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "contacts-seed",
		Short: "Fill a contacts service with generated contacts and verify them",
		Long: `contacts-seed creates random contacts through the HTTP API, checks that the
list comes back newest first and that every created contact reads back as sent,
then prints run statistics.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			if cfg.Verbose {
				return logger.SetLevelString("debug")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, runTimeout)
			defer cancel()

			if _, err := seeder.Run(ctx, cfg); err != nil {
				return fmt.Errorf("seeding failed: %w", err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", seeder.DefaultBaseURL, "Base URL of the service")
	f.StringVarP(&cfg.User, "user", "u", envOr("CONTACTS_ADMIN_USER", "admin"), "Basic auth user")
	f.StringVarP(&cfg.Password, "password", "p", envOr("CONTACTS_ADMIN_PASSWORD", ""), "Basic auth password")
	f.IntVarP(&cfg.Count, "count", "n", seeder.DefaultCount, "Number of contacts to create")
	f.IntVarP(&cfg.Workers, "workers", "w", runtime.NumCPU()*2, "Number of concurrent submitters")
	f.DurationVar(&cfg.Timeout, "timeout", seeder.DefaultTimeout, "HTTP request timeout")
	f.DurationVar(&runTimeout, "run-timeout", defaultRunTimeout, "Timeout for the whole run")
	f.BoolVar(&cfg.Avatars, "avatars", false, "Attach a generated PNG avatar to each contact")
	f.BoolVar(&cfg.Cleanup, "cleanup", false, "Delete the created contacts when done")
	f.Uint64Var(&cfg.Seed, "seed", 0, "Generator seed (0 uses the clock)")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
