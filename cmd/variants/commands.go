package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	"github.com/tendant/simple-variants/pkg/simplevariants/api"
	"github.com/tendant/simple-variants/pkg/simplevariants/config"
	"github.com/tendant/simple-variants/pkg/simplevariants/refstrategy"
	"github.com/tendant/simple-variants/pkg/simplevariants/scan"
)

const shutdownTimeout = 30 * time.Second

func loadConfig() (*config.ServerConfig, *slog.Logger, error) {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to serve")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			rt, err := cfg.BuildService(ctx, logger, reg)
			if err != nil {
				return fmt.Errorf("failed to build service: %w", err)
			}
			refs, err := refstrategy.New(cfg.RefStrategy)
			if err != nil {
				return err
			}

			level, _ := config.ParseLogLevel(cfg.LogLevel)
			requestLogger := httplog.NewLogger("simple-variants", httplog.Options{
				LogLevel: level,
				JSON:     cfg.LogFormat == "json",
				Concise:  true,
			})

			handler, err := api.NewRouter(api.Config{
				Service:       rt.Service,
				Refs:          refs,
				Auth:          api.NewAuth(cfg.JWTSecret),
				RequestLogger: requestLogger,
				Gatherer:      reg,
				Logger:        logger,
			})
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server starting",
					"port", cfg.Port,
					"environment", cfg.Environment,
					"database", cfg.DatabaseType,
					"storage", cfg.DefaultStorageBackend,
					"redis", cfg.RedisURL != "",
					"downgrade_policy", cfg.DowngradePolicy)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					_ = rt.Close(context.Background())
					return fmt.Errorf("server error: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server forced to shutdown", "error", err)
			}
			// In-flight generation work is drained before the process exits.
			if err := rt.Close(shutdownCtx); err != nil {
				return fmt.Errorf("failed to drain generation work: %w", err)
			}
			logger.Info("server exited")
			return nil
		},
	}
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Create the configured schema if needed and apply every pending migration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseType != "postgres" {
				return errors.New("migrate requires a postgres DATABASE_URL")
			}

			pool, err := config.OpenPostgres(cmd.Context(), cfg.DatabaseURL, cfg.DBSchema)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := config.MigrateDatabase(cmd.Context(), pool, cfg.DBSchema); err != nil {
				return err
			}
			logger.Info("migrations applied", "schema", cfg.DBSchema)
			return nil
		},
	}
}

// NewReconcileCommand creates the reconcile command
func NewReconcileCommand() *cobra.Command {
	var full bool
	var all bool
	var dryRun bool
	var batchSize int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile [account-id]",
		Short: "Bring thumbnails in line with account plans",
		Long: `Compare the account's plan with the last reconciled entitlement and
generate missing thumbnails. With --full every granted size is checked on
every image regardless of the recorded entitlement. With --all every account
is processed in batches.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid account ID: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rt, err := cfg.BuildService(ctx, logger, nil)
			if err != nil {
				return fmt.Errorf("failed to build service: %w", err)
			}
			defer rt.Close(context.Background())

			reconcile := rt.Service.ReconcileAccount
			if full {
				reconcile = rt.Service.ResyncAccount
			}

			var out any
			if all {
				result, err := scan.New(rt.Service, logger).Scan(ctx, scan.Options{
					BatchSize: batchSize,
					DryRun:    dryRun,
					Processor: scan.ProcessorFunc(func(ctx context.Context, account *simplevariants.Account) error {
						_, err := reconcile(ctx, account.ID)
						return err
					}),
					OnProgress: func(processed, total int64) {
						logger.Info("reconcile progress", "processed", processed, "found", total)
					},
				})
				if err != nil {
					return err
				}
				out = result
			} else {
				delta, err := reconcile(ctx, uuid.MustParse(args[0]))
				if err != nil {
					return err
				}
				out = delta
			}

			if err := rt.Service.Drain(ctx); err != nil {
				return fmt.Errorf("generation did not finish: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "check every granted size on every image")
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every account")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "with --all, list accounts without reconciling")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "with --all, accounts listed per batch")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

// NewTokenCommand creates the token command
func NewTokenCommand() *cobra.Command {
	var admin bool
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid account ID: %w", err)
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}

			claims := map[string]interface{}{"sub": args[0]}
			if admin {
				claims["admin"] = true
			}
			jwtauth.SetIssuedNow(claims)
			jwtauth.SetExpiryIn(claims, ttl)

			_, token, err := api.NewAuth(cfg.JWTSecret).Encode(claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "grant access to the admin routes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
