package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fundshield/auth"
	"fundshield/config"
	"fundshield/db"
	"fundshield/telemetry"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fundshield",
		Short:         "Escrow dispute resolution and arbitration engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a yaml config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))
	rootCmd.AddCommand(hashSecretCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the sweep scheduler, outbox relay and settlement retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
				ServiceName: "fundshield",
				Version:     Version,
				Endpoint:    cfg.Telemetry.OTLPEndpoint,
				Interval:    cfg.Telemetry.Interval,
			}, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			srv := a.httpServer()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("http server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return a.scheduler.Run(gctx) })
			g.Go(func() error { return a.relay.Run(gctx) })
			if a.retries != nil {
				g.Go(func() error { return a.retries.Run(gctx) })
			}

			err = g.Wait()
			logger.Info("fundshield stopped")
			return err
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep pass and print what it processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.scheduler.Sweep(cmd.Context())
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required")
			}
			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, db.PoolOptions{MaxConns: 2, ApplicationName: "fundshield-migrate"})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(applied), "files", applied)
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a subject and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required")
			}
			r := auth.Role(strings.ToLower(role))
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			svc := auth.NewService(nil, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			res, err := svc.Issue(subject, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "party, arbitrator or admin id")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleParty), "admin, arbitrator or party")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func hashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Read a client secret from stdin and print its bcrypt hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			hash, err := auth.HashSecret(strings.TrimSpace(line))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
