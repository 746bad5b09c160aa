package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/claims-bridge/claims/internal/config"
	"github.com/claims-bridge/claims/internal/domain/claims"
	"github.com/claims-bridge/claims/internal/platform/auth"
	"github.com/claims-bridge/claims/internal/platform/blobstore"
	"github.com/claims-bridge/claims/internal/platform/db"
	"github.com/claims-bridge/claims/internal/platform/metrics"
	"github.com/claims-bridge/claims/internal/platform/middleware"
	"github.com/claims-bridge/claims/internal/platform/resilience"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claims-server",
		Short: "Insurance claims processing gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the claims API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.UsePostgres() {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.UsePostgres() {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("server is running in DEVELOPMENT mode; operator endpoints are open")
	}

	// Claim state store
	ctx := context.Background()
	var store claims.StatusStore
	var pool *pgxpool.Pool
	if cfg.UsePostgres() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		store = claims.NewPGStore(pool)
		logger.Info().Msg("claim state persisted in postgres")
	} else {
		store = claims.NewInMemoryStore()
		logger.Info().Msg("claim state held in memory")
	}
	if pool != nil {
		defer pool.Close()
	}

	// Metrics
	prom := metrics.NewProvider()

	// Resilience: one retry policy and one breaker per downstream service
	caller := resilience.NewCaller(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.CallTimeout)
	breakers := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
	})
	breakers.OnTransition = func(service string, from, to resilience.State) {
		prom.BreakerTransition(service, int64(to))
		logger.Warn().
			Str("service", service).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state change")
	}

	// Pipeline
	client := claims.NewClient(caller, breakers, logger)
	executors := claims.RemoteExecutors(client, claims.DownstreamConfig{
		NormalizationURL:  cfg.NormalizationURL,
		FinancialRulesURL: cfg.FinancialRulesURL,
		SigningURL:        cfg.SigningURL,
		PlatformURL:       cfg.PlatformURL,
	})
	validator := claims.NewValidator(cfg.SharedSecret, cfg.FacilityAllowlist)
	orch := claims.NewOrchestrator(store, validator, executors, claims.Options{
		Logger:   logger,
		Observer: prom,
	})
	caller.OnAttempt = func(ctx context.Context, ev resilience.AttemptEvent) {
		prom.AttemptMade(ev.Service, ev.Err != nil)
		orch.RecordAttempt(ctx, ev)
	}

	blobs := blobstore.NewInMemoryStore()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(prom.Middleware())
	e.Use(middleware.BodyLimit("1M", "25M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", claims.SecretHeader},
	}))

	// Facility intake API
	api := e.Group("/api")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateLimitCfg))
	claims.NewHandler(orch, blobs).RegisterRoutes(api)

	// Operator surface
	admin := e.Group("/admin")
	if cfg.IsDev() {
		admin.Use(auth.DevAuthMiddleware())
	} else {
		admin.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AdminJWTSecret),
			Issuer:     "claims-bridge",
		}))
	}
	admin.Use(auth.RequireRole("operator", "admin"))
	admin.GET("/breakers", func(c echo.Context) error {
		states := breakers.States()
		out := make(map[string]string, len(states))
		for svc, st := range states {
			out[svc] = st.String()
		}
		return c.JSON(http.StatusOK, out)
	})

	// Observability
	e.GET("/metrics", prom.Handler())
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	// Let in-flight claim pipelines finish their current stage writes.
	orch.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
