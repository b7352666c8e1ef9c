package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/encounter"
	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/audit"
	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/idgen"
	"github.com/ehr/mpi/internal/platform/metrics"
	"github.com/ehr/mpi/internal/platform/middleware"
)

const (
	serviceName     = "mpi-server"
	tokenIssuer     = "mpi-server"
	requestBodySize = "1M"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Patient identity and encounter lifecycle server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditRelayCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func auditRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-relay",
		Short: "Publish committed audit entries to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, poolConfig(cfg, "audit-relay"))
			if err != nil {
				return err
			}
			defer pool.Close()

			relay, closeRelay, err := newRelay(cfg, pool, logger)
			if err != nil {
				return err
			}
			defer closeRelay()
			return relay.Run(ctx)
		},
	}
}

// tokenCmd mints a bearer token for local testing against a non-dev server.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetInt64("actor")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				key = os.Getenv("AUTH_SIGNING_KEY")
			}
			if len(key) < 32 {
				return errors.New("a signing key of at least 32 bytes is required (--key or AUTH_SIGNING_KEY)")
			}
			if actor <= 0 {
				return errors.New("--actor must be a positive user id")
			}

			token, err := auth.SignToken([]byte(key), tokenIssuer, actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64("actor", 0, "Numeric user id recorded as the acting user")
	cmd.Flags().StringSlice("roles", nil, "Roles carried in the token")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().String("key", "", "HS256 signing key (defaults to AUTH_SIGNING_KEY)")
	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, poolConfig(cfg, "migrate"))
}

// poolConfig tags connections with the subcommand that opened them.
func poolConfig(cfg *config.Config, command string) db.PoolConfig {
	return db.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		HealthCheckPeriod: cfg.DBHealthCheck,
		ApplicationName:   serviceName + "/" + command,
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	logger := zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// openRedis returns nil when REDIS_URL is unset; identifiers then come from
// the allocator fallback.
func openRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func newAllocator(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) *idgen.Allocator {
	var gen idgen.Generator
	if rdb != nil {
		gen = idgen.NewSequenceGenerator(rdb, cfg.IDGenSequenceKey, cfg.IDGenPrefix, cfg.IDGenSequenceStart)
	}
	return idgen.NewAllocator(gen, idgen.WithPrefix(cfg.IDGenPrefix), idgen.WithLogger(logger))
}

func newRelay(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*audit.Relay, func(), error) {
	client, err := audit.NewKafkaClient(cfg.KafkaBrokers, serviceName)
	if err != nil {
		return nil, nil, err
	}
	relay := audit.NewRelay(audit.NewPGSink(pool), client, cfg.AuditTopic,
		cfg.AuditRelayInterval, cfg.AuditRelayBatch, logger.With().Str("component", "audit-relay").Logger())
	return relay, client.Close, nil
}

// newServer wires repositories, services and routes onto a fresh echo
// instance. rdb may be nil.
func newServer(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(requestBodySize))
	e.Use(metrics.Middleware())

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development auth enabled: actor is taken from the X-User-ID header")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     tokenIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	checks := map[string]db.Check{}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	e.GET("/health", db.HealthHandler(pool, checks))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Repositories
	patientRepo := identity.NewRepo(pool)
	encounterRepo := encounter.NewRepo(pool)
	sink := audit.NewPGSink(pool)
	tx := db.NewTxRunner(pool)

	// Services
	mpiSvc := mpi.NewService(patientRepo, encounterRepo, newAllocator(cfg, rdb, logger), tx, sink,
		mpi.Config{
			IdentifierType:    cfg.IdentifierType,
			DefaultLocationID: cfg.DefaultLocationID,
			SearchLimit:       cfg.SearchLimit,
		},
		mpi.WithLogger(logger.With().Str("component", "mpi").Logger()),
	)
	encounterSvc := encounter.NewService(encounterRepo, patientRepo, tx, sink,
		encounter.WithAttendingRole(cfg.AttendingRole),
		encounter.WithLogger(logger.With().Str("component", "encounter").Logger()),
	)

	apiV1 := e.Group("/api/v1")
	mpi.NewHandler(mpiSvc).RegisterRoutes(apiV1)
	encounter.NewHandler(encounterSvc).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg, "serve"))
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis
	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, identifiers will use the fallback")
		}
	} else {
		logger.Warn().Msg("REDIS_URL not set, identifiers will use the fallback")
	}

	e := newServer(cfg, pool, rdb, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		if err := cfg.ValidateRelay(); err != nil {
			return err
		}
		relay, closeRelay, err := newRelay(cfg, pool, logger)
		if err != nil {
			return err
		}
		defer closeRelay()
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
