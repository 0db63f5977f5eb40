package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/pianoroll/internal/config"
	rerrors "github.com/vango-dev/pianoroll/internal/errors"
	"github.com/vango-dev/pianoroll/pkg/auth"
	"github.com/vango-dev/pianoroll/pkg/middleware"
	"github.com/vango-dev/pianoroll/pkg/server"
	"github.com/vango-dev/pianoroll/pkg/session"
)

func serveCmd() *cobra.Command {
	var (
		port      int
		host      string
		store     string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		Long: `Start the WebSocket relay.

Configuration is read from pianoroll.yaml or pianoroll.json, then .env
and the environment, then the flags below.

Examples:
  pianoroll serve
  pianoroll serve --port=9000 --store=sqlite
  REDIS_URL=redis://localhost:6379/0 pianoroll serve --store=redis`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Apply command-line overrides
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if host != "" {
				cfg.Host = host
			}
			if store != "" {
				cfg.Store.Type = strings.ToLower(store)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default 8080)")
	cmd.Flags().StringVarP(&host, "host", "H", "", "Host to bind to")
	cmd.Flags().StringVar(&store, "store", "", "Session store: memory, redis, sqlite or s3")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: text or json")

	return cmd
}

// loadConfig builds the effective configuration from the config file, the
// env file and the environment. Flags are applied by the caller.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load(".")
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}

	store := session.NewStore(repo, auth.NewScryptHasher(auth.DefaultScryptParams()), session.WithLogger(logger))

	srvConfig := server.DefaultConfig()
	srvConfig.Address = cfg.Address()
	srvConfig.TrustedProxies = cfg.TrustedProxies
	srvConfig.MaxConnectionsPerIP = cfg.MaxConnectionsPerIP
	if len(cfg.AllowedOrigins) > 0 {
		srvConfig.CheckOrigin = server.AllowOrigins(cfg.AllowedOrigins)
	}
	srvConfig.Manager = session.ManagerConfig{
		FlushInterval:    cfg.FlushInterval(),
		ReapInterval:     cfg.ReapInterval(),
		FlushTimeout:     cfg.FlushTimeout(),
		FlushConcurrency: cfg.Session.FlushConcurrency,
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithTracer(middleware.Tracer(middleware.WithTracerName("pianoroll"))),
	}
	if cfg.MetricsEnabled() {
		opts = append(opts, server.WithMetrics(middleware.NewMetrics()))
	}

	srv := server.New(srvConfig, store, opts...)
	logger.Info("relay configured",
		"address", srvConfig.Address,
		"store", cfg.Store.Type,
		"metrics", cfg.MetricsEnabled(),
		"flush_interval", srvConfig.Manager.FlushInterval,
		"reap_interval", srvConfig.Manager.ReapInterval,
	)
	return srv.Run(ctx)
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openRepository connects the configured session repository.
func openRepository(ctx context.Context, cfg *config.Config) (session.Repository, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return session.NewMemoryRepository(), nil

	case config.StoreRedis:
		var opts []session.RedisOption
		if cfg.Store.Redis.Prefix != "" {
			opts = append(opts, session.WithRedisPrefix(cfg.Store.Redis.Prefix))
		}
		repo, err := session.DialRedis(ctx, cfg.Store.Redis.URL, opts...)
		if err != nil {
			return nil, rerrors.New(rerrors.CodeRepository).WithDetail("connect to redis").Wrap(err)
		}
		return repo, nil

	case config.StoreSQLite:
		var opts []session.SQLOption
		if cfg.Store.SQLite.Table != "" {
			opts = append(opts, session.WithSQLTableName(cfg.Store.SQLite.Table))
		}
		repo, err := session.OpenSQLite(ctx, cfg.Store.SQLite.Path, opts...)
		if err != nil {
			return nil, rerrors.New(rerrors.CodeRepository).WithDetail("open " + cfg.Store.SQLite.Path).Wrap(err)
		}
		return repo, nil

	case config.StoreS3:
		s3cfg := session.S3Config{
			Bucket:          cfg.Store.S3.Bucket,
			Prefix:          cfg.Store.S3.Prefix,
			Region:          cfg.Store.S3.Region,
			Endpoint:        cfg.Store.S3.Endpoint,
			AccessKeyID:     cfg.Store.S3.AccessKeyID,
			SecretAccessKey: cfg.Store.S3.SecretAccessKey,
			UsePathStyle:    cfg.Store.S3.UsePathStyle,
		}
		return session.NewS3Repository(session.NewS3Client(s3cfg), s3cfg.Bucket, s3cfg.Prefix), nil
	}

	return nil, rerrors.New(rerrors.CodeConfig).WithDetail(fmt.Sprintf("unknown store type %q", cfg.Store.Type))
}
