package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/engine"
	"repairline/internal/engine/auth"
	"repairline/internal/events"
	"repairline/internal/lock"
	"repairline/internal/metrics"
	"repairline/internal/migrate"
	"repairline/internal/repo"
)

// JWTSecretEnv names the variable holding the HS256 signing secret.
const JWTSecretEnv = "REPAIRLINE_JWT_SECRET"

// Options select the workspace and ambient collaborators for Open.
type Options struct {
	Workspace string
	Logger    *zap.Logger
	// Config overrides the workspace config file when set.
	Config *config.Config
}

// Runtime is a fully wired engine plus the resources it holds open.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	closers []func()
}

// LoadEnv reads .env from the workspace if present. Existing variables win.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspaceOrDot(workspace), ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Open loads config, opens the configured store and lock backends, and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, Logger: logger, Metrics: metrics.New()}

	var err error
	switch cfg.Store.Backend {
	case "postgres":
		rt.DB, err = db.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := migrate.MigrateDialect(rt.DB, migrate.Postgres); err != nil {
			rt.DB.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rt.Repo = repo.NewPostgres(rt.DB)
	default:
		rt.DB, err = db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(rt.DB); err != nil {
			rt.DB.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rt.Repo = repo.Repo{DB: rt.DB}
	}
	rt.closers = append(rt.closers, func() { rt.DB.Close() })

	rt.Engine = engine.New(rt.Repo, cfg)
	rt.Engine.Logger = logger
	rt.Engine.Metrics = rt.Metrics
	if cfg.Lock.Backend == "redis" {
		rl, err := lock.NewRedis(cfg.Lock.RedisAddr, cfg.Lock.TTL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Engine.Locks = rl
		rt.closers = append(rt.closers, func() { rl.Close() })
	}
	logger.Debug("runtime opened",
		zap.String("workspace", workspaceOrDot(opts.Workspace)),
		zap.String("store", cfg.Store.Backend),
		zap.String("lock", cfg.Lock.Backend))
	return rt, nil
}

// Resolver builds the credential chain: JWT when a secret is configured, then API keys.
func (rt *Runtime) Resolver(jwtSecret string) auth.Resolver {
	chain := auth.Chain{}
	if strings.TrimSpace(jwtSecret) != "" {
		chain = append(chain, auth.JWTResolver{Secret: jwtSecret})
	}
	return append(chain, auth.APIKeyResolver{Keys: rt.Repo})
}

// Dispatcher returns an outbox dispatcher over the configured sinks. The
// caller runs it; AMQP connections are released by Close.
func (rt *Runtime) Dispatcher() (*events.Dispatcher, error) {
	sinks := events.SinksFromConfig(rt.Config)
	if rt.Config.AMQP.URL != "" {
		s, err := events.DialAMQPSink(rt.Config.AMQP.URL, rt.Config.AMQP.Exchange)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		sinks = append(sinks, s)
	}
	return &events.Dispatcher{
		Source:  rt.Repo,
		Sinks:   sinks,
		Logger:  rt.Logger.Named("dispatch"),
		Metrics: rt.Metrics,
	}, nil
}

// ResolveTechnician registers id on first use, like a workspace created on the fly,
// and rejects technicians that were disabled.
func (rt *Runtime) ResolveTechnician(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("technician not specified; use --technician or REPAIRLINE_TECHNICIAN")
	}
	t, err := rt.Repo.GetTechnician(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		_, err = rt.Repo.EnsureTechnician(ctx, id, "")
		return err
	}
	if err != nil {
		return err
	}
	if !t.Active {
		return fmt.Errorf("technician %s is inactive", id)
	}
	return nil
}

// Close releases everything Open and Dispatcher acquired, newest first.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func workspaceOrDot(ws string) string {
	if ws == "" {
		return "."
	}
	return ws
}
