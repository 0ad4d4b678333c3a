package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/db"
	"github.com/yungbote/dialectic-backend/internal/data/repos"
	"github.com/yungbote/dialectic-backend/internal/dialectic/seed"
	"github.com/yungbote/dialectic-backend/internal/http"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/platform/envutil"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    repos.Set
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics

	pg           *db.PostgresService
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New(ctx context.Context) (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(ctx, log, cfg.Otel)
	metrics := observability.Init(cfg.MetricsEnabled)

	pg, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	clientset, err := wireClients(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	reposet := repos.New(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, reposet, clientset, metrics)
	if err != nil {
		log.Sync()
		return nil, err
	}

	if cfg.SeedOnStart {
		if err := applySeed(ctx, log, cfg, serviceset.Seed); err != nil {
			log.Sync()
			return nil, err
		}
	}

	handlerset := wireHandlers(log, theDB, serviceset, metrics)
	middleware := wireMiddleware(log, serviceset)
	router := wireRouter(log, cfg, handlerset, middleware, metrics)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Repos:        reposet,
		Clients:      clientset,
		Services:     serviceset,
		Metrics:      metrics,
		pg:           pg,
		otelShutdown: otelShutdown,
	}, nil
}

// applySeed loads DIALECTIC_SEED_YAML, or the embedded default catalog.
func applySeed(ctx context.Context, log *logger.Logger, cfg Config, loader *seed.Loader) error {
	var (
		f   *seed.File
		err error
	)
	if cfg.SeedYAML != "" {
		f, err = seed.ReadFile(cfg.SeedYAML)
	} else {
		f, err = seed.Default()
	}
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	if err := loader.Apply(dbctx.Context{Ctx: ctx}, f); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	log.Info("Seed applied", "source", seedSource(cfg), "templates", len(f.Templates), "models", len(f.Models))
	return nil
}

func seedSource(cfg Config) string {
	if cfg.SeedYAML != "" {
		return cfg.SeedYAML
	}
	return "embedded"
}

// Start launches the background loops: the job worker pool and the queue
// depth collector.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Cfg.RunWorker && a.Services.Worker != nil {
		a.Services.Worker.Start(ctx)
	}
	if a.Metrics != nil {
		a.Metrics.StartJobQueueCollector(ctx, a.Log, a.DB, 15*time.Second)
	}
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	srv := &http.Server{Engine: a.Router}
	a.Log.Info("Serving HTTP", "port", a.Cfg.Port)
	return srv.Run(ctx, ":"+a.Cfg.Port)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		if a.Cfg.RunWorker && a.Services.Worker != nil {
			a.Services.Worker.Wait()
		}
	}
	if a.Clients.JobBus != nil {
		_ = a.Clients.JobBus.Close()
	}
	if c, ok := a.Clients.Storage.(io.Closer); ok {
		_ = c.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
