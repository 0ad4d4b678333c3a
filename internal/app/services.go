package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos"
	"github.com/yungbote/dialectic-backend/internal/dialectic/compression"
	"github.com/yungbote/dialectic-backend/internal/dialectic/executor"
	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	"github.com/yungbote/dialectic-backend/internal/dialectic/seed"
	"github.com/yungbote/dialectic-backend/internal/dialectic/stages"
	"github.com/yungbote/dialectic-backend/internal/jobs/cascade"
	"github.com/yungbote/dialectic-backend/internal/jobs/pipeline/execute_step"
	"github.com/yungbote/dialectic-backend/internal/jobs/pipeline/plan_stage"
	"github.com/yungbote/dialectic-backend/internal/jobs/pipeline/render_document"
	"github.com/yungbote/dialectic-backend/internal/jobs/runtime"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/jobs/worker"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/services"
)

type Services struct {
	Jobs      *store.Store
	Cascade   *cascade.Cascade
	Stages    *stages.Manager
	Executor  *executor.Executor
	Worker    *worker.Worker
	Seed      *seed.Loader
	Auth      services.AuthService
	Dialectic services.DialecticService
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r repos.Set, clients Clients, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	jobStore := store.New(db, r.Jobs, log)
	casc := cascade.New(jobStore, log)
	jobStore.SetTerminalHook(casc)

	resolver := prompts.NewResolver(r.Prompts, log)
	mgr := stages.New(stages.Deps{
		DB:       db,
		Sessions: r.Sessions,
		Projects: r.Projects,
		Process:  r.Process,
		Jobs:     jobStore,
		Prompts:  resolver,
		Storage:  clients.Storage,
	}, stages.Options{AutoAdvance: cfg.AutoAdvance}, log)
	casc.SetStageHook(mgr)

	exec := executor.New(db, r.Contributions, jobStore, clients.Model, clients.Storage, executor.Config{
		ModelTimeout: cfg.ModelTimeout,
		Strategy:     compression.ByName(cfg.Compression, 0),
	}, log)

	registry := runtime.NewRegistry()
	if err := registry.Register(
		plan_stage.New(db, log, jobStore, r.Projects, r.Sessions, r.Process, r.Contributions),
		execute_step.New(db, log, execute_step.Deps{
			Projects:      r.Projects,
			Sessions:      r.Sessions,
			Process:       r.Process,
			Models:        r.Models,
			Contributions: r.Contributions,
			Resolver:      resolver,
			Executor:      exec,
			Storage:       clients.Storage,
		}),
		render_document.New(db, log, r.Contributions, r.Sessions, r.Projects, r.Process, clients.Storage),
	); err != nil {
		return Services{}, fmt.Errorf("register job handlers: %w", err)
	}

	wcfg := worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		StaleAfter:   cfg.WorkerStaleAfter,
	}
	var w *worker.Worker
	if clients.JobBus != nil {
		w = worker.NewWorker(db, log, jobStore, registry, clients.JobBus, wcfg)
		jobStore.SetNotifier(clients.JobBus)
	} else {
		w = worker.NewWorker(db, log, jobStore, registry, nil, wcfg)
		jobStore.SetNotifier(w)
	}

	if metrics != nil {
		casc.SetMetrics(metrics)
		mgr.SetMetrics(metrics)
		exec.SetMetrics(metrics)
		w.SetMetrics(metrics)
	}

	dialecticSvc := services.NewDialecticService(log, services.DialecticDeps{
		DB:            db,
		Projects:      r.Projects,
		Sessions:      r.Sessions,
		Contributions: r.Contributions,
		Process:       r.Process,
		Prompts:       r.Prompts,
		Models:        r.Models,
		Jobs:          jobStore,
		Stages:        mgr,
		Storage:       clients.Storage,
	})

	return Services{
		Jobs:      jobStore,
		Cascade:   casc,
		Stages:    mgr,
		Executor:  exec,
		Worker:    w,
		Seed:      seed.NewLoader(db, r.Process, r.Prompts, r.Models, log),
		Auth:      services.NewAuthService(log, cfg.JWTSecretKey),
		Dialectic: dialecticSvc,
	}, nil
}
