package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/runtime"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type JobStore interface {
	runtime.JobStore
	Claim(dbc dbctx.Context) (*types.DialecticJob, error)
	FailStale(dbc dbctx.Context, cutoff time.Time) (int, error)
}

// Wakeups delivers hints that new work is claimable.
type Wakeups interface {
	Subscribe(ctx context.Context) (<-chan uuid.UUID, error)
}

type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	store    JobStore
	registry *runtime.Registry
	wakeups  Wakeups
	metrics  *observability.Metrics
	cfg      Config

	wake chan struct{}
	wg   sync.WaitGroup
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, st JobStore, registry *runtime.Registry, wakeups Wakeups, cfg Config) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		store:    st,
		registry: registry,
		wakeups:  wakeups,
		cfg:      cfg.withDefaults(),
		wake:     make(chan struct{}, 1),
	}
}

func (w *Worker) SetMetrics(m *observability.Metrics) { w.metrics = m }

// JobsAvailable nudges an idle loop. It never blocks.
func (w *Worker) JobsAvailable(ids ...uuid.UUID) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) Start(ctx context.Context) {
	if missing := w.registry.Missing(); len(missing) > 0 {
		w.log.Warn("Job types without handlers", "job_types", missing)
	}
	w.log.Info("Starting job worker pool", "concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval.String())

	if w.wakeups != nil {
		ch, err := w.wakeups.Subscribe(ctx)
		if err != nil {
			w.log.Warn("Job event subscription failed; polling only", "error", err)
		} else {
			w.wg.Add(1)
			go w.forwardWakeups(ctx, ch)
		}
	}
	w.wg.Add(1)
	go w.reapLoop(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx, i+1)
	}
}

// Wait blocks until every loop has returned after ctx is done.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) forwardWakeups(ctx context.Context, ch <-chan uuid.UUID) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			w.JobsAvailable()
		}
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.FailStale(dbctx.Context{Ctx: ctx}, time.Now().Add(-w.cfg.StaleAfter))
			if err != nil {
				w.log.Warn("Stale job sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Warn("Failed stale jobs", "count", n)
			}
		}
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
		case <-w.wake:
		}
		// Drain: keep claiming while there is work.
		for ctx.Err() == nil {
			ran, err := w.RunOnce(ctx, workerID)
			if err != nil {
				w.log.Warn("Claim failed", "worker_id", workerID, "error", err)
				break
			}
			if !ran {
				break
			}
		}
	}
}

// RunOnce claims and runs at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context, workerID int) (bool, error) {
	job, err := w.store.Claim(dbctx.Context{Ctx: ctx})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.metrics.IncJobClaim(job.JobType)
	w.run(ctx, workerID, job)
	return true, nil
}

func (w *Worker) run(ctx context.Context, workerID int, job *types.DialecticJob) {
	start := time.Now()
	spanCtx, span := observability.StartSpan(ctx, "job.run",
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", job.JobType),
		attribute.Int("worker.id", workerID),
	)
	jc := runtime.NewContext(spanCtx, w.db, job, w.store, w.log.With("job_id", job.ID, "job_type", job.JobType))

	var runErr error
	defer func() {
		status := job.Status
		if !jc.Finished() {
			status = jobs.StatusFailed
		}
		w.metrics.ObserveJob(job.JobType, status, time.Since(start))
		observability.EndSpan(span, runErr)
	}()

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered for job_type", "worker_id", workerID, "job_type", job.JobType, "job_id", job.ID)
		runErr = &missingHandlerError{JobType: job.JobType}
		jc.Fail("dispatch", runErr)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(spanCtx)
	go w.heartbeat(hbCtx, jc)
	defer stopHeartbeat()

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic", "worker_id", workerID, "job_id", job.ID, "job_type", job.JobType, "panic", r)
				runErr = &panicError{Val: r}
				jc.Fail("panic", runErr)
			}
		}()
		runErr = h.Run(jc)
	}()

	if runErr != nil && !jc.Finished() {
		jc.Fail("run", runErr)
		return
	}
	if !jc.Finished() {
		// Handlers must end the run; a silent return is a bug.
		runErr = fmt.Errorf("handler for %s returned without a final status", job.JobType)
		jc.Fail("run", runErr)
	}
}

func (w *Worker) heartbeat(ctx context.Context, jc *runtime.Context) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			jc.Heartbeat()
		}
	}
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
