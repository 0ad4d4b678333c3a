package cascade

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// JobStore is the slice of the job store the cascade needs. SetStatus must run
// the cascade again for terminal writes so a parent's own transition reaches
// the grandparent.
type JobStore interface {
	LockJob(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error)
	ListChildren(dbc dbctx.Context, parentID uuid.UUID, jobTypes ...string) ([]*types.DialecticJob, error)
	ListWaitingOn(dbc dbctx.Context, prerequisiteID uuid.UUID) ([]*types.DialecticJob, error)
	SetStatus(dbc dbctx.Context, id uuid.UUID, expected, next string, patch *store.Patch) error
}

// StageCompletionHook is told when a root PLAN or EXECUTE job finishes.
type StageCompletionHook interface {
	OnRootJobTerminal(dbc dbctx.Context, job *types.DialecticJob) error
}

type Cascade struct {
	store   JobStore
	log     *logger.Logger
	stage   StageCompletionHook
	metrics *observability.Metrics
}

func New(st JobStore, baseLog *logger.Logger) *Cascade {
	return &Cascade{
		store: st,
		log:   baseLog.With("component", "CompletionCascade"),
	}
}

func (c *Cascade) SetStageHook(h StageCompletionHook)     { c.stage = h }
func (c *Cascade) SetMetrics(m *observability.Metrics) { c.metrics = m }

// OnTerminal runs inside the transaction that wrote job's terminal status.
func (c *Cascade) OnTerminal(dbc dbctx.Context, job *types.DialecticJob) (err error) {
	if job == nil || !jobs.Terminal(job.Status) {
		return nil
	}
	ctx, span := observability.StartSpan(dbc.Context(), "cascade.on_terminal",
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", job.JobType),
		attribute.String("job.status", job.Status),
	)
	defer func() { observability.EndSpan(span, err) }()
	dbc = dbctx.Context{Ctx: ctx, Tx: dbc.Tx}

	if err := c.releaseWaiters(dbc, job); err != nil {
		return err
	}
	if job.IsRoot() {
		return c.notifyStage(dbc, job)
	}
	return c.evaluateParent(dbc, *job.ParentJobID)
}

// evaluateParent decides whether the parent may leave waiting_for_children.
// Only PLAN and EXECUTE children count; RENDER children are side work.
func (c *Cascade) evaluateParent(dbc dbctx.Context, parentID uuid.UUID) error {
	parent, err := c.store.LockJob(dbc, parentID)
	if err != nil {
		return fmt.Errorf("lock parent %s: %w", parentID, err)
	}
	if parent == nil || parent.Status != jobs.StatusWaitingForChildren {
		return nil
	}
	children, err := c.store.ListChildren(dbc, parentID, jobs.TypePlan, jobs.TypeExecute)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", parentID, err)
	}
	next, failedChild := Decide(children)
	if next == "" {
		return nil
	}
	patch := &store.Patch{}
	if next == jobs.StatusFailed {
		msg := fmt.Sprintf("child job %s ended %s", failedChild.ID, failedChild.Status)
		patch.Error = &msg
	}
	if err := c.store.SetStatus(dbc, parentID, jobs.StatusWaitingForChildren, next, patch); err != nil {
		return fmt.Errorf("advance parent %s to %s: %w", parentID, next, err)
	}
	c.log.Debug("Parent advanced", "job_id", parentID, "status", next)
	c.metrics.IncCascadeTransition(next)
	return nil
}

// Decide returns the status a waiting parent should move to given its
// recipe-relevant children, or "" when some child is still running. The
// second value is the first unsuccessful child, if any.
func Decide(children []*types.DialecticJob) (string, *types.DialecticJob) {
	var failed *types.DialecticJob
	for _, ch := range children {
		if !jobs.RecipeRelevant(ch.JobType) {
			continue
		}
		if !jobs.Terminal(ch.Status) {
			return "", nil
		}
		if failed == nil && jobs.Unsuccessful(ch.Status) {
			failed = ch
		}
	}
	if failed != nil {
		return jobs.StatusFailed, failed
	}
	return jobs.StatusPendingNextStep, nil
}

func (c *Cascade) releaseWaiters(dbc dbctx.Context, job *types.DialecticJob) error {
	var next string
	switch {
	case job.Status == jobs.StatusCompleted:
		next = jobs.StatusPending
	case jobs.Unsuccessful(job.Status):
		next = jobs.StatusFailed
	default:
		return nil
	}
	waiters, err := c.store.ListWaitingOn(dbc, job.ID)
	if err != nil {
		return fmt.Errorf("list waiters on %s: %w", job.ID, err)
	}
	for _, w := range waiters {
		var patch *store.Patch
		if next == jobs.StatusFailed {
			msg := fmt.Sprintf("prerequisite job %s ended %s", job.ID, job.Status)
			patch = &store.Patch{Error: &msg}
		}
		if err := c.store.SetStatus(dbc, w.ID, jobs.StatusWaitingForPrerequisite, next, patch); err != nil {
			return fmt.Errorf("release waiter %s: %w", w.ID, err)
		}
	}
	return nil
}

func (c *Cascade) notifyStage(dbc dbctx.Context, job *types.DialecticJob) error {
	if c.stage == nil || job.JobType == jobs.TypeRender {
		return nil
	}
	if job.Status != jobs.StatusCompleted && job.Status != jobs.StatusFailed {
		return nil
	}
	return c.stage.OnRootJobTerminal(dbc, job)
}
