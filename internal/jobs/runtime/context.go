package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// JobStore is what a running job may do to its own row.
type JobStore interface {
	SetStatus(dbc dbctx.Context, id uuid.UUID, expected, next string, patch *store.Patch) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	Wake(ids ...uuid.UUID)
}

/*
Context is the execution handle for one claimed job.
It carries:
  - the request-scoped context (cancellation, trace data)
  - the DB handle handlers open transactions on
  - the claimed job row and its decoded payload
  - the only sanctioned ways to end the run (Succeed, Fail, WaitForChildren)

Handlers never write the job's status directly.
*/
type Context struct {
	Ctx   context.Context
	DB    *gorm.DB
	Job   *types.DialecticJob
	Store JobStore
	Log   *logger.Logger

	payload    jobs.Payload
	payloadErr error
	finished   bool
}

/*
NewContext decodes the payload eagerly. A decode failure is kept and returned
from Payload so the handler can fail the job with it.
*/
func NewContext(ctx context.Context, db *gorm.DB, job *types.DialecticJob, st JobStore, log *logger.Logger) *Context {
	c := &Context{
		Ctx:   ctx,
		DB:    db,
		Job:   job,
		Store: st,
		Log:   log,
	}
	if job != nil {
		c.payload, c.payloadErr = jobs.DecodePayload(job.Payload)
	}
	c.applyTraceData()
	return c
}

func (c *Context) applyTraceData() {
	if c.Ctx == nil || c.payloadErr != nil {
		return
	}
	if c.payload.TraceID == "" && c.payload.RequestID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   c.payload.TraceID,
		RequestID: c.payload.RequestID,
	})
}

func (c *Context) Payload() (jobs.Payload, error) {
	return c.payload, c.payloadErr
}

// DBC is a dbctx for this run with no transaction.
func (c *Context) DBC() dbctx.Context {
	return dbctx.Context{Ctx: c.Ctx}
}

// Finished reports whether the run already wrote its final status.
func (c *Context) Finished() bool { return c.finished }

func (c *Context) Heartbeat() {
	if c.Store == nil || c.Job == nil {
		return
	}
	if err := c.Store.Heartbeat(c.DBC(), c.Job.ID); err != nil && c.Log != nil {
		c.Log.Warn("Heartbeat failed", "job_id", c.Job.ID, "error", err)
	}
}

/*
InTx runs fn in one transaction and wakes workers after commit. Handlers that
spawn children and park the parent use it so no child can finish before the
parent is waiting for it.
*/
func (c *Context) InTx(fn func(dbc dbctx.Context) error) error {
	dbc, flush := dbctx.WithCommitHooks(dbctx.Context{Ctx: c.Ctx})
	if err := c.DB.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbc.WithTx(tx))
	}); err != nil {
		return err
	}
	flush()
	c.Store.Wake()
	return nil
}

// Succeed moves the job from processing to completed.
func (c *Context) Succeed(result any) error {
	return c.finish(c.DBC(), jobs.StatusCompleted, &store.Patch{Result: result})
}

// SucceedTx is Succeed inside the caller's transaction.
func (c *Context) SucceedTx(dbc dbctx.Context, result any) error {
	return c.finish(dbc, jobs.StatusCompleted, &store.Patch{Result: result})
}

// WaitForChildren parks a PLAN until its children settle. payload, when
// set, replaces the stored payload so the next run resumes from it.
func (c *Context) WaitForChildren(dbc dbctx.Context, result any, payload *jobs.Payload) error {
	return c.finish(dbc, jobs.StatusWaitingForChildren, &store.Patch{Result: result, Payload: payload})
}

/*
Fail moves the job to failed with err as its reason. A job that was cancelled
while running is left alone.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil || c.Job == nil || c.finished {
		return
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if stage != "" {
		msg = stage + ": " + msg
	}
	if ferr := c.finish(c.DBC(), jobs.StatusFailed, &store.Patch{Error: &msg}); ferr != nil && c.Log != nil {
		c.Log.Error("Failed to record job failure", "job_id", c.Job.ID, "error", ferr, "cause", msg)
	}
}

func (c *Context) finish(dbc dbctx.Context, next string, patch *store.Patch) error {
	if c.Job == nil {
		return fmt.Errorf("no job")
	}
	err := c.Store.SetStatus(dbc, c.Job.ID, jobs.StatusProcessing, next, patch)
	if errors.Is(err, store.ErrStatusConflict) {
		// Cancelled or expired underneath us.
		c.finished = true
		if c.Log != nil {
			c.Log.Warn("Job left processing before it finished", "job_id", c.Job.ID, "wanted", next)
		}
		return nil
	}
	if err != nil {
		return err
	}
	c.finished = true
	c.Job.Status = next
	return nil
}
