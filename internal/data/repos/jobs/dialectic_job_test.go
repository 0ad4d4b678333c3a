package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/data/repos/testutil"
	jobdomain "github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
)

func TestDialecticJobRepoClaimOrder(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewDialecticJobRepo(db, testutil.Logger(t))
	sessionID := uuid.New()

	older := testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypeExecute, jobdomain.StatusPending, nil)
	newer := testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypeExecute, jobdomain.StatusPending, nil)
	db.Model(older).Update("created_at", time.Now().Add(-time.Hour))
	// An EXECUTE in pending_next_step is never claimable.
	odd := testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypeExecute, jobdomain.StatusPendingNextStep, nil)
	db.Model(odd).Update("created_at", time.Now().Add(-2*time.Hour))

	dbc := dbctx.Context{Ctx: ctx}
	first, err := repo.ClaimNextRunnable(dbc)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if first == nil || first.ID != older.ID {
		t.Fatalf("first claim: want=%s got=%v", older.ID, first)
	}
	if first.Status != jobdomain.StatusProcessing || first.Attempts != 1 {
		t.Fatalf("claimed job: want processing/1 got=%s/%d", first.Status, first.Attempts)
	}
	second, err := repo.ClaimNextRunnable(dbc)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if second == nil || second.ID != newer.ID {
		t.Fatalf("second claim: want=%s got=%v", newer.ID, second)
	}
	third, err := repo.ClaimNextRunnable(dbc)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if third != nil {
		t.Fatalf("expected no claimable job, got=%s (%s)", third.ID, third.Status)
	}
}

func TestDialecticJobRepoClaimsResumablePlan(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewDialecticJobRepo(db, testutil.Logger(t))

	plan := testutil.SeedJob(t, ctx, db, uuid.New(), jobdomain.TypePlan, jobdomain.StatusPendingNextStep, nil)
	got, err := repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx})
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if got == nil || got.ID != plan.ID {
		t.Fatalf("want plan %s claimed, got=%v", plan.ID, got)
	}
}

func TestDialecticJobRepoUpdateStatusCAS(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewDialecticJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	job := testutil.SeedJob(t, ctx, db, uuid.New(), jobdomain.TypeExecute, jobdomain.StatusProcessing, nil)

	ok, err := repo.UpdateStatusCAS(dbc, job.ID, jobdomain.StatusPending, jobdomain.StatusCompleted, nil)
	if err != nil {
		t.Fatalf("UpdateStatusCAS: %v", err)
	}
	if ok {
		t.Fatalf("expected CAS miss on wrong expected status")
	}
	ok, err = repo.UpdateStatusCAS(dbc, job.ID, jobdomain.StatusProcessing, jobdomain.StatusCompleted, map[string]interface{}{"error": ""})
	if err != nil || !ok {
		t.Fatalf("UpdateStatusCAS: ok=%v err=%v", ok, err)
	}
	got, err := repo.GetByID(dbc, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != jobdomain.StatusCompleted {
		t.Fatalf("status: want=%s got=%s", jobdomain.StatusCompleted, got.Status)
	}
}

func TestDialecticJobRepoListChildrenHidesRetried(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewDialecticJobRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}
	sessionID := uuid.New()

	parent := testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypePlan, jobdomain.StatusWaitingForChildren, nil)
	failed := testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypeExecute, jobdomain.StatusFailed, &parent.ID)
	retry := testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypeExecute, jobdomain.StatusPending, &parent.ID)
	db.Model(retry).Update("retry_of_job_id", failed.ID)
	testutil.SeedJob(t, ctx, db, sessionID, jobdomain.TypeRender, jobdomain.StatusPending, &parent.ID)

	kids, err := repo.ListChildren(dbc, parent.ID, []string{jobdomain.TypePlan, jobdomain.TypeExecute})
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(kids) != 1 || kids[0].ID != retry.ID {
		t.Fatalf("children: want only retry %s got=%d rows", retry.ID, len(kids))
	}
}
