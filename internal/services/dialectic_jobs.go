package services

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

const cancelledByUser = "cancelled by user"

type CancelJobResult struct {
	JobID     uuid.UUID   `json:"job_id"`
	Cancelled []uuid.UUID `json:"cancelled"`
}

func cancellable(j *types.DialecticJob) bool {
	return jobs.CanTransition(j.JobType, j.Status, jobs.StatusCancelled)
}

// CancelJob cancels a job and then every unfinished job below it, top
// down, so each cancellation sees its parent already settled. The cascade
// treats the target's cancellation like a failure.
func (s *dialecticService) CancelJob(dbc dbctx.Context, jobID uuid.UUID) (*CancelJobResult, error) {
	job, err := s.ownedJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if !cancellable(job) {
		return nil, apierr.New(http.StatusConflict, "job_not_cancellable", errors.New("job is already "+job.Status))
	}
	out := &CancelJobResult{JobID: job.ID, Cancelled: []uuid.UUID{}}
	msg := cancelledByUser
	err = dbc.DB(s.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		queue := []*types.DialecticJob{job}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			// Re-read: a parent's cancellation may have settled it already.
			fresh, err := s.jobs.GetJob(txc, cur.ID)
			if err != nil {
				return err
			}
			if cancellable(fresh) {
				if err := s.jobs.SetStatus(txc, fresh.ID, fresh.Status, jobs.StatusCancelled, &store.Patch{Error: &msg}); err != nil {
					return err
				}
				out.Cancelled = append(out.Cancelled, fresh.ID)
			}
			children, err := s.jobs.ListChildren(txc, fresh.ID)
			if err != nil {
				return err
			}
			queue = append(queue, children...)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, apierr.New(http.StatusConflict, "job_status_changed", err)
		}
		return nil, apierr.Persistence("cancel job", err)
	}
	s.jobs.Wake()
	s.log.Info("Job cancelled", "job_id", job.ID, "cancelled", len(out.Cancelled))
	return out, nil
}

// RetryJob replaces a failed or cancelled job with a fresh one. Root PLAN
// jobs resume their stage; RENDER jobs render the same contribution again.
// EXECUTE steps are retried through their root.
func (s *dialecticService) RetryJob(dbc dbctx.Context, jobID uuid.UUID) (*types.DialecticJob, error) {
	old, err := s.ownedJob(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if !jobs.Unsuccessful(old.Status) {
		return nil, apierr.New(http.StatusConflict, "job_not_retryable", errors.New("only failed or cancelled jobs can be retried"))
	}
	if prev, err := s.jobs.RetriedBy(dbc, old.ID); err != nil {
		return nil, apierr.Persistence("load retry", err)
	} else if prev != nil {
		return nil, apierr.New(http.StatusConflict, "job_already_retried", errors.New("job was already retried by "+prev.ID.String())).WithDetails(map[string]any{"job_id": prev.ID})
	}

	var newID uuid.UUID
	switch {
	case old.JobType == jobs.TypeRender:
		newID, err = s.retryRender(dbc, old)
	case old.JobType == jobs.TypePlan && old.IsRoot():
		newID, err = s.stages.RetryRoot(dbc, old)
		err = stageError("retry stage", err)
	default:
		return nil, apierr.Validation("job_not_retryable", "%s job %s is retried through its root job", old.JobType, old.ID)
	}
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(dbc, newID)
	if err != nil {
		return nil, apierr.Persistence("load retried job", err)
	}
	s.log.Info("Job retried", "job_id", old.ID, "retry_job_id", newID, "job_type", old.JobType)
	return job, nil
}

func (s *dialecticService) retryRender(dbc dbctx.Context, old *types.DialecticJob) (uuid.UUID, error) {
	p, err := jobs.DecodePayload(old.Payload)
	if err != nil || p.Render == nil {
		return uuid.Nil, apierr.Validation("invalid_job_payload", "job %s has no render payload", old.ID)
	}
	p.TraceID, p.RequestID = "", ""
	retryOf := old.ID
	job, err := s.jobs.CreateJob(dbc, store.CreateSpec{
		OwnerUserID:  old.OwnerUserID,
		SessionID:    old.SessionID,
		StageSlug:    old.StageSlug,
		Iteration:    old.IterationNumber,
		ParentJobID:  old.ParentJobID,
		RetryOfJobID: &retryOf,
		Payload:      p,
	})
	if err != nil {
		return uuid.Nil, apierr.Persistence("create render job", err)
	}
	return job.ID, nil
}
