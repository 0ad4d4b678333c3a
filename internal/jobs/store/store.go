package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/dialectic-backend/internal/data/repos/jobs"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

var (
	ErrStatusConflict    = jobs.ErrStatusConflict
	ErrInvalidTransition = jobs.ErrInvalidTransition
	ErrJobNotFound       = jobs.ErrJobNotFound
)

// TerminalHook runs inside the status-write transaction whenever a job
// reaches a terminal status.
type TerminalHook interface {
	OnTerminal(dbc dbctx.Context, job *types.DialecticJob) error
}

// Notifier is told about new runnable work after commit.
type Notifier interface {
	JobsAvailable(jobIDs ...uuid.UUID)
}

type CreateSpec struct {
	OwnerUserID       uuid.UUID
	SessionID         uuid.UUID
	StageSlug         string
	Iteration         int
	ParentJobID       *uuid.UUID
	PrerequisiteJobID *uuid.UUID
	RetryOfJobID      *uuid.UUID
	Payload           jobs.Payload
}

// Patch carries the extra columns written alongside a status change.
type Patch struct {
	Error       *string
	Result      any
	StatusLabel *string
	Payload     *jobs.Payload
}

type Store struct {
	db     *gorm.DB
	repo   jobrepo.DialecticJobRepo
	log    *logger.Logger
	hook   TerminalHook
	notify Notifier
}

func New(db *gorm.DB, repo jobrepo.DialecticJobRepo, baseLog *logger.Logger) *Store {
	return &Store{
		db:   db,
		repo: repo,
		log:  baseLog.With("component", "JobStore"),
	}
}

// SetTerminalHook installs the completion cascade. It is set after
// construction because the cascade itself writes through the store.
func (s *Store) SetTerminalHook(h TerminalHook) { s.hook = h }

func (s *Store) SetNotifier(n Notifier) { s.notify = n }

func StatusLabel(stageSlug string) string {
	return "pending_" + snake(stageSlug)
}

func (s *Store) CreateJob(dbc dbctx.Context, spec CreateSpec) (*types.DialecticJob, error) {
	if spec.SessionID == uuid.Nil {
		return nil, fmt.Errorf("create job: session id required")
	}
	if !jobs.ValidType(spec.Payload.JobType) {
		return nil, fmt.Errorf("create job: unknown job type %q", spec.Payload.JobType)
	}
	raw, err := spec.Payload.JSON()
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	iteration := spec.Iteration
	if iteration <= 0 {
		iteration = 1
	}
	status := jobs.StatusPending
	if spec.PrerequisiteJobID != nil && *spec.PrerequisiteJobID != uuid.Nil {
		pre, err := s.repo.GetByID(dbc, *spec.PrerequisiteJobID)
		if err != nil {
			return nil, fmt.Errorf("create job: load prerequisite: %w", err)
		}
		if pre == nil {
			return nil, fmt.Errorf("create job: prerequisite %s: %w", *spec.PrerequisiteJobID, ErrJobNotFound)
		}
		if pre.Status != jobs.StatusCompleted {
			status = jobs.StatusWaitingForPrerequisite
		}
	}
	row := &types.DialecticJob{
		OwnerUserID:       spec.OwnerUserID,
		SessionID:         spec.SessionID,
		StageSlug:         spec.StageSlug,
		IterationNumber:   iteration,
		JobType:           spec.Payload.JobType,
		Status:            status,
		StatusLabel:       StatusLabel(spec.StageSlug),
		ParentJobID:       spec.ParentJobID,
		PrerequisiteJobID: spec.PrerequisiteJobID,
		RetryOfJobID:      spec.RetryOfJobID,
		Payload:           raw,
	}
	if _, err := s.repo.Create(dbc, []*types.DialecticJob{row}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if status == jobs.StatusPending && dbc.Tx == nil {
		s.wake(row.ID)
	}
	return row, nil
}

func (s *Store) GetJob(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error) {
	job, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return job, nil
}

// LockJob loads and row-locks a job; nil when absent.
func (s *Store) LockJob(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error) {
	return s.repo.GetByIDForUpdate(dbc, id)
}

func (s *Store) ListChildren(dbc dbctx.Context, parentID uuid.UUID, jobTypes ...string) ([]*types.DialecticJob, error) {
	return s.repo.ListChildren(dbc, parentID, jobTypes)
}

func (s *Store) ListWaitingOn(dbc dbctx.Context, prerequisiteID uuid.UUID) ([]*types.DialecticJob, error) {
	return s.repo.ListWaitingOn(dbc, prerequisiteID)
}

func (s *Store) ListRoots(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string, iteration int) ([]*types.DialecticJob, error) {
	return s.repo.ListRoots(dbc, sessionID, stageSlug, iteration)
}

// RetriedBy returns the job created by retrying id, if any.
func (s *Store) RetriedBy(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error) {
	return s.repo.GetRetryOf(dbc, id)
}

func (s *Store) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.DialecticJob, error) {
	return s.repo.ListBySession(dbc, sessionID)
}

// SetStatus moves a job from expected to next. The write is a compare-and-swap;
// a terminal next runs the TerminalHook in the same transaction.
func (s *Store) SetStatus(dbc dbctx.Context, id uuid.UUID, expected, next string, patch *Patch) error {
	flush := func() {}
	if dbc.Tx == nil {
		dbc, flush = dbctx.WithCommitHooks(dbc)
	}
	err := dbc.DB(s.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		job, err := s.repo.GetByID(txc, id)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		if !jobs.CanTransition(job.JobType, expected, next) {
			return fmt.Errorf("%s job %s: %s -> %s: %w", job.JobType, id, expected, next, ErrInvalidTransition)
		}
		updates, err := patchUpdates(patch)
		if err != nil {
			return err
		}
		if jobs.Terminal(next) && next != jobs.StatusPendingNextStep {
			updates["completed_at"] = time.Now()
		}
		ok, err := s.repo.UpdateStatusCAS(txc, id, expected, next, updates)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s expected %s: %w", id, expected, ErrStatusConflict)
		}
		if !jobs.Terminal(next) || s.hook == nil {
			return nil
		}
		updated, err := s.repo.GetByID(txc, id)
		if err != nil {
			return err
		}
		return s.hook.OnTerminal(txc, updated)
	})
	if err != nil {
		return err
	}
	flush()
	// A terminal write may have released a parent or a prerequisite waiter.
	if dbc.Tx == nil && jobs.Terminal(next) {
		s.wake()
	}
	return nil
}

// Claim hands the oldest runnable job to a worker, already moved to processing.
func (s *Store) Claim(dbc dbctx.Context) (*types.DialecticJob, error) {
	return s.repo.ClaimNextRunnable(dbc)
}

func (s *Store) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	return s.repo.Heartbeat(dbc, id)
}

// FailStale fails processing jobs whose heartbeat stopped before cutoff.
func (s *Store) FailStale(dbc dbctx.Context, cutoff time.Time) (int, error) {
	stale, err := s.repo.ListStaleProcessing(dbc, cutoff, 50)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range stale {
		msg := "worker heartbeat expired"
		err := s.SetStatus(dbc, j.ID, jobs.StatusProcessing, jobs.StatusFailed, &Patch{Error: &msg})
		if err != nil {
			s.log.Warn("Failed to expire stale job", "job_id", j.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) wake(ids ...uuid.UUID) {
	if s.notify != nil {
		s.notify.JobsAvailable(ids...)
	}
}

// Wake nudges workers after the caller's transaction committed.
func (s *Store) Wake(ids ...uuid.UUID) { s.wake(ids...) }

func patchUpdates(p *Patch) (map[string]interface{}, error) {
	updates := map[string]interface{}{}
	if p == nil {
		return updates, nil
	}
	if p.Error != nil {
		updates["error"] = *p.Error
	}
	if p.StatusLabel != nil {
		updates["status_label"] = *p.StatusLabel
	}
	if p.Result != nil {
		b, err := json.Marshal(p.Result)
		if err != nil {
			return nil, fmt.Errorf("encode job result: %w", err)
		}
		updates["result"] = datatypes.JSON(b)
	}
	if p.Payload != nil {
		raw, err := p.Payload.JSON()
		if err != nil {
			return nil, err
		}
		updates["payload"] = raw
	}
	return updates, nil
}
