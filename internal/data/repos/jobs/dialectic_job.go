package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	jobdomain "github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type DialecticJobRepo interface {
	Create(dbc dbctx.Context, rows []*types.DialecticJob) ([]*types.DialecticJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error)
	// GetByIDForUpdate row-locks the job until the surrounding transaction ends.
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error)
	ListChildren(dbc dbctx.Context, parentID uuid.UUID, jobTypes []string) ([]*types.DialecticJob, error)
	ListWaitingOn(dbc dbctx.Context, prerequisiteID uuid.UUID) ([]*types.DialecticJob, error)
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.DialecticJob, error)
	ListRoots(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string, iteration int) ([]*types.DialecticJob, error)
	// GetRetryOf returns the job that replaced id, nil when none has.
	GetRetryOf(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error)
	ListStaleProcessing(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.DialecticJob, error)
	ClaimNextRunnable(dbc dbctx.Context) (*types.DialecticJob, error)
	UpdateStatusCAS(dbc dbctx.Context, id uuid.UUID, expected, next string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type dialecticJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDialecticJobRepo(db *gorm.DB, baseLog *logger.Logger) DialecticJobRepo {
	return &dialecticJobRepo{
		db:  db,
		log: baseLog.With("repo", "DialecticJobRepo"),
	}
}

func (r *dialecticJobRepo) Create(dbc dbctx.Context, rows []*types.DialecticJob) ([]*types.DialecticJob, error) {
	if len(rows) == 0 {
		return []*types.DialecticJob{}, nil
	}
	if err := dbc.DB(r.db).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *dialecticJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.DialecticJob
	err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *dialecticJobRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.DialecticJob
	err := dbc.DB(r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// notRetried hides jobs that a retry has superseded.
func notRetried(db *gorm.DB) *gorm.DB {
	return db.Where(`NOT EXISTS (
		SELECT 1 FROM dialectic_generation_jobs r
		WHERE r.retry_of_job_id = dialectic_generation_jobs.id
	)`)
}

func (r *dialecticJobRepo) ListChildren(dbc dbctx.Context, parentID uuid.UUID, jobTypes []string) ([]*types.DialecticJob, error) {
	var out []*types.DialecticJob
	if parentID == uuid.Nil {
		return out, nil
	}
	q := dbc.DB(r.db).Scopes(notRetried).Where("parent_job_id = ?", parentID)
	if len(jobTypes) > 0 {
		q = q.Where("job_type IN ?", jobTypes)
	}
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *dialecticJobRepo) ListWaitingOn(dbc dbctx.Context, prerequisiteID uuid.UUID) ([]*types.DialecticJob, error) {
	var out []*types.DialecticJob
	if prerequisiteID == uuid.Nil {
		return out, nil
	}
	err := dbc.DB(r.db).
		Where("prerequisite_job_id = ? AND status = ?", prerequisiteID, jobdomain.StatusWaitingForPrerequisite).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *dialecticJobRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.DialecticJob, error) {
	var out []*types.DialecticJob
	if sessionID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *dialecticJobRepo) GetRetryOf(dbc dbctx.Context, id uuid.UUID) (*types.DialecticJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.DialecticJob
	if err := dbc.DB(r.db).Where("retry_of_job_id = ?", id).Limit(1).Find(&job).Error; err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *dialecticJobRepo) ListRoots(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string, iteration int) ([]*types.DialecticJob, error) {
	var out []*types.DialecticJob
	if sessionID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Scopes(notRetried).
		Where("session_id = ? AND stage_slug = ? AND iteration_number = ? AND parent_job_id IS NULL",
			sessionID, stageSlug, iteration,
		).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *dialecticJobRepo) ListStaleProcessing(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.DialecticJob, error) {
	var out []*types.DialecticJob
	if limit <= 0 {
		limit = 50
	}
	if err := dbc.DB(r.db).
		Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", jobdomain.StatusProcessing, cutoff).
		Order("heartbeat_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextRunnable locks the oldest pending job (or resumable PLAN) with
// SKIP LOCKED and moves it to processing in one transaction.
func (r *dialecticJobRepo) ClaimNextRunnable(dbc dbctx.Context) (*types.DialecticJob, error) {
	now := time.Now()
	var claimed *types.DialecticJob
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		var job types.DialecticJob
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? OR (status = ? AND job_type = ?)",
				jobdomain.StatusPending, jobdomain.StatusPendingNextStep, jobdomain.TypePlan,
			).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		res := txx.Model(&types.DialecticJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]interface{}{
				"status":       jobdomain.StatusProcessing,
				"attempts":     gorm.Expr("attempts + 1"),
				"claimed_at":   now,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.Status = jobdomain.StatusProcessing
		job.Attempts++
		job.ClaimedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStatusCAS writes next only while the row still holds expected.
func (r *dialecticJobRepo) UpdateStatusCAS(dbc dbctx.Context, id uuid.UUID, expected, next string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = next
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := dbc.DB(r.db).
		Model(&types.DialecticJob{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *dialecticJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return dbc.DB(r.db).
		Model(&types.DialecticJob{}).
		Where("id = ? AND status = ?", id, jobdomain.StatusProcessing).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
