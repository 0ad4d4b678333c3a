package dialectic

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// ErrNotLatestEdit is returned by AppendEdit when prev was superseded.
var ErrNotLatestEdit = errors.New("contribution is no longer the latest edit")

type ContributionRepo interface {
	Create(dbc dbctx.Context, c *types.Contribution) (*types.Contribution, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Contribution, error)
	// ListLatest returns latest edits for the session, optionally narrowed to
	// one iteration (0 means all) and to stages (empty means all).
	ListLatest(dbc dbctx.Context, sessionID uuid.UUID, iteration int, stages []string) ([]*types.Contribution, error)
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.Contribution, error)
	// AppendEdit stores next as the newest edit of prev's lineage and clears
	// the flag on prev. Must run inside a transaction.
	AppendEdit(dbc dbctx.Context, prev *types.Contribution, next *types.Contribution) (*types.Contribution, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type contributionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContributionRepo(db *gorm.DB, baseLog *logger.Logger) ContributionRepo {
	return &contributionRepo{db: db, log: baseLog.With("repo", "ContributionRepo")}
}

func (r *contributionRepo) Create(dbc dbctx.Context, c *types.Contribution) (*types.Contribution, error) {
	c.IsLatestEdit = true
	if c.EditVersion == 0 {
		c.EditVersion = 1
	}
	if err := dbc.DB(r.db).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *contributionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Contribution, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var c types.Contribution
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&c).Error; err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *contributionRepo) ListLatest(dbc dbctx.Context, sessionID uuid.UUID, iteration int, stages []string) ([]*types.Contribution, error) {
	var out []*types.Contribution
	if sessionID == uuid.Nil {
		return out, nil
	}
	q := dbc.DB(r.db).Where("session_id = ? AND is_latest_edit = ?", sessionID, true)
	if iteration > 0 {
		q = q.Where("iteration_number = ?", iteration)
	}
	if len(stages) > 0 {
		q = q.Where("stage IN ?", stages)
	}
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contributionRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.Contribution, error) {
	var out []*types.Contribution
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

func (r *contributionRepo) AppendEdit(dbc dbctx.Context, prev *types.Contribution, next *types.Contribution) (*types.Contribution, error) {
	if prev == nil || next == nil {
		return nil, fmt.Errorf("append edit: nil contribution")
	}
	db := dbc.DB(r.db)
	res := db.Model(&types.Contribution{}).
		Where("id = ? AND is_latest_edit = ?", prev.ID, true).
		Updates(map[string]interface{}{"is_latest_edit": false, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("contribution %s: %w", prev.ID, ErrNotLatestEdit)
	}
	next.ID = uuid.Nil
	next.LineageID = prev.LineageID
	next.ParentContributionID = &prev.ID
	next.EditVersion = prev.EditVersion + 1
	next.IsLatestEdit = true
	if err := db.Create(next).Error; err != nil {
		return nil, err
	}
	return next, nil
}

func (r *contributionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return dbc.DB(r.db).Model(&types.Contribution{}).Where("id = ?", id).Updates(updates).Error
}
