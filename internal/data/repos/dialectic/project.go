package dialectic

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type ProjectRepo interface {
	Create(dbc dbctx.Context, p *types.Project) (*types.Project, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
	ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) ([]*types.Project, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{db: db, log: baseLog.With("repo", "ProjectRepo")}
}

func (r *projectRepo) Create(dbc dbctx.Context, p *types.Project) (*types.Project, error) {
	if err := dbc.DB(r.db).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (r *projectRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.Project
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&p).Error; err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *projectRepo) ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID) ([]*types.Project, error) {
	var out []*types.Project
	if ownerUserID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *projectRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return dbc.DB(r.db).Model(&types.Project{}).Where("id = ?", id).Updates(updates).Error
}
