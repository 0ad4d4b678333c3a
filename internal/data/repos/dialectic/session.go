package dialectic

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type SessionRepo interface {
	Create(dbc dbctx.Context, s *types.Session) (*types.Session, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Session, error)
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.Session, error)
	ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Session, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: baseLog.With("repo", "SessionRepo")}
}

func (r *sessionRepo) Create(dbc dbctx.Context, s *types.Session) (*types.Session, error) {
	if err := dbc.DB(r.db).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Session, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var s types.Session
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&s).Error; err != nil {
		return nil, err
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}

func (r *sessionRepo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.Session, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var s types.Session
	if err := dbc.DB(r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&s).Error; err != nil {
		return nil, err
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}

func (r *sessionRepo) ListByProject(dbc dbctx.Context, projectID uuid.UUID) ([]*types.Session, error) {
	var out []*types.Session
	if projectID == uuid.Nil {
		return out, nil
	}
	if err := dbc.DB(r.db).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return dbc.DB(r.db).Model(&types.Session{}).Where("id = ?", id).Updates(updates).Error
}
