package dialectic

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type AIModelRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AIModel, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.AIModel, error)
	ListActive(dbc dbctx.Context) ([]*types.AIModel, error)
	Upsert(dbc dbctx.Context, m *types.AIModel) (*types.AIModel, error)
}

type aiModelRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAIModelRepo(db *gorm.DB, baseLog *logger.Logger) AIModelRepo {
	return &aiModelRepo{db: db, log: baseLog.With("repo", "AIModelRepo")}
}

func (r *aiModelRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AIModel, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var m types.AIModel
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&m).Error; err != nil {
		return nil, err
	}
	if m.ID == uuid.Nil {
		return nil, nil
	}
	return &m, nil
}

func (r *aiModelRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.AIModel, error) {
	var out []*types.AIModel
	if len(ids) == 0 {
		return out, nil
	}
	if err := dbc.DB(r.db).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *aiModelRepo) ListActive(dbc dbctx.Context) ([]*types.AIModel, error) {
	var out []*types.AIModel
	if err := dbc.DB(r.db).Where("is_active = ?", true).Order("name ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert keys on api_identifier.
func (r *aiModelRepo) Upsert(dbc dbctx.Context, m *types.AIModel) (*types.AIModel, error) {
	db := dbc.DB(r.db)
	var existing types.AIModel
	if err := db.Where("api_identifier = ?", m.APIIdentifier).Limit(1).Find(&existing).Error; err != nil {
		return nil, err
	}
	if existing.ID == uuid.Nil {
		active := m.IsActive
		if err := createWithActive(db, m, active); err != nil {
			return nil, err
		}
		m.IsActive = active
		return m, nil
	}
	m.ID = existing.ID
	if err := db.Model(&existing).Updates(map[string]interface{}{
		"name":                  m.Name,
		"provider":              m.Provider,
		"context_window_tokens": m.ContextWindowTokens,
		"max_output_tokens":     m.MaxOutputTokens,
		"is_active":             m.IsActive,
	}).Error; err != nil {
		return nil, err
	}
	return m, nil
}
