package dialectic

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type PromptRepo interface {
	GetPromptByID(dbc dbctx.Context, id uuid.UUID) (*types.SystemPrompt, error)
	// GetStageDefault returns the active default prompt for (stage, context),
	// matching both case-insensitively.
	GetStageDefault(dbc dbctx.Context, stage, context string) (*types.SystemPrompt, error)
	GetOverlayByID(dbc dbctx.Context, id uuid.UUID) (*types.DomainOverlay, error)
	ListOverlaysByDomain(dbc dbctx.Context, domainTag string) ([]*types.DomainOverlay, error)
	UpsertPrompt(dbc dbctx.Context, p *types.SystemPrompt) (*types.SystemPrompt, error)
	UpsertOverlay(dbc dbctx.Context, o *types.DomainOverlay) (*types.DomainOverlay, error)
}

type promptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPromptRepo(db *gorm.DB, baseLog *logger.Logger) PromptRepo {
	return &promptRepo{db: db, log: baseLog.With("repo", "PromptRepo")}
}

func (r *promptRepo) GetPromptByID(dbc dbctx.Context, id uuid.UUID) (*types.SystemPrompt, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var p types.SystemPrompt
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&p).Error; err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *promptRepo) GetStageDefault(dbc dbctx.Context, stage, context string) (*types.SystemPrompt, error) {
	var p types.SystemPrompt
	err := dbc.DB(r.db).
		Where("LOWER(stage_association) = ? AND LOWER(context) = ? AND is_active = ? AND is_stage_default = ?",
			strings.ToLower(strings.TrimSpace(stage)), strings.ToLower(strings.TrimSpace(context)), true, true,
		).
		Order("version DESC").
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *promptRepo) GetOverlayByID(dbc dbctx.Context, id uuid.UUID) (*types.DomainOverlay, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var o types.DomainOverlay
	if err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&o).Error; err != nil {
		return nil, err
	}
	if o.ID == uuid.Nil {
		return nil, nil
	}
	return &o, nil
}

func (r *promptRepo) ListOverlaysByDomain(dbc dbctx.Context, domainTag string) ([]*types.DomainOverlay, error) {
	var out []*types.DomainOverlay
	if err := dbc.DB(r.db).
		Where("domain_tag = ? AND is_active = ?", domainTag, true).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertPrompt keys on name.
func (r *promptRepo) UpsertPrompt(dbc dbctx.Context, p *types.SystemPrompt) (*types.SystemPrompt, error) {
	db := dbc.DB(r.db)
	var existing types.SystemPrompt
	if err := db.Where("name = ?", p.Name).Limit(1).Find(&existing).Error; err != nil {
		return nil, err
	}
	if existing.ID == uuid.Nil {
		active := p.IsActive
		if err := createWithActive(db, p, active); err != nil {
			return nil, err
		}
		p.IsActive = active
		return p, nil
	}
	p.ID = existing.ID
	if err := db.Model(&existing).Updates(map[string]interface{}{
		"prompt_text":       p.PromptText,
		"stage_association": p.StageAssociation,
		"context":           p.Context,
		"is_active":         p.IsActive,
		"is_stage_default":  p.IsStageDefault,
		"version":           p.Version,
	}).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertOverlay keys on (system prompt, domain tag).
func (r *promptRepo) UpsertOverlay(dbc dbctx.Context, o *types.DomainOverlay) (*types.DomainOverlay, error) {
	db := dbc.DB(r.db)
	var existing types.DomainOverlay
	if err := db.Where("system_prompt_id = ? AND domain_tag = ?", o.SystemPromptID, o.DomainTag).
		Limit(1).Find(&existing).Error; err != nil {
		return nil, err
	}
	if existing.ID == uuid.Nil {
		active := o.IsActive
		if err := createWithActive(db, o, active); err != nil {
			return nil, err
		}
		o.IsActive = active
		return o, nil
	}
	o.ID = existing.ID
	if err := db.Model(&existing).Updates(map[string]interface{}{
		"overlay_values": o.OverlayValues,
		"description":    o.Description,
		"is_active":      o.IsActive,
	}).Error; err != nil {
		return nil, err
	}
	return o, nil
}

// createWithActive inserts row and then writes is_active explicitly. gorm
// skips a zero bool on insert and back-fills the column default (true) into
// row, so active must be captured by the caller before the insert.
func createWithActive(db *gorm.DB, row interface{}, active bool) error {
	if err := db.Create(row).Error; err != nil {
		return err
	}
	if active {
		return nil
	}
	return db.Model(row).Update("is_active", false).Error
}
