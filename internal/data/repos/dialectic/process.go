package dialectic

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// ProcessRepo reads and seeds process templates, their stages and transitions,
// and the domain catalogue.
type ProcessRepo interface {
	GetTemplate(dbc dbctx.Context, id uuid.UUID) (*types.ProcessTemplate, error)
	GetTemplateByName(dbc dbctx.Context, name string) (*types.ProcessTemplate, error)
	ListTemplates(dbc dbctx.Context) ([]*types.ProcessTemplate, error)
	GetStage(dbc dbctx.Context, id uuid.UUID) (*types.Stage, error)
	GetStageBySlug(dbc dbctx.Context, templateID uuid.UUID, slug string) (*types.Stage, error)
	ListStages(dbc dbctx.Context, templateID uuid.UUID) ([]*types.Stage, error)
	// NextStage follows the template transition out of stageID; nil when none.
	NextStage(dbc dbctx.Context, templateID, stageID uuid.UUID) (*types.Stage, error)
	ListTransitions(dbc dbctx.Context, templateID uuid.UUID) ([]*types.StageTransition, error)
	GetDomainByTag(dbc dbctx.Context, tag string) (*types.Domain, error)
	ListDomains(dbc dbctx.Context) ([]*types.Domain, error)

	UpsertTemplate(dbc dbctx.Context, t *types.ProcessTemplate) (*types.ProcessTemplate, error)
	UpsertStage(dbc dbctx.Context, s *types.Stage) (*types.Stage, error)
	UpsertTransition(dbc dbctx.Context, t *types.StageTransition) (*types.StageTransition, error)
	UpsertDomain(dbc dbctx.Context, d *types.Domain) (*types.Domain, error)
}

type processRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProcessRepo(db *gorm.DB, baseLog *logger.Logger) ProcessRepo {
	return &processRepo{db: db, log: baseLog.With("repo", "ProcessRepo")}
}

func findOne[T any](db *gorm.DB, idOf func(*T) uuid.UUID, query string, args ...interface{}) (*T, error) {
	var row T
	if err := db.Where(query, args...).Limit(1).Find(&row).Error; err != nil {
		return nil, err
	}
	if idOf(&row) == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func templateID(t *types.ProcessTemplate) uuid.UUID { return t.ID }
func stageID(s *types.Stage) uuid.UUID              { return s.ID }
func transitionID(t *types.StageTransition) uuid.UUID {
	return t.ID
}
func domainID(d *types.Domain) uuid.UUID { return d.ID }

func (r *processRepo) GetTemplate(dbc dbctx.Context, id uuid.UUID) (*types.ProcessTemplate, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return findOne(dbc.DB(r.db), templateID, "id = ?", id)
}

func (r *processRepo) GetTemplateByName(dbc dbctx.Context, name string) (*types.ProcessTemplate, error) {
	return findOne(dbc.DB(r.db), templateID, "name = ?", name)
}

func (r *processRepo) ListTemplates(dbc dbctx.Context) ([]*types.ProcessTemplate, error) {
	var out []*types.ProcessTemplate
	if err := dbc.DB(r.db).Order("name ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *processRepo) GetStage(dbc dbctx.Context, id uuid.UUID) (*types.Stage, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return findOne(dbc.DB(r.db), stageID, "id = ?", id)
}

func (r *processRepo) GetStageBySlug(dbc dbctx.Context, templateID uuid.UUID, slug string) (*types.Stage, error) {
	return findOne(dbc.DB(r.db), stageID, "process_template_id = ? AND LOWER(slug) = ?", templateID, strings.ToLower(strings.TrimSpace(slug)))
}

func (r *processRepo) ListStages(dbc dbctx.Context, templateID uuid.UUID) ([]*types.Stage, error) {
	var out []*types.Stage
	if err := dbc.DB(r.db).
		Where("process_template_id = ?", templateID).
		Order("position ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *processRepo) NextStage(dbc dbctx.Context, templateID, stageID uuid.UUID) (*types.Stage, error) {
	tr, err := findOne(dbc.DB(r.db), transitionID, "process_template_id = ? AND source_stage_id = ?", templateID, stageID)
	if err != nil || tr == nil {
		return nil, err
	}
	return r.GetStage(dbc, tr.TargetStageID)
}

func (r *processRepo) ListTransitions(dbc dbctx.Context, templateID uuid.UUID) ([]*types.StageTransition, error) {
	var out []*types.StageTransition
	if err := dbc.DB(r.db).
		Where("process_template_id = ?", templateID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *processRepo) GetDomainByTag(dbc dbctx.Context, tag string) (*types.Domain, error) {
	return findOne(dbc.DB(r.db), domainID, "tag = ?", tag)
}

func (r *processRepo) ListDomains(dbc dbctx.Context) ([]*types.Domain, error) {
	var out []*types.Domain
	if err := dbc.DB(r.db).Where("is_active = ?", true).Order("tag ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *processRepo) UpsertTemplate(dbc dbctx.Context, t *types.ProcessTemplate) (*types.ProcessTemplate, error) {
	db := dbc.DB(r.db)
	existing, err := findOne(db, templateID, "name = ?", t.Name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return t, db.Create(t).Error
	}
	t.ID = existing.ID
	return t, db.Model(existing).Updates(map[string]interface{}{
		"description":       t.Description,
		"starting_stage_id": t.StartingStageID,
	}).Error
}

func (r *processRepo) UpsertStage(dbc dbctx.Context, s *types.Stage) (*types.Stage, error) {
	db := dbc.DB(r.db)
	existing, err := findOne(db, stageID, "process_template_id = ? AND slug = ?", s.ProcessTemplateID, s.Slug)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s, db.Create(s).Error
	}
	s.ID = existing.ID
	return s, db.Model(existing).Updates(map[string]interface{}{
		"display_name": s.DisplayName,
		"description":  s.Description,
		"position":     s.Position,
		"recipe":       s.Recipe,
	}).Error
}

func (r *processRepo) UpsertTransition(dbc dbctx.Context, t *types.StageTransition) (*types.StageTransition, error) {
	db := dbc.DB(r.db)
	existing, err := findOne(db, transitionID, "process_template_id = ? AND source_stage_id = ?", t.ProcessTemplateID, t.SourceStageID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return t, db.Create(t).Error
	}
	t.ID = existing.ID
	return t, db.Model(existing).Update("target_stage_id", t.TargetStageID).Error
}

func (r *processRepo) UpsertDomain(dbc dbctx.Context, d *types.Domain) (*types.Domain, error) {
	db := dbc.DB(r.db)
	existing, err := findOne(db, domainID, "tag = ?", d.Tag)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		active := d.IsActive
		if err := createWithActive(db, d, active); err != nil {
			return nil, err
		}
		d.IsActive = active
		return d, nil
	}
	d.ID = existing.ID
	return d, db.Model(existing).Updates(map[string]interface{}{
		"name":        d.Name,
		"description": d.Description,
		"is_active":   d.IsActive,
	}).Error
}
