package dialectic

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Domain struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Tag         string    `gorm:"column:tag;type:text;not null;uniqueIndex" json:"tag"`
	Name        string    `gorm:"column:name;type:text;not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description,omitempty"`
	IsActive    bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

func (Domain) TableName() string { return "dialectic_domains" }

func (d *Domain) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

type ProcessTemplate struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string     `gorm:"column:name;type:text;not null;uniqueIndex" json:"name"`
	Description     string     `gorm:"column:description;type:text" json:"description,omitempty"`
	StartingStageID *uuid.UUID `gorm:"type:uuid;column:starting_stage_id" json:"starting_stage_id,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
}

func (ProcessTemplate) TableName() string { return "dialectic_process_templates" }

func (p *ProcessTemplate) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// RecipeStep is one unit a stage's PLAN fans out.
type RecipeStep struct {
	Key         string `json:"key" yaml:"key"`
	OutputType  string `json:"output_type" yaml:"output_type"`
	DocumentKey string `json:"document_key,omitempty" yaml:"document_key"`
	// Granularity decides how many EXECUTE jobs the step fans out to:
	//   per_model            one per selected model
	//   all_to_one           one, on the first selected model
	//   per_source_document  one per source document, run by the model that wrote it
	//   pairwise_by_origin   one per (anchor document, critiquing model) pair, per selected model
	Granularity string   `json:"granularity" yaml:"granularity"`
	Inputs      []string `json:"inputs,omitempty" yaml:"inputs"`
	// SourceStages lists the earlier stages whose documents a source-driven
	// granularity plans over. pairwise_by_origin reads the first entry as the
	// anchor stage and the second as the stage critiquing it. Empty means the
	// stage immediately before this one.
	SourceStages []string `json:"source_stages,omitempty" yaml:"source_stages"`
}

const (
	GranularityPerModel          = "per_model"
	GranularityAllToOne          = "all_to_one"
	GranularityPerSourceDocument = "per_source_document"
	GranularityPairwiseByOrigin  = "pairwise_by_origin"
)

// ValidGranularity accepts the known granularities. Empty means per_model.
func ValidGranularity(g string) bool {
	switch g {
	case "", GranularityPerModel, GranularityAllToOne, GranularityPerSourceDocument, GranularityPairwiseByOrigin:
		return true
	}
	return false
}

// SourceDriven reports whether the step plans over earlier documents.
func (s RecipeStep) SourceDriven() bool {
	return s.Granularity == GranularityPerSourceDocument || s.Granularity == GranularityPairwiseByOrigin
}

type Stage struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProcessTemplateID uuid.UUID      `gorm:"type:uuid;column:process_template_id;not null;uniqueIndex:idx_stage_template_slug" json:"process_template_id"`
	Slug              string         `gorm:"column:slug;type:text;not null;uniqueIndex:idx_stage_template_slug" json:"slug"`
	DisplayName       string         `gorm:"column:display_name;type:text;not null" json:"display_name"`
	Description       string         `gorm:"column:description;type:text" json:"description,omitempty"`
	Position          int            `gorm:"column:position;not null;default:0" json:"position"`
	Recipe            datatypes.JSON `gorm:"column:recipe" json:"recipe"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (Stage) TableName() string { return "dialectic_stages" }

func (s *Stage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (s *Stage) Steps() []RecipeStep {
	if len(s.Recipe) == 0 {
		return nil
	}
	var steps []RecipeStep
	if err := json.Unmarshal(s.Recipe, &steps); err != nil {
		return nil
	}
	return steps
}

type StageTransition struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProcessTemplateID uuid.UUID `gorm:"type:uuid;column:process_template_id;not null;uniqueIndex:idx_transition_source" json:"process_template_id"`
	SourceStageID     uuid.UUID `gorm:"type:uuid;column:source_stage_id;not null;uniqueIndex:idx_transition_source" json:"source_stage_id"`
	TargetStageID     uuid.UUID `gorm:"type:uuid;column:target_stage_id;not null" json:"target_stage_id"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

func (StageTransition) TableName() string { return "dialectic_stage_transitions" }

func (t *StageTransition) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
