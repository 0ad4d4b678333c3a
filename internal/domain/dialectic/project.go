package dialectic

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	ProjectName       string `gorm:"column:project_name;type:text;not null" json:"project_name"`
	InitialUserPrompt string `gorm:"column:initial_user_prompt;type:text;not null" json:"initial_user_prompt"`

	SelectedDomainTag       string     `gorm:"column:selected_domain_tag;type:text" json:"selected_domain_tag,omitempty"`
	SelectedDomainOverlayID *uuid.UUID `gorm:"type:uuid;column:selected_domain_overlay_id" json:"selected_domain_overlay_id,omitempty"`
	ProcessTemplateID       uuid.UUID  `gorm:"type:uuid;column:process_template_id;not null" json:"process_template_id"`

	Status string `gorm:"column:status;type:text;not null;default:'active'" json:"status"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Project) TableName() string { return "dialectic_projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Session is one run of the pipeline for a project.
type Session struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	CurrentStageID uuid.UUID `gorm:"type:uuid;column:current_stage_id;not null" json:"current_stage_id"`
	IterationCount int       `gorm:"column:iteration_count;not null;default:1" json:"iteration_count"`
	Status         string    `gorm:"column:status;type:text;not null;index" json:"status"`

	SessionDescription string  `gorm:"column:session_description;type:text" json:"session_description"`
	AssociatedChatID   *string `gorm:"column:associated_chat_id;type:text" json:"associated_chat_id,omitempty"`
	// SelectedModelIDs is a JSON array of ai_models ids.
	SelectedModelIDs datatypes.JSON `gorm:"column:selected_model_ids" json:"selected_model_ids"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Session) TableName() string { return "dialectic_sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (s *Session) ModelIDs() []uuid.UUID {
	if len(s.SelectedModelIDs) == 0 {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(s.SelectedModelIDs, &ids); err != nil {
		return nil
	}
	return ids
}

func (s *Session) SetModelIDs(ids []uuid.UUID) {
	if ids == nil {
		ids = []uuid.UUID{}
	}
	b, _ := json.Marshal(ids)
	s.SelectedModelIDs = datatypes.JSON(b)
}
