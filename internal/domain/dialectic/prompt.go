package dialectic

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SystemPrompt struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name             string    `gorm:"column:name;type:text;not null;uniqueIndex" json:"name"`
	PromptText       string    `gorm:"column:prompt_text;type:text;not null" json:"prompt_text"`
	StageAssociation string    `gorm:"column:stage_association;type:text;index" json:"stage_association,omitempty"`
	Context          string    `gorm:"column:context;type:text;index" json:"context,omitempty"`
	IsActive         bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	IsStageDefault   bool      `gorm:"column:is_stage_default;not null;default:false" json:"is_stage_default"`
	Version          int       `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

func (SystemPrompt) TableName() string { return "system_prompts" }

func (p *SystemPrompt) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// DomainOverlay binds a system prompt to a domain and supplies template values.
type DomainOverlay struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SystemPromptID uuid.UUID      `gorm:"type:uuid;column:system_prompt_id;not null;index" json:"system_prompt_id"`
	DomainTag      string         `gorm:"column:domain_tag;type:text;not null;index" json:"domain_tag"`
	OverlayValues  datatypes.JSON `gorm:"column:overlay_values" json:"overlay_values"`
	Description    string         `gorm:"column:description;type:text" json:"description,omitempty"`
	IsActive       bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (DomainOverlay) TableName() string { return "domain_specific_prompt_overlays" }

func (o *DomainOverlay) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Values decodes OverlayValues; non-string leaves are dropped.
func (o *DomainOverlay) Values() map[string]string {
	out := map[string]string{}
	if len(o.OverlayValues) == 0 {
		return out
	}
	var raw map[string]any
	if err := json.Unmarshal(o.OverlayValues, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

type AIModel struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name                string    `gorm:"column:name;type:text;not null" json:"name"`
	APIIdentifier       string    `gorm:"column:api_identifier;type:text;not null;uniqueIndex" json:"api_identifier"`
	Provider            string    `gorm:"column:provider;type:text;not null" json:"provider"`
	ContextWindowTokens int       `gorm:"column:context_window_tokens;not null;default:8192" json:"context_window_tokens"`
	MaxOutputTokens     int       `gorm:"column:max_output_tokens;not null;default:2048" json:"max_output_tokens"`
	IsActive            bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt           time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time `gorm:"not null" json:"updated_at"`
}

func (AIModel) TableName() string { return "ai_models" }

func (m *AIModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
