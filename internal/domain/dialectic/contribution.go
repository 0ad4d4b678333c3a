package dialectic

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Contribution is the stored output of one successful EXECUTE job. Edits
// append a row to the same lineage; at most one row per lineage is the latest.
type Contribution struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_contrib_session_stage" json:"session_id"`
	Stage     string    `gorm:"column:stage;type:text;not null;index:idx_contrib_session_stage" json:"stage"`
	Iteration int       `gorm:"column:iteration_number;not null;default:1;index:idx_contrib_session_stage" json:"iteration_number"`

	ModelID   *uuid.UUID `gorm:"type:uuid;column:model_id;index" json:"model_id,omitempty"`
	ModelName string     `gorm:"column:model_name;type:text" json:"model_name,omitempty"`

	OutputType   string `gorm:"column:output_type;type:text;not null" json:"output_type"`
	DocumentKey  string `gorm:"column:document_key;type:text" json:"document_key,omitempty"`
	MimeType     string `gorm:"column:mime_type;type:text;not null" json:"mime_type"`
	FileName     string `gorm:"column:file_name;type:text" json:"file_name,omitempty"`
	StoragePath  string `gorm:"column:storage_path;type:text;not null" json:"storage_path"`
	RawPath      string `gorm:"column:raw_response_storage_path;type:text" json:"raw_response_storage_path,omitempty"`
	RenderedPath string `gorm:"column:rendered_document_path;type:text" json:"rendered_document_path,omitempty"`
	SizeBytes    int64  `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`

	TokensIn  int `gorm:"column:tokens_used_input;not null;default:0" json:"tokens_used_input"`
	TokensOut int `gorm:"column:tokens_used_output;not null;default:0" json:"tokens_used_output"`

	EditVersion          int        `gorm:"column:edit_version;not null;default:1" json:"edit_version"`
	IsLatestEdit         bool       `gorm:"column:is_latest_edit;not null;default:true;index" json:"is_latest_edit"`
	LineageID            uuid.UUID  `gorm:"type:uuid;column:lineage_id;not null;index" json:"lineage_id"`
	ParentContributionID *uuid.UUID `gorm:"type:uuid;column:parent_contribution_id" json:"parent_contribution_id,omitempty"`
	EditedByUserID       *uuid.UUID `gorm:"type:uuid;column:edited_by_user_id" json:"edited_by_user_id,omitempty"`
	SourceJobID          *uuid.UUID `gorm:"type:uuid;column:source_job_id;index" json:"source_job_id,omitempty"`
	// SourceLineageIDs names the documents this one was generated from, by
	// lineage so later edits of a source still match.
	SourceLineageIDs datatypes.JSON `gorm:"column:source_lineage_ids" json:"source_lineage_ids,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Contribution) TableName() string { return "dialectic_contributions" }

func (c *Contribution) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.LineageID == uuid.Nil {
		c.LineageID = c.ID
	}
	return nil
}

func (c *Contribution) Sources() []uuid.UUID {
	if len(c.SourceLineageIDs) == 0 {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(c.SourceLineageIDs, &ids); err != nil {
		return nil
	}
	return ids
}

func (c *Contribution) SetSources(ids []uuid.UUID) {
	if len(ids) == 0 {
		c.SourceLineageIDs = nil
		return
	}
	b, _ := json.Marshal(ids)
	c.SourceLineageIDs = datatypes.JSON(b)
}

// DerivedFrom reports whether lineage is one of c's sources.
func (c *Contribution) DerivedFrom(lineage uuid.UUID) bool {
	for _, id := range c.Sources() {
		if id == lineage {
			return true
		}
	}
	return false
}
