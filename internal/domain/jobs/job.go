package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DialecticJob is one node of a stage's job tree. Rows are never deleted by
// the scheduler; status only moves along the edges in transitions.go.
type DialecticJob struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	SessionID       uuid.UUID `gorm:"type:uuid;not null;index:idx_job_session_stage" json:"session_id"`
	StageSlug       string    `gorm:"column:stage_slug;type:text;not null;index:idx_job_session_stage" json:"stage_slug"`
	IterationNumber int       `gorm:"column:iteration_number;not null;default:1;index:idx_job_session_stage" json:"iteration_number"`

	JobType     string `gorm:"column:job_type;type:text;not null;index" json:"job_type"`
	Status      string `gorm:"column:status;type:text;not null;index" json:"status"`
	StatusLabel string `gorm:"column:status_label;type:text" json:"status_label,omitempty"`

	ParentJobID       *uuid.UUID `gorm:"type:uuid;column:parent_job_id;index" json:"parent_job_id,omitempty"`
	PrerequisiteJobID *uuid.UUID `gorm:"type:uuid;column:prerequisite_job_id;index" json:"prerequisite_job_id,omitempty"`
	// RetryOfJobID points at the failed job this one replaces. A replaced job
	// no longer counts toward its parent or its stage.
	RetryOfJobID *uuid.UUID `gorm:"type:uuid;column:retry_of_job_id;index" json:"retry_of_job_id,omitempty"`

	Attempts int    `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error    string `gorm:"column:error;type:text" json:"error,omitempty"`

	Payload datatypes.JSON `gorm:"column:payload" json:"payload"`
	Result  datatypes.JSON `gorm:"column:result" json:"result,omitempty"`

	ClaimedAt   *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (DialecticJob) TableName() string { return "dialectic_generation_jobs" }

func (j *DialecticJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// IsRoot reports whether the job has no parent.
func (j *DialecticJob) IsRoot() bool {
	return j.ParentJobID == nil || *j.ParentJobID == uuid.Nil
}
