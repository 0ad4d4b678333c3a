package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OutputHeaderContext   = "header_context"
	OutputPlannerManifest = "planner_manifest"
	OutputDocument        = "document"
)

func ValidOutputType(t string) bool {
	switch t {
	case OutputHeaderContext, OutputPlannerManifest, OutputDocument:
		return true
	}
	return false
}

// JSONOutput is true for structured artifacts that are never rendered.
func JSONOutput(t string) bool {
	return t == OutputHeaderContext || t == OutputPlannerManifest
}

// Payload is the tagged union stored on every job. Exactly one of Plan,
// Execute or Render is set and it must agree with JobType.
type Payload struct {
	JobType   string          `json:"job_type"`
	Plan      *PlanPayload    `json:"plan,omitempty"`
	Execute   *ExecutePayload `json:"execute,omitempty"`
	Render    *RenderPayload  `json:"render,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type PlanPayload struct {
	ProjectID      uuid.UUID   `json:"project_id"`
	SessionID      uuid.UUID   `json:"session_id"`
	StageSlug      string      `json:"stage_slug"`
	Iteration      int         `json:"iteration"`
	ModelIDs       []uuid.UUID `json:"model_ids"`
	DirectPromptID *uuid.UUID  `json:"direct_prompt_id,omitempty"`
	// NextStep is the index of the recipe step the PLAN spawns when it next runs.
	NextStep int `json:"next_step"`
}

type ExecutePayload struct {
	ProjectID      uuid.UUID  `json:"project_id"`
	SessionID      uuid.UUID  `json:"session_id"`
	StageSlug      string     `json:"stage_slug"`
	Iteration      int        `json:"iteration"`
	ModelID        uuid.UUID  `json:"model_id"`
	StepKey        string     `json:"step_key"`
	OutputType     string     `json:"output_type"`
	DocumentKey    string     `json:"document_key,omitempty"`
	DirectPromptID *uuid.UUID `json:"direct_prompt_id,omitempty"`
	// InputStepKeys names earlier steps of the same stage whose outputs feed this one.
	InputStepKeys []string `json:"input_step_keys,omitempty"`
	// SourceLineageIDs narrows earlier-stage context to these documents.
	SourceLineageIDs []uuid.UUID `json:"source_lineage_ids,omitempty"`
}

type RenderPayload struct {
	ProjectID      uuid.UUID `json:"project_id"`
	SessionID      uuid.UUID `json:"session_id"`
	StageSlug      string    `json:"stage_slug"`
	Iteration      int       `json:"iteration"`
	ContributionID uuid.UUID `json:"contribution_id"`
	DocumentKey    string    `json:"document_key,omitempty"`
}

func NewPlanPayload(p PlanPayload) Payload       { return Payload{JobType: TypePlan, Plan: &p} }
func NewExecutePayload(p ExecutePayload) Payload { return Payload{JobType: TypeExecute, Execute: &p} }
func NewRenderPayload(p RenderPayload) Payload   { return Payload{JobType: TypeRender, Render: &p} }

// Validate checks that the variant agrees with the tag.
func (p Payload) Validate() error {
	set := 0
	for _, ok := range []bool{p.Plan != nil, p.Execute != nil, p.Render != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("payload must carry exactly one variant, got %d", set)
	}
	switch p.JobType {
	case TypePlan:
		if p.Plan == nil {
			return fmt.Errorf("payload tagged %s has no plan body", p.JobType)
		}
	case TypeExecute:
		if p.Execute == nil {
			return fmt.Errorf("payload tagged %s has no execute body", p.JobType)
		}
		if !ValidOutputType(p.Execute.OutputType) {
			return fmt.Errorf("unknown output_type %q", p.Execute.OutputType)
		}
	case TypeRender:
		if p.Render == nil {
			return fmt.Errorf("payload tagged %s has no render body", p.JobType)
		}
	default:
		return fmt.Errorf("unknown job_type %q", p.JobType)
	}
	return nil
}

func (p Payload) JSON() (datatypes.JSON, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
