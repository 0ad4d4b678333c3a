package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
)

// Process is a seeded template with its stages in order.
type Process struct {
	Template *types.ProcessTemplate
	Stages   []*types.Stage
}

func (p Process) Stage(slug string) *types.Stage {
	for _, s := range p.Stages {
		if s.Slug == slug {
			return s
		}
	}
	return nil
}

// SeedProcess creates a linear template over slugs, each stage carrying a
// single per_model document step.
func SeedProcess(tb testing.TB, ctx context.Context, tx *gorm.DB, slugs ...string) Process {
	tb.Helper()
	tpl := &types.ProcessTemplate{Name: "template-" + uuid.NewString()[:8]}
	if err := tx.WithContext(ctx).Create(tpl).Error; err != nil {
		tb.Fatalf("seed template: %v", err)
	}
	out := Process{Template: tpl}
	for i, slug := range slugs {
		recipe, _ := json.Marshal([]types.RecipeStep{{
			Key:         slug + "_document",
			OutputType:  jobs.OutputDocument,
			DocumentKey: slug,
			Granularity: "per_model",
		}})
		st := &types.Stage{
			ProcessTemplateID: tpl.ID,
			Slug:              slug,
			DisplayName:       slug,
			Position:          i,
			Recipe:            datatypes.JSON(recipe),
		}
		if err := tx.WithContext(ctx).Create(st).Error; err != nil {
			tb.Fatalf("seed stage %s: %v", slug, err)
		}
		if i > 0 {
			tr := &types.StageTransition{
				ProcessTemplateID: tpl.ID,
				SourceStageID:     out.Stages[i-1].ID,
				TargetStageID:     st.ID,
			}
			if err := tx.WithContext(ctx).Create(tr).Error; err != nil {
				tb.Fatalf("seed transition: %v", err)
			}
		}
		out.Stages = append(out.Stages, st)
	}
	if len(out.Stages) > 0 {
		first := out.Stages[0].ID
		tpl.StartingStageID = &first
		if err := tx.WithContext(ctx).Save(tpl).Error; err != nil {
			tb.Fatalf("seed template start: %v", err)
		}
	}
	return out
}

func SeedProject(tb testing.TB, ctx context.Context, tx *gorm.DB, owner uuid.UUID, templateID uuid.UUID) *types.Project {
	tb.Helper()
	p := &types.Project{
		OwnerUserID:       owner,
		ProjectName:       "Project",
		InitialUserPrompt: "Should cities ban cars?",
		SelectedDomainTag: "general",
		ProcessTemplateID: templateID,
		Status:            "active",
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed project: %v", err)
	}
	return p
}

func SeedSession(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID uuid.UUID, stage *types.Stage, modelIDs ...uuid.UUID) *types.Session {
	tb.Helper()
	s := &types.Session{
		ProjectID:      projectID,
		CurrentStageID: stage.ID,
		IterationCount: 1,
		Status:         "pending_" + stage.Slug,
	}
	s.SetModelIDs(modelIDs)
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed session: %v", err)
	}
	return s
}

func SeedModel(tb testing.TB, ctx context.Context, tx *gorm.DB, apiID string) *types.AIModel {
	tb.Helper()
	m := &types.AIModel{
		Name:                apiID,
		APIIdentifier:       apiID,
		Provider:            "mock",
		ContextWindowTokens: 8192,
		MaxOutputTokens:     1024,
		IsActive:            true,
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed model: %v", err)
	}
	return m
}

func SeedPrompt(tb testing.TB, ctx context.Context, tx *gorm.DB, p *types.SystemPrompt) *types.SystemPrompt {
	tb.Helper()
	if p.Name == "" {
		p.Name = "prompt-" + uuid.NewString()[:8]
	}
	// Create back-fills the is_active column default into p, so keep the
	// caller's value first.
	active := p.IsActive
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed prompt: %v", err)
	}
	if !active {
		if err := tx.WithContext(ctx).Model(p).Update("is_active", false).Error; err != nil {
			tb.Fatalf("seed prompt inactive: %v", err)
		}
		p.IsActive = false
	}
	return p
}

// SeedJob inserts a job row verbatim, bypassing the store's transition checks.
func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, jobType, status string, parent *uuid.UUID) *types.DialecticJob {
	tb.Helper()
	var payload jobs.Payload
	switch jobType {
	case jobs.TypePlan:
		payload = jobs.NewPlanPayload(jobs.PlanPayload{SessionID: sessionID, StageSlug: "thesis", Iteration: 1})
	case jobs.TypeExecute:
		payload = jobs.NewExecutePayload(jobs.ExecutePayload{SessionID: sessionID, StageSlug: "thesis", Iteration: 1, OutputType: jobs.OutputDocument})
	default:
		payload = jobs.NewRenderPayload(jobs.RenderPayload{SessionID: sessionID, StageSlug: "thesis", Iteration: 1})
	}
	raw, err := payload.JSON()
	if err != nil {
		tb.Fatalf("seed job payload: %v", err)
	}
	j := &types.DialecticJob{
		OwnerUserID:     uuid.New(),
		SessionID:       sessionID,
		StageSlug:       "thesis",
		IterationNumber: 1,
		JobType:         jobType,
		Status:          status,
		ParentJobID:     parent,
		Payload:         raw,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}
