package execute_step

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/dialectic-backend/internal/dialectic/executor"
	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/dialectic-backend/internal/jobs/runtime"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	payload, err := jc.Payload()
	if err != nil || payload.Execute == nil {
		jc.Fail("validate", fmt.Errorf("invalid EXECUTE payload: %v", err))
		return nil
	}
	ep := *payload.Execute
	dbc := jc.DBC()

	project, err := p.projects.GetByID(dbc, ep.ProjectID)
	if err != nil {
		return err
	}
	session, err := p.sessions.GetByID(dbc, ep.SessionID)
	if err != nil {
		return err
	}
	if project == nil || session == nil {
		jc.Fail("load", fmt.Errorf("project %s or session %s not found", ep.ProjectID, ep.SessionID))
		return nil
	}
	stage, err := p.process.GetStageBySlug(dbc, project.ProcessTemplateID, ep.StageSlug)
	if err != nil {
		return err
	}
	model, err := p.models.GetByID(dbc, ep.ModelID)
	if err != nil {
		return err
	}
	if stage == nil || model == nil {
		jc.Fail("load", fmt.Errorf("stage %q or model %s not found", ep.StageSlug, ep.ModelID))
		return nil
	}

	resolved, err := p.resolver.Resolve(dbc, prompts.Request{
		DirectPromptID: ep.DirectPromptID,
		Project:        project,
		Stage:          stage.Slug,
	})
	if err != nil {
		var rerr *prompts.ResolutionError
		if errors.As(err, &rerr) {
			jc.Fail(rerr.Code, rerr)
			return nil
		}
		return err
	}
	system := prompts.Render(stage.DisplayName, resolved.Text,
		prompts.Vars(project, stage.Slug, resolved.Values), project.InitialUserPrompt)

	candidates, err := p.gatherContext(jc, project, stage, ep)
	if err != nil {
		return err
	}

	out, err := p.exec.Execute(dbc, executor.Input{
		Job:          jc.Job,
		Payload:      ep,
		Session:      session,
		Stage:        stage,
		Model:        model,
		SystemPrompt: system,
		Objective:    Objective(stage, ep),
		Context:      candidates,
	})
	if err != nil {
		return err
	}
	if out.Status != jobs.StatusCompleted {
		jc.Fail(out.ErrorCode, errors.New(out.Message))
		return nil
	}

	result := map[string]any{
		"contribution_id": out.Contribution.ID,
		"prompt_id":       resolved.PromptID,
		"prompt_tier":     resolved.Tier.String(),
		"input_tokens":    out.InputTokens,
		"output_tokens":   out.OutputTokens,
		"context_tokens":  out.ContextTokens,
		"context_used":    out.ContextUsed,
	}
	if len(out.Files) > 0 {
		result["files_to_generate"] = out.Files
	}
	if out.RenderJob != nil {
		result["render_job_id"] = out.RenderJob.ID
	}
	if err := jc.Succeed(result); err != nil {
		return err
	}
	if out.RenderJob != nil {
		jc.Store.Wake(out.RenderJob.ID)
	}
	p.log.Info("Step executed",
		"job_id", jc.Job.ID,
		"stage", stage.Slug,
		"step", ep.StepKey,
		"model", model.APIIdentifier,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return nil
}

// Objective is the user-turn instruction for one step.
func Objective(stage *types.Stage, ep jobs.ExecutePayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\nStep: %s\nOutput type: %s", stage.DisplayName, ep.StepKey, ep.OutputType)
	if ep.DocumentKey != "" {
		fmt.Fprintf(&b, "\nDocument: %s", ep.DocumentKey)
	}
	if d := strings.TrimSpace(stage.Description); d != "" {
		b.WriteString("\n\n")
		b.WriteString(d)
	}
	switch ep.OutputType {
	case jobs.OutputHeaderContext:
		b.WriteString("\n\nRespond with a JSON object holding system_materials, header_context_artifact and context_for_documents.")
	case jobs.OutputPlannerManifest:
		b.WriteString("\n\nRespond with a JSON object holding system_materials, header_context_artifact, context_for_documents and files_to_generate.")
	}
	return b.String()
}
