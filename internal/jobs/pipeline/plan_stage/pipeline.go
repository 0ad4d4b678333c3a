package plan_stage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/dialectic"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/dialectic-backend/internal/jobs/runtime"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/pointers"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	payload, err := jc.Payload()
	if err != nil || payload.Plan == nil {
		jc.Fail("validate", fmt.Errorf("invalid PLAN payload: %v", err))
		return nil
	}
	plan := *payload.Plan

	project, err := p.projects.GetByID(jc.DBC(), plan.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		jc.Fail("load", fmt.Errorf("project %s not found", plan.ProjectID))
		return nil
	}
	stage, err := p.process.GetStageBySlug(jc.DBC(), project.ProcessTemplateID, plan.StageSlug)
	if err != nil {
		return err
	}
	if stage == nil {
		jc.Fail("load", fmt.Errorf("stage %q not in template %s", plan.StageSlug, project.ProcessTemplateID))
		return nil
	}
	steps := stage.Steps()
	if plan.NextStep >= len(steps) {
		return jc.Succeed(map[string]any{
			"stage":           stage.Slug,
			"steps_completed": len(steps),
		})
	}

	models := plan.ModelIDs
	if len(models) == 0 {
		sess, err := p.sessions.GetByID(jc.DBC(), plan.SessionID)
		if err != nil {
			return err
		}
		if sess != nil {
			models = sess.ModelIDs()
		}
	}
	if len(models) == 0 {
		jc.Fail("plan", fmt.Errorf("no models selected for session %s", plan.SessionID))
		return nil
	}

	step := steps[plan.NextStep]
	var sources []*types.Contribution
	if step.SourceDriven() {
		if sources, err = p.sourceDocuments(jc.DBC(), project, stage, plan, step); err != nil {
			return err
		}
	}
	specs, err := ChildSpecs(jc.Job, plan, step, models, sources)
	if err != nil {
		jc.Fail("plan", err)
		return nil
	}

	next := plan
	next.NextStep++
	resume := jobs.NewPlanPayload(next)
	resume.TraceID, resume.RequestID = payload.TraceID, payload.RequestID

	var spawned []uuid.UUID
	err = jc.InTx(func(dbc dbctx.Context) error {
		for _, spec := range specs {
			child, err := p.jobs.CreateJob(dbc, spec)
			if err != nil {
				return fmt.Errorf("spawn %s: %w", step.Key, err)
			}
			spawned = append(spawned, child.ID)
		}
		return jc.WaitForChildren(dbc, map[string]any{
			"stage":    stage.Slug,
			"step":     step.Key,
			"step_idx": plan.NextStep,
			"children": spawned,
		}, &resume)
	})
	if err != nil {
		return err
	}
	p.log.Info("Spawned recipe step",
		"granularity", step.Granularity,
		"job_id", jc.Job.ID,
		"stage", stage.Slug,
		"step", step.Key,
		"children", len(spawned),
	)
	return nil
}

// sourceDocuments loads the latest documents of the step's source stages,
// defaulting to the stage right before this one.
func (p *Pipeline) sourceDocuments(dbc dbctx.Context, project *types.Project, stage *types.Stage, plan jobs.PlanPayload, step dialectic.RecipeStep) ([]*types.Contribution, error) {
	slugs := step.SourceStages
	if len(slugs) == 0 {
		all, err := p.process.ListStages(dbc, project.ProcessTemplateID)
		if err != nil {
			return nil, err
		}
		var prev *types.Stage
		for _, s := range all {
			if s.Position < stage.Position && (prev == nil || s.Position > prev.Position) {
				prev = s
			}
		}
		if prev == nil {
			return nil, nil
		}
		slugs = []string{prev.Slug}
	}
	return p.contributions.ListLatest(dbc, plan.SessionID, plan.Iteration, slugs)
}

var (
	ErrNoSourceDocuments = errors.New("no source documents to plan over")
	ErrNoPairs           = errors.New("no document pairs to plan over")
)

// target is one EXECUTE child: the model that runs it and the earlier
// documents it works from.
type target struct {
	model   uuid.UUID
	sources []uuid.UUID
}

// ChildSpecs lays out the EXECUTE jobs for one recipe step. sources are the
// latest documents of the step's source stages; only source-driven
// granularities read them.
func ChildSpecs(parent *types.DialecticJob, plan jobs.PlanPayload, step dialectic.RecipeStep, models []uuid.UUID, sources []*types.Contribution) ([]store.CreateSpec, error) {
	targets, err := targetsFor(step, models, sources)
	if err != nil {
		return nil, err
	}
	out := make([]store.CreateSpec, 0, len(targets))
	for _, t := range targets {
		out = append(out, store.CreateSpec{
			OwnerUserID: parent.OwnerUserID,
			SessionID:   plan.SessionID,
			StageSlug:   plan.StageSlug,
			Iteration:   plan.Iteration,
			ParentJobID: pointers.UUID(parent.ID),
			Payload: jobs.NewExecutePayload(jobs.ExecutePayload{
				ProjectID:        plan.ProjectID,
				SessionID:        plan.SessionID,
				StageSlug:        plan.StageSlug,
				Iteration:        plan.Iteration,
				ModelID:          t.model,
				StepKey:          step.Key,
				OutputType:       step.OutputType,
				DocumentKey:      step.DocumentKey,
				DirectPromptID:   plan.DirectPromptID,
				InputStepKeys:    step.Inputs,
				SourceLineageIDs: t.sources,
			}),
		})
	}
	return out, nil
}

func targetsFor(step dialectic.RecipeStep, models []uuid.UUID, sources []*types.Contribution) ([]target, error) {
	switch step.Granularity {
	case dialectic.GranularityAllToOne:
		if len(models) == 0 {
			return nil, nil
		}
		return []target{{model: models[0]}}, nil

	case dialectic.GranularityPerSourceDocument:
		docs := documents(sources)
		if len(docs) == 0 {
			return nil, fmt.Errorf("step %s: %w", step.Key, ErrNoSourceDocuments)
		}
		out := make([]target, 0, len(models)*len(docs))
		for _, m := range models {
			for _, d := range docs {
				out = append(out, target{model: m, sources: []uuid.UUID{d.LineageID}})
			}
		}
		return out, nil

	case dialectic.GranularityPairwiseByOrigin:
		pairs, err := pairByOrigin(step, documents(sources))
		if err != nil {
			return nil, err
		}
		out := make([]target, 0, len(models)*len(pairs))
		for _, m := range models {
			for _, p := range pairs {
				out = append(out, target{model: m, sources: p})
			}
		}
		return out, nil
	}

	out := make([]target, 0, len(models))
	for _, m := range models {
		out = append(out, target{model: m})
	}
	return out, nil
}

// pairByOrigin groups each anchor document with the documents derived from
// it, one group per deriving model. A group lists the anchor first.
func pairByOrigin(step dialectic.RecipeStep, docs []*types.Contribution) ([][]uuid.UUID, error) {
	if len(step.SourceStages) < 2 {
		return nil, fmt.Errorf("step %s: pairwise_by_origin needs an anchor and a paired source stage", step.Key)
	}
	anchorStage, pairedStage := step.SourceStages[0], step.SourceStages[1]

	var anchors, paired []*types.Contribution
	for _, d := range docs {
		switch {
		case strings.EqualFold(d.Stage, anchorStage):
			anchors = append(anchors, d)
		case strings.EqualFold(d.Stage, pairedStage):
			paired = append(paired, d)
		}
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("step %s: no %s documents: %w", step.Key, anchorStage, ErrNoSourceDocuments)
	}

	var out [][]uuid.UUID
	for _, a := range anchors {
		byModel := map[string]int{}
		for _, c := range paired {
			if !c.DerivedFrom(a.LineageID) {
				continue
			}
			key := authorKey(c)
			idx, ok := byModel[key]
			if !ok {
				idx = len(out)
				byModel[key] = idx
				out = append(out, []uuid.UUID{a.LineageID})
			}
			out[idx] = append(out[idx], c.LineageID)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("step %s: no %s document derives from a %s document: %w", step.Key, pairedStage, anchorStage, ErrNoPairs)
	}
	return out, nil
}

func documents(in []*types.Contribution) []*types.Contribution {
	out := make([]*types.Contribution, 0, len(in))
	for _, c := range in {
		if c != nil && c.OutputType == jobs.OutputDocument {
			out = append(out, c)
		}
	}
	return out
}

func authorKey(c *types.Contribution) string {
	if c.ModelID != nil {
		return c.ModelID.String()
	}
	return c.ModelName
}
