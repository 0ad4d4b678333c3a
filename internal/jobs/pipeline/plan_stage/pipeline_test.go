package plan_stage

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/dialectic"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
)

func TestChildSpecsGranularity(t *testing.T) {
	parent := &types.DialecticJob{ID: uuid.New(), OwnerUserID: uuid.New()}
	plan := jobs.PlanPayload{ProjectID: uuid.New(), SessionID: uuid.New(), StageSlug: "synthesis", Iteration: 2}
	models := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	per, err := ChildSpecs(parent, plan, dialectic.RecipeStep{
		Key: "pairwise", OutputType: jobs.OutputDocument, DocumentKey: "pairwise", Granularity: dialectic.GranularityPerModel,
	}, models, nil)
	if err != nil || len(per) != 3 {
		t.Fatalf("per_model: want=3 got=%d err=%v", len(per), err)
	}
	for i, spec := range per {
		if spec.ParentJobID == nil || *spec.ParentJobID != parent.ID {
			t.Fatalf("child %d parent: want=%s got=%v", i, parent.ID, spec.ParentJobID)
		}
		ep := spec.Payload.Execute
		if ep == nil || ep.ModelID != models[i] || ep.Iteration != 2 || ep.StepKey != "pairwise" {
			t.Fatalf("child %d payload: %+v", i, ep)
		}
		if len(ep.SourceLineageIDs) != 0 {
			t.Fatalf("child %d: per_model should carry no sources, got=%v", i, ep.SourceLineageIDs)
		}
		if spec.Iteration != 2 || spec.StageSlug != "synthesis" || spec.OwnerUserID != parent.OwnerUserID {
			t.Fatalf("child %d spec: %+v", i, spec)
		}
	}

	one, err := ChildSpecs(parent, plan, dialectic.RecipeStep{
		Key: "manifest", OutputType: jobs.OutputPlannerManifest, Granularity: dialectic.GranularityAllToOne, Inputs: []string{"pairwise"},
	}, models, nil)
	if err != nil || len(one) != 1 {
		t.Fatalf("all_to_one: want=1 got=%d err=%v", len(one), err)
	}
	if got := one[0].Payload.Execute; got.ModelID != models[0] || len(got.InputStepKeys) != 1 {
		t.Fatalf("all_to_one payload: %+v", got)
	}
}

func doc(stage string, model uuid.UUID, sources ...uuid.UUID) *types.Contribution {
	id := uuid.New()
	c := &types.Contribution{ID: id, LineageID: id, Stage: stage, ModelID: &model, OutputType: jobs.OutputDocument}
	c.SetSources(sources)
	return c
}

func TestChildSpecsPerSourceDocument(t *testing.T) {
	parent := &types.DialecticJob{ID: uuid.New(), OwnerUserID: uuid.New()}
	plan := jobs.PlanPayload{SessionID: uuid.New(), StageSlug: "antithesis", Iteration: 1}
	a, b := uuid.New(), uuid.New()
	thesisA, thesisB := doc("thesis", a), doc("thesis", b)
	header := &types.Contribution{ID: uuid.New(), LineageID: uuid.New(), Stage: "thesis", OutputType: jobs.OutputHeaderContext}
	step := dialectic.RecipeStep{Key: "critique", OutputType: jobs.OutputDocument, DocumentKey: "critique", Granularity: dialectic.GranularityPerSourceDocument}

	specs, err := ChildSpecs(parent, plan, step, []uuid.UUID{a, b}, []*types.Contribution{thesisA, header, thesisB})
	if err != nil {
		t.Fatalf("ChildSpecs: %v", err)
	}
	if len(specs) != 4 {
		t.Fatalf("jobs: want=4 (2 models x 2 documents) got=%d", len(specs))
	}
	want := []struct {
		model  uuid.UUID
		source uuid.UUID
	}{{a, thesisA.LineageID}, {a, thesisB.LineageID}, {b, thesisA.LineageID}, {b, thesisB.LineageID}}
	for i, w := range want {
		ep := specs[i].Payload.Execute
		if ep.ModelID != w.model || len(ep.SourceLineageIDs) != 1 || ep.SourceLineageIDs[0] != w.source {
			t.Fatalf("child %d: want=(%s,%s) got=(%s,%v)", i, w.model, w.source, ep.ModelID, ep.SourceLineageIDs)
		}
	}

	_, err = ChildSpecs(parent, plan, step, []uuid.UUID{a}, []*types.Contribution{header})
	if !errors.Is(err, ErrNoSourceDocuments) {
		t.Fatalf("no documents: want=%v got=%v", ErrNoSourceDocuments, err)
	}
}

func TestChildSpecsPairwiseByOrigin(t *testing.T) {
	parent := &types.DialecticJob{ID: uuid.New(), OwnerUserID: uuid.New()}
	plan := jobs.PlanPayload{SessionID: uuid.New(), StageSlug: "synthesis", Iteration: 1}
	a, b := uuid.New(), uuid.New()
	thesisA, thesisB := doc("thesis", a), doc("thesis", b)
	critAonA := doc("antithesis", a, thesisA.LineageID)
	critBonA := doc("antithesis", b, thesisA.LineageID)
	critBonB := doc("antithesis", b, thesisB.LineageID)
	orphan := doc("antithesis", a)
	step := dialectic.RecipeStep{
		Key: "synthesis_plan", OutputType: jobs.OutputDocument, DocumentKey: "synthesis_plan",
		Granularity: dialectic.GranularityPairwiseByOrigin, SourceStages: []string{"thesis", "antithesis"},
	}

	specs, err := ChildSpecs(parent, plan, step, []uuid.UUID{a}, []*types.Contribution{thesisA, thesisB, critAonA, critBonA, critBonB, orphan})
	if err != nil {
		t.Fatalf("ChildSpecs: %v", err)
	}
	want := [][]uuid.UUID{
		{thesisA.LineageID, critAonA.LineageID},
		{thesisA.LineageID, critBonA.LineageID},
		{thesisB.LineageID, critBonB.LineageID},
	}
	if len(specs) != len(want) {
		t.Fatalf("pairs: want=%d got=%d", len(want), len(specs))
	}
	for i, w := range want {
		got := specs[i].Payload.Execute.SourceLineageIDs
		if len(got) != len(w) || got[0] != w[0] || got[1] != w[1] {
			t.Fatalf("pair %d: want=%v got=%v", i, w, got)
		}
	}

	_, err = ChildSpecs(parent, plan, step, []uuid.UUID{a}, []*types.Contribution{thesisA, orphan})
	if !errors.Is(err, ErrNoPairs) {
		t.Fatalf("no pairs: want=%v got=%v", ErrNoPairs, err)
	}

	step.SourceStages = []string{"thesis"}
	if _, err := ChildSpecs(parent, plan, step, []uuid.UUID{a}, []*types.Contribution{thesisA, critAonA}); err == nil {
		t.Fatalf("want error for a single source stage")
	}
}
