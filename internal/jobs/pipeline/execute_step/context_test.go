package execute_step

import (
	"encoding/json"
	"strings"
	"testing"

	"gorm.io/datatypes"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
)

func stageWith(t *testing.T, steps ...types.RecipeStep) *types.Stage {
	t.Helper()
	raw, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &types.Stage{Slug: "synthesis", DisplayName: "Synthesis", Recipe: datatypes.JSON(raw)}
}

func TestInputDocumentKeysFallsBackToStepKey(t *testing.T) {
	st := stageWith(t,
		types.RecipeStep{Key: "header", OutputType: jobs.OutputHeaderContext},
		types.RecipeStep{Key: "pairwise", OutputType: jobs.OutputDocument, DocumentKey: "pairwise_synthesis"},
		types.RecipeStep{Key: "final", OutputType: jobs.OutputDocument, DocumentKey: "final"},
	)
	got := inputDocumentKeys(st, []string{"header", "pairwise"})
	if len(got) != 2 || !got["header"] || !got["pairwise_synthesis"] {
		t.Fatalf("keys: %v", got)
	}
	if inputDocumentKeys(st, nil) != nil {
		t.Fatalf("no inputs should give nil")
	}
}

func TestObjectiveNamesJSONShape(t *testing.T) {
	st := stageWith(t)
	st.Description = "Merge the arguments."
	got := Objective(st, jobs.ExecutePayload{StepKey: "manifest", OutputType: jobs.OutputPlannerManifest})
	for _, want := range []string{"Stage: Synthesis", "Step: manifest", "Merge the arguments.", "files_to_generate"} {
		if !strings.Contains(got, want) {
			t.Fatalf("objective missing %q:\n%s", want, got)
		}
	}
}
