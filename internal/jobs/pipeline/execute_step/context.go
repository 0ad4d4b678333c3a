package execute_step

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/dialectic/compression"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/dialectic-backend/internal/jobs/runtime"
)

const (
	inputScore      = 1.0
	sourceScore     = 0.9
	priorStageFloor = 0.4
)

/*
gatherContext collects the documents a step may see:
  - outputs of the same stage's input steps, scored highest
  - latest contributions of earlier stages in this iteration, scored by how
    close the stage sits to the current one
  - when the job names source documents, only those from earlier stages
*/
func (p *Pipeline) gatherContext(jc *jobrt.Context, project *types.Project, stage *types.Stage, ep jobs.ExecutePayload) ([]compression.Candidate, error) {
	dbc := jc.DBC()
	all, err := p.process.ListStages(dbc, project.ProcessTemplateID)
	if err != nil {
		return nil, err
	}
	score := map[string]float64{}
	var slugs []string
	for _, s := range all {
		if s.Position >= stage.Position {
			continue
		}
		slugs = append(slugs, s.Slug)
		score[s.Slug] = priorStageFloor + 0.5/float64(1+stage.Position-s.Position)
	}

	inputs := inputDocumentKeys(stage, ep.InputStepKeys)
	if len(inputs) > 0 {
		slugs = append(slugs, stage.Slug)
	}
	if len(slugs) == 0 {
		return nil, nil
	}

	rows, err := p.contributions.ListLatest(dbc, ep.SessionID, ep.Iteration, slugs)
	if err != nil {
		return nil, err
	}
	only := lineageSet(ep.SourceLineageIDs)
	out := make([]compression.Candidate, 0, len(rows))
	for _, c := range rows {
		value := score[c.Stage]
		if only != nil && c.Stage != stage.Slug {
			if !only[c.LineageID] {
				continue
			}
			value = sourceScore
		}
		if c.Stage == stage.Slug {
			if !inputs[c.DocumentKey] {
				continue
			}
			value = inputScore
		}
		body, err := p.storage.Download(jc.Ctx, c.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", c.StoragePath, err)
		}
		out = append(out, compression.Candidate{
			ID:            c.ID.String(),
			Content:       string(body),
			SourceType:    c.Stage + "/" + c.OutputType,
			OriginalIndex: len(out),
			ValueScore:    value,
		})
	}
	return out, nil
}

// lineageSet is nil when the job works from every earlier document.
func lineageSet(ids []uuid.UUID) map[uuid.UUID]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// inputDocumentKeys maps recipe step keys to the document keys their
// contributions are stored under.
func inputDocumentKeys(stage *types.Stage, stepKeys []string) map[string]bool {
	if len(stepKeys) == 0 {
		return nil
	}
	want := make(map[string]bool, len(stepKeys))
	for _, k := range stepKeys {
		want[k] = true
	}
	out := map[string]bool{}
	for _, s := range stage.Steps() {
		if !want[s.Key] {
			continue
		}
		if s.DocumentKey != "" {
			out[s.DocumentKey] = true
		} else {
			out[s.Key] = true
		}
	}
	return out
}
