package services

import (
	"sort"

	"github.com/google/uuid"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

// Progress statuses reported per stage, step and model.
const (
	ProgressNotStarted = "not_started"
	ProgressPending    = "pending"
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
	ProgressFailed     = "failed"
	ProgressCancelled  = "cancelled"
)

type StageProgressInput struct {
	SessionID uuid.UUID `json:"sessionId"`
	// Iteration defaults to the session's current iteration.
	Iteration int `json:"iterationNumber,omitempty"`
}

type SessionProgress struct {
	SessionID uuid.UUID       `json:"session_id"`
	Iteration int             `json:"iteration_number"`
	Stages    []StageProgress `json:"stages"`
}

type StageProgress struct {
	StageSlug   string         `json:"stage_slug"`
	DisplayName string         `json:"display_name"`
	Status      string         `json:"status"`
	Steps       []StepProgress `json:"steps"`
	Documents   int            `json:"documents_rendered"`
}

type StepProgress struct {
	StepKey   string `json:"step_key"`
	Status    string `json:"status"`
	Total     int    `json:"total_jobs"`
	Completed int    `json:"completed_jobs"`
	Failed    int    `json:"failed_jobs"`
	// Models maps model id to that model's status for the step.
	Models map[string]string `json:"models,omitempty"`
}

// GetAllStageProgress reports every stage of the session's template for one
// iteration, derived from the job tree.
func (s *dialecticService) GetAllStageProgress(dbc dbctx.Context, in StageProgressInput) (*SessionProgress, error) {
	sess, p, err := s.ownedSession(dbc, in.SessionID)
	if err != nil {
		return nil, err
	}
	iteration := in.Iteration
	if iteration <= 0 {
		iteration = sess.IterationCount
	}
	if iteration <= 0 {
		iteration = 1
	}
	stageRows, err := s.process.ListStages(dbc, p.ProcessTemplateID)
	if err != nil {
		return nil, apierr.Persistence("list stages", err)
	}
	jobRows, err := s.jobs.ListBySession(dbc, sess.ID)
	if err != nil {
		return nil, apierr.Persistence("list jobs", err)
	}
	return &SessionProgress{
		SessionID: sess.ID,
		Iteration: iteration,
		Stages:    deriveProgress(stageRows, jobRows, iteration),
	}, nil
}

func deriveProgress(stageRows []*types.Stage, jobRows []*types.DialecticJob, iteration int) []StageProgress {
	replaced := map[uuid.UUID]bool{}
	for _, j := range jobRows {
		if j.RetryOfJobID != nil {
			replaced[*j.RetryOfJobID] = true
		}
	}
	byStage := map[string][]*types.DialecticJob{}
	for _, j := range jobRows {
		if j.IterationNumber != iteration || replaced[j.ID] {
			continue
		}
		byStage[j.StageSlug] = append(byStage[j.StageSlug], j)
	}

	out := make([]StageProgress, 0, len(stageRows))
	for _, st := range stageRows {
		sp := StageProgress{StageSlug: st.Slug, DisplayName: st.DisplayName, Steps: []StepProgress{}}
		var stageStatuses []string
		steps := map[string]*stepAcc{}
		for _, j := range byStage[st.Slug] {
			ps := progressOf(j.Status)
			switch j.JobType {
			case jobs.TypeRender:
				if ps == ProgressCompleted {
					sp.Documents++
				}
				continue
			case jobs.TypeExecute:
				if pl, err := jobs.DecodePayload(j.Payload); err == nil && pl.Execute != nil {
					acc := steps[pl.Execute.StepKey]
					if acc == nil {
						acc = &stepAcc{models: map[string][]string{}}
						steps[pl.Execute.StepKey] = acc
					}
					acc.add(pl.Execute.ModelID.String(), ps)
				}
			}
			stageStatuses = append(stageStatuses, ps)
		}
		sp.Status = deriveStatus(stageStatuses)

		seen := map[string]bool{}
		for _, rs := range st.Steps() {
			seen[rs.Key] = true
			sp.Steps = append(sp.Steps, steps[rs.Key].progress(rs.Key))
		}
		var extra []string
		for key := range steps {
			if !seen[key] {
				extra = append(extra, key)
			}
		}
		sort.Strings(extra)
		for _, key := range extra {
			sp.Steps = append(sp.Steps, steps[key].progress(key))
		}
		out = append(out, sp)
	}
	return out
}

type stepAcc struct {
	statuses []string
	models   map[string][]string
}

func (a *stepAcc) add(model, status string) {
	a.statuses = append(a.statuses, status)
	a.models[model] = append(a.models[model], status)
}

func (a *stepAcc) progress(key string) StepProgress {
	sp := StepProgress{StepKey: key, Status: ProgressNotStarted}
	if a == nil {
		return sp
	}
	sp.Status = deriveStatus(a.statuses)
	sp.Total = len(a.statuses)
	for _, s := range a.statuses {
		switch s {
		case ProgressCompleted:
			sp.Completed++
		case ProgressFailed:
			sp.Failed++
		}
	}
	sp.Models = make(map[string]string, len(a.models))
	for m, ss := range a.models {
		sp.Models[m] = deriveStatus(ss)
	}
	return sp
}

func progressOf(jobStatus string) string {
	switch jobStatus {
	case jobs.StatusPending, jobs.StatusWaitingForPrerequisite:
		return ProgressPending
	case jobs.StatusCompleted:
		return ProgressCompleted
	case jobs.StatusFailed:
		return ProgressFailed
	case jobs.StatusCancelled:
		return ProgressCancelled
	}
	return ProgressInProgress
}

// deriveStatus folds job statuses into one. A failure anywhere wins, then a
// cancellation, then any running work.
func deriveStatus(statuses []string) string {
	if len(statuses) == 0 {
		return ProgressNotStarted
	}
	counts := map[string]int{}
	for _, s := range statuses {
		counts[s]++
	}
	switch {
	case counts[ProgressFailed] > 0:
		return ProgressFailed
	case counts[ProgressCancelled] > 0:
		return ProgressCancelled
	case counts[ProgressInProgress] > 0:
		return ProgressInProgress
	case counts[ProgressCompleted] == len(statuses):
		return ProgressCompleted
	case counts[ProgressPending] == len(statuses):
		return ProgressPending
	}
	return ProgressInProgress
}
