package services

import (
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/dialectic/stages"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

type StartSessionInput struct {
	ProjectID          uuid.UUID   `json:"projectId"`
	SelectedModelIDs   []uuid.UUID `json:"selectedModelIds"`
	StageSlug          string      `json:"stageSlug,omitempty"`
	SessionDescription string      `json:"sessionDescription,omitempty"`
	AssociatedChatID   string      `json:"associatedChatId,omitempty"`
}

type UpdateSessionModelsInput struct {
	SessionID        uuid.UUID   `json:"sessionId"`
	SelectedModelIDs []uuid.UUID `json:"selectedModelIds"`
}

type GenerateContributionsInput struct {
	SessionID      uuid.UUID  `json:"sessionId"`
	StageSlug      string     `json:"stageSlug,omitempty"`
	DirectPromptID *uuid.UUID `json:"directPromptId,omitempty"`
}

type GenerateContributionsResult struct {
	SessionID uuid.UUID `json:"session_id"`
	StageSlug string    `json:"stage_slug"`
	Iteration int       `json:"iteration_number"`
	RootJobID uuid.UUID `json:"job_id"`
}

type SessionDetails struct {
	Session       *types.Session        `json:"session"`
	CurrentStage  *types.Stage          `json:"current_stage,omitempty"`
	Contributions []*types.Contribution `json:"contributions"`
	Jobs          []*types.DialecticJob `json:"jobs"`
}

func (s *dialecticService) StartSession(dbc dbctx.Context, in StartSessionInput) (*types.Session, error) {
	p, err := s.ownedProject(dbc, in.ProjectID)
	if err != nil {
		return nil, err
	}
	models, err := s.activeModels(dbc, in.SelectedModelIDs)
	if err != nil {
		return nil, err
	}
	sess, err := s.stages.StartSession(dbc, p, stages.StartSessionInput{
		StageSlug:        in.StageSlug,
		Description:      in.SessionDescription,
		ModelIDs:         models,
		AssociatedChatID: in.AssociatedChatID,
	})
	if err != nil {
		return nil, stageError("start session", err)
	}
	return sess, nil
}

// UpdateSessionModels replaces the session's model selection. Stages already
// planned keep the models they started with.
func (s *dialecticService) UpdateSessionModels(dbc dbctx.Context, in UpdateSessionModelsInput) (*types.Session, error) {
	sess, _, err := s.ownedSession(dbc, in.SessionID)
	if err != nil {
		return nil, err
	}
	models, err := s.activeModels(dbc, in.SelectedModelIDs)
	if err != nil {
		return nil, err
	}
	sess.SetModelIDs(models)
	if err := s.sessions.UpdateFields(dbc, sess.ID, map[string]interface{}{
		"selected_model_ids": sess.SelectedModelIDs,
	}); err != nil {
		return nil, apierr.Persistence("update session models", err)
	}
	s.log.Info("Session models updated", "session_id", sess.ID, "models", len(models))
	return sess, nil
}

// activeModels requires at least one id and every id to name an active model.
func (s *dialecticService) activeModels(dbc dbctx.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, apierr.Validation("invalid_payload", "selectedModelIds must name at least one model")
	}
	rows, err := s.models.GetByIDs(dbc, out)
	if err != nil {
		return nil, apierr.Persistence("load models", err)
	}
	active := map[uuid.UUID]bool{}
	for _, m := range rows {
		if m.IsActive {
			active[m.ID] = true
		}
	}
	for _, id := range out {
		if !active[id] {
			return nil, apierr.Validation("invalid_model", "model %s is unknown or inactive", id)
		}
	}
	return out, nil
}

// GenerateContributions starts the root PLAN for a stage. The stage defaults
// to the session's current stage.
func (s *dialecticService) GenerateContributions(dbc dbctx.Context, in GenerateContributionsInput) (*GenerateContributionsResult, error) {
	sess, p, err := s.ownedSession(dbc, in.SessionID)
	if err != nil {
		return nil, err
	}
	slug := strings.TrimSpace(in.StageSlug)
	if slug == "" {
		st, err := s.process.GetStage(dbc, sess.CurrentStageID)
		if err != nil {
			return nil, apierr.Persistence("load current stage", err)
		}
		if st == nil {
			return nil, apierr.Validation("invalid_stage", "session %s has no current stage", sess.ID)
		}
		slug = st.Slug
	}
	// An unknown direct prompt is reported by the EXECUTE jobs, not here.
	if in.DirectPromptID != nil && *in.DirectPromptID == uuid.Nil {
		in.DirectPromptID = nil
	}

	rootID, err := s.stages.StartStageWithPrompt(dbc, sess.ID, slug, in.DirectPromptID)
	if err != nil {
		return nil, stageError("start stage", err)
	}
	job, err := s.jobs.GetJob(dbc, rootID)
	if err != nil {
		return nil, apierr.Persistence("load root job", err)
	}
	s.log.Info("Contributions requested", "project_id", p.ID, "session_id", sess.ID, "stage", job.StageSlug, "job_id", rootID)
	return &GenerateContributionsResult{
		SessionID: sess.ID,
		StageSlug: job.StageSlug,
		Iteration: job.IterationNumber,
		RootJobID: rootID,
	}, nil
}

func (s *dialecticService) GetSessionDetails(dbc dbctx.Context, sessionID uuid.UUID) (*SessionDetails, error) {
	sess, _, err := s.ownedSession(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	stage, err := s.process.GetStage(dbc, sess.CurrentStageID)
	if err != nil {
		return nil, apierr.Persistence("load current stage", err)
	}
	contribs, err := s.contributions.ListLatest(dbc, sess.ID, 0, nil)
	if err != nil {
		return nil, apierr.Persistence("list contributions", err)
	}
	jobRows, err := s.jobs.ListBySession(dbc, sess.ID)
	if err != nil {
		return nil, apierr.Persistence("list jobs", err)
	}
	if contribs == nil {
		contribs = []*types.Contribution{}
	}
	if jobRows == nil {
		jobRows = []*types.DialecticJob{}
	}
	return &SessionDetails{Session: sess, CurrentStage: stage, Contributions: contribs, Jobs: jobRows}, nil
}
