package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	"github.com/yungbote/dialectic-backend/internal/dialectic/stages"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

// ObjectStorage is the blob store behind contributions, seeds and exports.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// DialecticService backs every action of POST /api/dialectic. All methods
// act on behalf of the principal carried in dbc.Ctx.
type DialecticService interface {
	CreateProject(dbc dbctx.Context, in CreateProjectInput) (*types.Project, error)
	StartSession(dbc dbctx.Context, in StartSessionInput) (*types.Session, error)
	UpdateSessionModels(dbc dbctx.Context, in UpdateSessionModelsInput) (*types.Session, error)
	GenerateContributions(dbc dbctx.Context, in GenerateContributionsInput) (*GenerateContributionsResult, error)
	GetProjectDetails(dbc dbctx.Context, projectID uuid.UUID) (*ProjectDetails, error)
	GetSessionDetails(dbc dbctx.Context, sessionID uuid.UUID) (*SessionDetails, error)
	GetAllStageProgress(dbc dbctx.Context, in StageProgressInput) (*SessionProgress, error)
	GetContributionContent(dbc dbctx.Context, contributionID uuid.UUID) (*ContributionContent, error)
	UpdateProjectDomain(dbc dbctx.Context, in UpdateProjectDomainInput) (*types.Project, error)
	SaveContributionEdit(dbc dbctx.Context, in SaveContributionEditInput) (*SaveContributionEditResult, error)
	ExportProject(dbc dbctx.Context, projectID uuid.UUID) (*ExportResult, error)
	CloneProject(dbc dbctx.Context, in CloneProjectInput) (*types.Project, error)
	CancelJob(dbc dbctx.Context, jobID uuid.UUID) (*CancelJobResult, error)
	RetryJob(dbc dbctx.Context, jobID uuid.UUID) (*types.DialecticJob, error)
	ListProcessTemplate(dbc dbctx.Context, templateID *uuid.UUID) (*ProcessCatalog, error)
}

type DialecticDeps struct {
	DB            *gorm.DB
	Projects      dialectic.ProjectRepo
	Sessions      dialectic.SessionRepo
	Contributions dialectic.ContributionRepo
	Process       dialectic.ProcessRepo
	Prompts       dialectic.PromptRepo
	Models        dialectic.AIModelRepo
	Jobs          *store.Store
	Stages        *stages.Manager
	Storage       ObjectStorage
}

type dialecticService struct {
	db            *gorm.DB
	log           *logger.Logger
	projects      dialectic.ProjectRepo
	sessions      dialectic.SessionRepo
	contributions dialectic.ContributionRepo
	process       dialectic.ProcessRepo
	prompts       dialectic.PromptRepo
	models        dialectic.AIModelRepo
	jobs          *store.Store
	stages        *stages.Manager
	storage       ObjectStorage
}

func NewDialecticService(log *logger.Logger, deps DialecticDeps) DialecticService {
	return &dialecticService{
		db:            deps.DB,
		log:           log.With("service", "DialecticService"),
		projects:      deps.Projects,
		sessions:      deps.Sessions,
		contributions: deps.Contributions,
		process:       deps.Process,
		prompts:       deps.Prompts,
		models:        deps.Models,
		jobs:          deps.Jobs,
		stages:        deps.Stages,
		storage:       deps.Storage,
	}
}

func principal(dbc dbctx.Context) (uuid.UUID, error) {
	id := ctxutil.PrincipalID(dbc.Context())
	if id == uuid.Nil {
		return uuid.Nil, apierr.Unauthenticated("missing principal")
	}
	return id, nil
}

// ownedProject loads a project and checks it belongs to the caller.
func (s *dialecticService) ownedProject(dbc dbctx.Context, projectID uuid.UUID) (*types.Project, error) {
	if projectID == uuid.Nil {
		return nil, apierr.Validation("invalid_payload", "projectId is required")
	}
	userID, err := principal(dbc)
	if err != nil {
		return nil, err
	}
	p, err := s.projects.GetByID(dbc, projectID)
	if err != nil {
		return nil, apierr.Persistence("load project", err)
	}
	if p == nil {
		return nil, apierr.NotFound("project_not_found", "project %s not found", projectID)
	}
	if p.OwnerUserID != userID {
		return nil, apierr.Forbidden("forbidden", "project %s belongs to another user", projectID)
	}
	return p, nil
}

func (s *dialecticService) ownedSession(dbc dbctx.Context, sessionID uuid.UUID) (*types.Session, *types.Project, error) {
	if sessionID == uuid.Nil {
		return nil, nil, apierr.Validation("invalid_payload", "sessionId is required")
	}
	sess, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, nil, apierr.Persistence("load session", err)
	}
	if sess == nil {
		return nil, nil, apierr.NotFound("session_not_found", "session %s not found", sessionID)
	}
	p, err := s.ownedProject(dbc, sess.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return sess, p, nil
}

func (s *dialecticService) ownedContribution(dbc dbctx.Context, contributionID uuid.UUID) (*types.Contribution, *types.Session, *types.Project, error) {
	if contributionID == uuid.Nil {
		return nil, nil, nil, apierr.Validation("invalid_payload", "contributionId is required")
	}
	c, err := s.contributions.GetByID(dbc, contributionID)
	if err != nil {
		return nil, nil, nil, apierr.Persistence("load contribution", err)
	}
	if c == nil {
		return nil, nil, nil, apierr.NotFound("contribution_not_found", "contribution %s not found", contributionID)
	}
	sess, p, err := s.ownedSession(dbc, c.SessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, sess, p, nil
}

func (s *dialecticService) ownedJob(dbc dbctx.Context, jobID uuid.UUID) (*types.DialecticJob, error) {
	if jobID == uuid.Nil {
		return nil, apierr.Validation("invalid_payload", "jobId is required")
	}
	job, err := s.jobs.GetJob(dbc, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, apierr.NotFound("job_not_found", "job %s not found", jobID)
		}
		return nil, apierr.Persistence("load job", err)
	}
	if job == nil {
		return nil, apierr.NotFound("job_not_found", "job %s not found", jobID)
	}
	if _, _, err := s.ownedSession(dbc, job.SessionID); err != nil {
		return nil, err
	}
	return job, nil
}

// stageError maps stage manager failures onto the boundary taxonomy.
func stageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apierr.As(err); ok {
		return err
	}
	var rerr *prompts.ResolutionError
	if errors.As(err, &rerr) {
		return apierr.New(rerr.HTTPStatus(), rerr.Code, err)
	}
	switch {
	case errors.Is(err, stages.ErrStageNotFound):
		return apierr.Validation("invalid_stage", "%v", err)
	case errors.Is(err, stages.ErrNoModels):
		return apierr.Validation("no_models_selected", "%v", err)
	case errors.Is(err, stages.ErrStageRunning):
		return apierr.New(http.StatusConflict, "stage_running", err)
	case errors.Is(err, stages.ErrStaleRetry):
		return apierr.New(http.StatusConflict, "stale_retry", err)
	case errors.Is(err, stages.ErrSessionNotFound):
		return apierr.NotFound("session_not_found", "%v", err)
	case errors.Is(err, stages.ErrProjectNotFound):
		return apierr.NotFound("project_not_found", "%v", err)
	}
	return apierr.Persistence(op, err)
}
