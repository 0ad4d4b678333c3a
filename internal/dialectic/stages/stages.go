package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	"github.com/yungbote/dialectic-backend/internal/dialectic/storagepath"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

const (
	StatusIterationComplete = "iteration_complete_pending_review"
	SessionActive           = "active"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrStageNotFound   = errors.New("stage not found")
	ErrStageRunning    = errors.New("stage already has unfinished root jobs")
	ErrNoModels        = errors.New("session has no selected models")
	ErrStaleRetry      = errors.New("job belongs to a finished iteration")
)

type SessionRepo interface {
	Create(dbc dbctx.Context, s *types.Session) (*types.Session, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Session, error)
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*types.Session, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type ProjectReader interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Project, error)
}

type ProcessReader interface {
	GetTemplate(dbc dbctx.Context, id uuid.UUID) (*types.ProcessTemplate, error)
	GetStage(dbc dbctx.Context, id uuid.UUID) (*types.Stage, error)
	GetStageBySlug(dbc dbctx.Context, templateID uuid.UUID, slug string) (*types.Stage, error)
	NextStage(dbc dbctx.Context, templateID, stageID uuid.UUID) (*types.Stage, error)
}

type JobStore interface {
	CreateJob(dbc dbctx.Context, spec store.CreateSpec) (*types.DialecticJob, error)
	ListRoots(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string, iteration int) ([]*types.DialecticJob, error)
	Wake(ids ...uuid.UUID)
}

type PromptResolver interface {
	Resolve(dbc dbctx.Context, req prompts.Request) (*prompts.Resolved, error)
}

type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
}

type Deps struct {
	DB       *gorm.DB
	Sessions SessionRepo
	Projects ProjectReader
	Process  ProcessReader
	Jobs     JobStore
	Prompts  PromptResolver
	Storage  Uploader
}

type Options struct {
	// AutoAdvance starts the next stage's root PLAN as soon as a stage completes.
	AutoAdvance bool
}

type Manager struct {
	db       *gorm.DB
	sessions SessionRepo
	projects ProjectReader
	process  ProcessReader
	jobs     JobStore
	prompts  PromptResolver
	storage  Uploader
	opts     Options
	metrics  *observability.Metrics
	log      *logger.Logger
}

func New(deps Deps, opts Options, baseLog *logger.Logger) *Manager {
	return &Manager{
		db:       deps.DB,
		sessions: deps.Sessions,
		projects: deps.Projects,
		process:  deps.Process,
		jobs:     deps.Jobs,
		prompts:  deps.Prompts,
		storage:  deps.Storage,
		opts:     opts,
		log:      baseLog.With("component", "StageManager"),
	}
}

func (m *Manager) SetMetrics(mt *observability.Metrics) { m.metrics = mt }

// StatusLabel is the session/job status a stage starts in.
func StatusLabel(stage string) string { return store.StatusLabel(stage) }

func runningLabel(stage string) string {
	return "running_" + strings.TrimPrefix(store.StatusLabel(stage), "pending_")
}

// Description is the fallback session description.
func Description(projectName, stage, domainTag string) string {
	if strings.TrimSpace(projectName) == "" {
		projectName = "Unnamed Project"
	}
	if strings.TrimSpace(domainTag) == "" {
		domainTag = "General"
	}
	return fmt.Sprintf("%s - %s (%s)", projectName, stage, domainTag)
}

type StartSessionInput struct {
	StageSlug        string
	Description      string
	ModelIDs         []uuid.UUID
	AssociatedChatID string
}

// StartSession opens iteration 1 of a new session on project and stores the
// seed prompt for its first stage.
func (m *Manager) StartSession(dbc dbctx.Context, project *types.Project, in StartSessionInput) (*types.Session, error) {
	if project == nil {
		return nil, ErrProjectNotFound
	}
	stage, err := m.pickStage(dbc, project.ProcessTemplateID, in.StageSlug)
	if err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = Description(project.ProjectName, stageName(stage), project.SelectedDomainTag)
	}
	sess := &types.Session{
		ProjectID:          project.ID,
		CurrentStageID:     stage.ID,
		IterationCount:     1,
		Status:             StatusLabel(stage.Slug),
		SessionDescription: desc,
	}
	if chat := strings.TrimSpace(in.AssociatedChatID); chat != "" {
		sess.AssociatedChatID = &chat
	}
	sess.SetModelIDs(in.ModelIDs)

	seed, err := m.seedPrompt(dbc, project, stage)
	if err != nil {
		return nil, err
	}
	if _, err := m.sessions.Create(dbc, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := m.uploadSeed(dbc.Context(), project, sess, stage, seed); err != nil {
		return nil, err
	}
	m.log.Info("Session started", "session_id", sess.ID, "project_id", project.ID, "stage", stage.Slug)
	return sess, nil
}

func (m *Manager) pickStage(dbc dbctx.Context, templateID uuid.UUID, slug string) (*types.Stage, error) {
	if strings.TrimSpace(slug) != "" {
		st, err := m.process.GetStageBySlug(dbc, templateID, slug)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fmt.Errorf("stage %q: %w", slug, ErrStageNotFound)
		}
		return st, nil
	}
	tpl, err := m.process.GetTemplate(dbc, templateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil || tpl.StartingStageID == nil {
		return nil, fmt.Errorf("template %s has no starting stage: %w", templateID, ErrStageNotFound)
	}
	st, err := m.process.GetStage(dbc, *tpl.StartingStageID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("starting stage %s: %w", *tpl.StartingStageID, ErrStageNotFound)
	}
	return st, nil
}

// StartStage creates the root PLAN job for stageSlug in the session's
// current iteration and marks the session running.
func (m *Manager) StartStage(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string) (uuid.UUID, error) {
	return m.start(dbc, sessionID, stageSlug, rootOpts{})
}

// StartStageWithPrompt is StartStage with every EXECUTE of the stage pinned
// to one system prompt.
func (m *Manager) StartStageWithPrompt(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string, promptID *uuid.UUID) (uuid.UUID, error) {
	return m.start(dbc, sessionID, stageSlug, rootOpts{directPromptID: promptID})
}

/*
RetryRoot issues a fresh root PLAN replacing a failed or cancelled one. The
new PLAN resumes from the step the old one was running.
*/
func (m *Manager) RetryRoot(dbc dbctx.Context, old *types.DialecticJob) (uuid.UUID, error) {
	if old == nil || old.ParentJobID != nil || old.JobType != jobs.TypePlan {
		return uuid.Nil, fmt.Errorf("retry root: not a root PLAN job")
	}
	p, err := jobs.DecodePayload(old.Payload)
	if err != nil || p.Plan == nil {
		return uuid.Nil, fmt.Errorf("retry root: bad payload: %v", err)
	}
	return m.start(dbc, old.SessionID, old.StageSlug, rootOpts{
		directPromptID: p.Plan.DirectPromptID,
		retryOf:        old,
		nextStep:       resumeStep(old, p.Plan.NextStep),
	})
}

// resumeStep is the step a parked PLAN was waiting on when it failed.
func resumeStep(job *types.DialecticJob, stored int) int {
	var res struct {
		StepIdx *int `json:"step_idx"`
	}
	if len(job.Result) > 0 && json.Unmarshal(job.Result, &res) == nil && res.StepIdx != nil {
		return *res.StepIdx
	}
	return stored
}

type rootOpts struct {
	directPromptID *uuid.UUID
	retryOf        *types.DialecticJob
	nextStep       int
}

func (m *Manager) start(dbc dbctx.Context, sessionID uuid.UUID, stageSlug string, opts rootOpts) (uuid.UUID, error) {
	var rootID uuid.UUID
	err := dbc.DB(m.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		sess, err := m.sessions.GetByIDForUpdate(txc, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		project, err := m.projects.GetByID(txc, sess.ProjectID)
		if err != nil {
			return err
		}
		if project == nil {
			return fmt.Errorf("project %s: %w", sess.ProjectID, ErrProjectNotFound)
		}
		id, err := m.startStageLocked(txc, sess, project, stageSlug, opts)
		rootID = id
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	if dbc.Tx == nil {
		m.jobs.Wake(rootID)
	}
	return rootID, nil
}

func (m *Manager) startStageLocked(dbc dbctx.Context, sess *types.Session, project *types.Project, stageSlug string, opts rootOpts) (uuid.UUID, error) {
	stage, err := m.pickStage(dbc, project.ProcessTemplateID, stageSlug)
	if err != nil {
		return uuid.Nil, err
	}
	models := sess.ModelIDs()
	if len(models) == 0 {
		return uuid.Nil, ErrNoModels
	}
	iteration := sess.IterationCount
	if iteration <= 0 {
		iteration = 1
	}
	roots, err := m.jobs.ListRoots(dbc, sess.ID, stage.Slug, iteration)
	if err != nil {
		return uuid.Nil, err
	}
	for _, r := range roots {
		if r.JobType != jobs.TypeRender && !jobs.Terminal(r.Status) {
			return uuid.Nil, fmt.Errorf("stage %s job %s is %s: %w", stage.Slug, r.ID, r.Status, ErrStageRunning)
		}
	}
	spec := store.CreateSpec{
		OwnerUserID: project.OwnerUserID,
		SessionID:   sess.ID,
		StageSlug:   stage.Slug,
		Iteration:   iteration,
		Payload: jobs.NewPlanPayload(jobs.PlanPayload{
			ProjectID:      project.ID,
			SessionID:      sess.ID,
			StageSlug:      stage.Slug,
			Iteration:      iteration,
			ModelIDs:       models,
			DirectPromptID: opts.directPromptID,
			NextStep:       opts.nextStep,
		}),
	}
	if td := ctxutil.GetTraceData(dbc.Context()); td != nil {
		spec.Payload.TraceID = td.TraceID
		spec.Payload.RequestID = td.RequestID
	}
	if opts.retryOf != nil {
		if opts.retryOf.IterationNumber != iteration {
			return uuid.Nil, fmt.Errorf("job %s belongs to iteration %d: %w", opts.retryOf.ID, opts.retryOf.IterationNumber, ErrStaleRetry)
		}
		spec.RetryOfJobID = &opts.retryOf.ID
	}
	root, err := m.jobs.CreateJob(dbc, spec)
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.sessions.UpdateFields(dbc, sess.ID, map[string]interface{}{
		"current_stage_id": stage.ID,
		"status":           runningLabel(stage.Slug),
	}); err != nil {
		return uuid.Nil, err
	}
	m.log.Info("Stage started", "session_id", sess.ID, "stage", stage.Slug, "iteration", iteration, "root_job_id", root.ID)
	return root.ID, nil
}

// Advance reports what OnStageComplete did.
type Advance struct {
	NextStage string
	Terminal  bool
	RootJobID uuid.UUID
}

// OnStageComplete moves the session past its current stage.
func (m *Manager) OnStageComplete(dbc dbctx.Context, sessionID uuid.UUID) (*Advance, error) {
	flush := func() {}
	if dbc.Tx == nil {
		dbc, flush = dbctx.WithCommitHooks(dbc)
	}
	var out *Advance
	err := dbc.DB(m.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		sess, err := m.sessions.GetByIDForUpdate(txc, sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		out, err = m.advanceLocked(txc, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	flush()
	if dbc.Tx == nil && out.RootJobID != uuid.Nil {
		m.jobs.Wake(out.RootJobID)
	}
	return out, nil
}

func (m *Manager) advanceLocked(dbc dbctx.Context, sess *types.Session) (*Advance, error) {
	project, err := m.projects.GetByID(dbc, sess.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s: %w", sess.ProjectID, ErrProjectNotFound)
	}
	current, err := m.process.GetStage(dbc, sess.CurrentStageID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("current stage %s: %w", sess.CurrentStageID, ErrStageNotFound)
	}
	next, err := m.process.NextStage(dbc, project.ProcessTemplateID, current.ID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if err := m.sessions.UpdateFields(dbc, sess.ID, map[string]interface{}{"status": StatusIterationComplete}); err != nil {
			return nil, err
		}
		m.log.Info("Iteration complete", "session_id", sess.ID, "stage", current.Slug, "iteration", sess.IterationCount)
		m.metrics.IncStageAdvance("iteration_complete")
		return &Advance{Terminal: true}, nil
	}
	if err := m.sessions.UpdateFields(dbc, sess.ID, map[string]interface{}{
		"current_stage_id": next.ID,
		"status":           StatusLabel(next.Slug),
	}); err != nil {
		return nil, err
	}
	m.metrics.IncStageAdvance("advanced")
	m.log.Info("Stage advanced", "session_id", sess.ID, "from", current.Slug, "to", next.Slug)

	if seed, err := m.seedPrompt(dbc, project, next); err != nil {
		m.log.Warn("Seed prompt for next stage unavailable", "session_id", sess.ID, "stage", next.Slug, "error", err)
	} else {
		target := *sess
		dbctx.AfterCommit(dbc, func(ctx context.Context) {
			if err := m.uploadSeed(ctx, project, &target, next, seed); err != nil {
				m.log.Warn("Seed prompt upload failed", "session_id", target.ID, "stage", next.Slug, "error", err)
			}
		})
	}

	out := &Advance{NextStage: next.Slug}
	if m.opts.AutoAdvance {
		sess.CurrentStageID = next.ID
		rootID, err := m.startStageLocked(dbc, sess, project, next.Slug, rootOpts{})
		if err != nil {
			return nil, fmt.Errorf("auto-advance to %s: %w", next.Slug, err)
		}
		out.RootJobID = rootID
	}
	return out, nil
}

// OnRootJobTerminal advances the session once every root job of its current
// stage and iteration has completed. It runs inside the cascade's
// transaction. A failed root leaves the session where it is. The next
// stage's seed prompt is uploaded by the transaction owner after commit.
func (m *Manager) OnRootJobTerminal(dbc dbctx.Context, job *types.DialecticJob) (err error) {
	ctx, span := observability.StartSpan(dbc.Context(), "stages.on_root_job_terminal",
		attribute.String("job.id", job.ID.String()),
		attribute.String("session.id", job.SessionID.String()),
	)
	defer func() { observability.EndSpan(span, err) }()
	dbc = dbctx.Context{Ctx: ctx, Tx: dbc.Tx}

	if job.Status != jobs.StatusCompleted {
		m.log.Warn("Root job did not complete; session left unchanged", "job_id", job.ID, "session_id", job.SessionID, "status", job.Status)
		return nil
	}
	sess, err := m.sessions.GetByIDForUpdate(dbc, job.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	current, err := m.process.GetStage(dbc, sess.CurrentStageID)
	if err != nil {
		return err
	}
	if current == nil || !strings.EqualFold(current.Slug, job.StageSlug) || sess.IterationCount != job.IterationNumber {
		return nil
	}
	roots, err := m.jobs.ListRoots(dbc, sess.ID, current.Slug, sess.IterationCount)
	if err != nil {
		return err
	}
	for _, r := range roots {
		if r.JobType == jobs.TypeRender {
			continue
		}
		if r.Status != jobs.StatusCompleted {
			return nil
		}
	}
	_, err = m.advanceLocked(dbc, sess)
	return err
}

func (m *Manager) seedPrompt(dbc dbctx.Context, project *types.Project, stage *types.Stage) (string, error) {
	if m.prompts == nil {
		return prompts.Render(stageName(stage), "", nil, project.InitialUserPrompt), nil
	}
	resolved, err := m.prompts.Resolve(dbc, prompts.Request{Project: project, Stage: stage.Slug})
	if err != nil {
		return "", err
	}
	vars := prompts.Vars(project, stage.Slug, resolved.Values)
	return prompts.Render(stageName(stage), resolved.Text, vars, project.InitialUserPrompt), nil
}

func (m *Manager) uploadSeed(ctx context.Context, project *types.Project, sess *types.Session, stage *types.Stage, seed string) error {
	if m.storage == nil {
		return nil
	}
	key := storagepath.SeedPrompt(storagepath.Stage{
		ProjectID: project.ID,
		SessionID: sess.ID,
		Iteration: sess.IterationCount,
		Position:  stage.Position,
		Slug:      stage.Slug,
	})
	if err := m.storage.Upload(ctx, key, []byte(seed), "text/markdown"); err != nil {
		return fmt.Errorf("upload seed prompt: %w", err)
	}
	return nil
}

func stageName(s *types.Stage) string {
	if strings.TrimSpace(s.DisplayName) != "" {
		return s.DisplayName
	}
	return s.Slug
}
