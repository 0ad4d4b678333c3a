package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	jobrepo "github.com/yungbote/dialectic-backend/internal/data/repos/jobs"
	"github.com/yungbote/dialectic-backend/internal/data/repos/testutil"
	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/cascade"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
)

type memStorage struct {
	mu    sync.Mutex
	files map[string]string
}

func (m *memStorage) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string]string{}
	}
	m.files[key] = string(data)
	return nil
}

type env struct {
	db       *gorm.DB
	dbc      dbctx.Context
	mgr      *Manager
	store    *store.Store
	sessions dialectic.SessionRepo
	storage  *memStorage
	proc     testutil.Process
	project  *types.Project
}

func newEnv(t *testing.T, opts Options, slugs ...string) *env {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	ctx := context.Background()

	proc := testutil.SeedProcess(t, ctx, db, slugs...)
	project := testutil.SeedProject(t, ctx, db, uuid.New(), proc.Template.ID)
	testutil.SeedPrompt(t, ctx, db, &types.SystemPrompt{
		PromptText:       "Argue the {{stage}} for {{domain}}.",
		StageAssociation: slugs[0],
		Context:          "general",
		IsActive:         true,
		IsStageDefault:   true,
	})

	st := store.New(db, jobrepo.NewDialecticJobRepo(db, log), log)
	c := cascade.New(st, log)
	st.SetTerminalHook(c)
	sessions := dialectic.NewSessionRepo(db, log)
	storage := &memStorage{}
	mgr := New(Deps{
		DB:       db,
		Sessions: sessions,
		Projects: dialectic.NewProjectRepo(db, log),
		Process:  dialectic.NewProcessRepo(db, log),
		Jobs:     st,
		Prompts:  prompts.NewResolver(dialectic.NewPromptRepo(db, log), log),
		Storage:  storage,
	}, opts, log)
	c.SetStageHook(mgr)

	return &env{db: db, dbc: dbctx.Context{Ctx: ctx}, mgr: mgr, store: st, sessions: sessions, storage: storage, proc: proc, project: project}
}

func (e *env) startSession(t *testing.T) *types.Session {
	t.Helper()
	sess, err := e.mgr.StartSession(e.dbc, e.project, StartSessionInput{ModelIDs: []uuid.UUID{uuid.New()}})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sess
}

func (e *env) session(t *testing.T, id uuid.UUID) *types.Session {
	t.Helper()
	s, err := e.sessions.GetByID(e.dbc, id)
	if err != nil || s == nil {
		t.Fatalf("GetByID: %v", err)
	}
	return s
}

func (e *env) complete(t *testing.T, jobID uuid.UUID, final string) {
	t.Helper()
	if err := e.store.SetStatus(e.dbc, jobID, jobs.StatusPending, jobs.StatusProcessing, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := e.store.SetStatus(e.dbc, jobID, jobs.StatusProcessing, final, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestStartSessionDefaults(t *testing.T) {
	e := newEnv(t, Options{}, "thesis", "antithesis")
	sess := e.startSession(t)

	if sess.Status != "pending_thesis" || sess.IterationCount != 1 {
		t.Fatalf("session: want=(pending_thesis, 1) got=(%s, %d)", sess.Status, sess.IterationCount)
	}
	if sess.CurrentStageID != e.proc.Stage("thesis").ID {
		t.Fatalf("current stage: want thesis")
	}
	if want := "Project - thesis (general)"; sess.SessionDescription != want {
		t.Fatalf("description: want=%q got=%q", want, sess.SessionDescription)
	}
	var seed string
	for k, v := range e.storage.files {
		if strings.HasSuffix(k, "/seed_prompt.md") {
			seed = v
		}
	}
	if !strings.Contains(seed, "Argue the thesis for general.") || !strings.Contains(seed, "Should cities ban cars?") {
		t.Fatalf("seed prompt: %q", seed)
	}
}

func TestStartSessionRejectsUnknownStage(t *testing.T) {
	e := newEnv(t, Options{}, "thesis")
	_, err := e.mgr.StartSession(e.dbc, e.project, StartSessionInput{StageSlug: "nope"})
	if !errors.Is(err, ErrStageNotFound) {
		t.Fatalf("want ErrStageNotFound got=%v", err)
	}
}

func TestStageCompletionAdvancesThenEndsIteration(t *testing.T) {
	e := newEnv(t, Options{}, "thesis", "antithesis")
	sess := e.startSession(t)

	root, err := e.mgr.StartStage(e.dbc, sess.ID, "THESIS")
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if got := e.session(t, sess.ID).Status; got != "running_thesis" {
		t.Fatalf("status: want=running_thesis got=%s", got)
	}
	rootJob, _ := e.store.GetJob(e.dbc, root)
	if rootJob.StatusLabel != "pending_thesis" || rootJob.JobType != jobs.TypePlan {
		t.Fatalf("root job: %+v", rootJob)
	}

	// A pending RENDER root never holds a stage open.
	if _, err := e.store.CreateJob(e.dbc, store.CreateSpec{
		SessionID: sess.ID, StageSlug: "thesis", Iteration: 1,
		Payload: jobs.NewRenderPayload(jobs.RenderPayload{SessionID: sess.ID, StageSlug: "thesis", Iteration: 1}),
	}); err != nil {
		t.Fatalf("CreateJob render: %v", err)
	}

	e.complete(t, root, jobs.StatusCompleted)
	got := e.session(t, sess.ID)
	if got.Status != "pending_antithesis" || got.CurrentStageID != e.proc.Stage("antithesis").ID {
		t.Fatalf("after thesis: want=pending_antithesis got=%s", got.Status)
	}

	root2, err := e.mgr.StartStage(e.dbc, sess.ID, "antithesis")
	if err != nil {
		t.Fatalf("StartStage antithesis: %v", err)
	}
	e.complete(t, root2, jobs.StatusCompleted)
	if got := e.session(t, sess.ID).Status; got != StatusIterationComplete {
		t.Fatalf("after last stage: want=%s got=%s", StatusIterationComplete, got)
	}
}

func TestFailedRootLeavesSessionUnchanged(t *testing.T) {
	e := newEnv(t, Options{}, "thesis", "antithesis")
	sess := e.startSession(t)
	root, err := e.mgr.StartStage(e.dbc, sess.ID, "thesis")
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	e.complete(t, root, jobs.StatusFailed)
	if got := e.session(t, sess.ID).Status; got != "running_thesis" {
		t.Fatalf("status: want=running_thesis got=%s", got)
	}
}

func TestStartStageRefusesWhileRootRunning(t *testing.T) {
	e := newEnv(t, Options{}, "thesis")
	sess := e.startSession(t)
	if _, err := e.mgr.StartStage(e.dbc, sess.ID, "thesis"); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if _, err := e.mgr.StartStage(e.dbc, sess.ID, "thesis"); !errors.Is(err, ErrStageRunning) {
		t.Fatalf("want ErrStageRunning got=%v", err)
	}
}

func TestAutoAdvanceStartsNextStage(t *testing.T) {
	e := newEnv(t, Options{AutoAdvance: true}, "thesis", "antithesis")
	sess := e.startSession(t)
	root, err := e.mgr.StartStage(e.dbc, sess.ID, "thesis")
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	e.complete(t, root, jobs.StatusCompleted)

	if got := e.session(t, sess.ID).Status; got != "running_antithesis" {
		t.Fatalf("status: want=running_antithesis got=%s", got)
	}
	roots, err := e.store.ListRoots(e.dbc, sess.ID, "antithesis", 1)
	if err != nil || len(roots) != 1 || roots[0].Status != jobs.StatusPending {
		t.Fatalf("antithesis roots: %v err=%v", roots, err)
	}
}

func TestDescriptionFallback(t *testing.T) {
	if got := Description("", "Synthesis", ""); got != "Unnamed Project - Synthesis (General)" {
		t.Fatalf("description: got=%q", got)
	}
}

func TestRetryRootResumesFailedPlan(t *testing.T) {
	e := newEnv(t, Options{}, "thesis")
	sess := e.startSession(t)
	prompt := uuid.New()
	root, err := e.mgr.StartStageWithPrompt(e.dbc, sess.ID, "thesis", &prompt)
	if err != nil {
		t.Fatalf("StartStageWithPrompt: %v", err)
	}
	e.complete(t, root, jobs.StatusFailed)
	old, _ := e.store.GetJob(e.dbc, root)

	retry, err := e.mgr.RetryRoot(e.dbc, old)
	if err != nil {
		t.Fatalf("RetryRoot: %v", err)
	}
	job, _ := e.store.GetJob(e.dbc, retry)
	if job.RetryOfJobID == nil || *job.RetryOfJobID != root {
		t.Fatalf("retry_of: want=%s got=%v", root, job.RetryOfJobID)
	}
	p, err := jobs.DecodePayload(job.Payload)
	if err != nil || p.Plan == nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Plan.DirectPromptID == nil || *p.Plan.DirectPromptID != prompt {
		t.Fatalf("direct prompt: want=%s got=%v", prompt, p.Plan.DirectPromptID)
	}
	if got := e.session(t, sess.ID).Status; got != "running_thesis" {
		t.Fatalf("status: want=running_thesis got=%s", got)
	}
	roots, _ := e.store.ListRoots(e.dbc, sess.ID, "thesis", 1)
	if len(roots) != 1 || roots[0].ID != retry {
		t.Fatalf("visible roots: want only the retry, got=%d", len(roots))
	}
}

func TestResumeStepPrefersParkedStep(t *testing.T) {
	job := &types.DialecticJob{Result: []byte(`{"step_idx":2,"children":[]}`)}
	if got := resumeStep(job, 3); got != 2 {
		t.Fatalf("resume: want=2 got=%d", got)
	}
	if got := resumeStep(&types.DialecticJob{}, 1); got != 1 {
		t.Fatalf("resume without result: want=1 got=%d", got)
	}
}

func (e *env) seedFor(slug string) (string, bool) {
	e.storage.mu.Lock()
	defer e.storage.mu.Unlock()
	for k, v := range e.storage.files {
		if strings.HasSuffix(k, "_"+slug+"/seed_prompt.md") {
			return v, true
		}
	}
	return "", false
}

func TestNextSeedPromptUploadsAfterCommit(t *testing.T) {
	e := newEnv(t, Options{}, "thesis", "antithesis")
	testutil.SeedPrompt(t, context.Background(), e.db, &types.SystemPrompt{
		PromptText:       "Attack the {{stage}}.",
		StageAssociation: "antithesis",
		Context:          "general",
		IsActive:         true,
		IsStageDefault:   true,
	})
	sess := e.startSession(t)

	// Rolled back: the session stays put and nothing is uploaded.
	txc, _ := dbctx.WithCommitHooks(e.dbc)
	tx := e.db.Begin()
	if _, err := e.mgr.OnStageComplete(txc.WithTx(tx), sess.ID); err != nil {
		t.Fatalf("OnStageComplete: %v", err)
	}
	if _, ok := e.seedFor("antithesis"); ok {
		t.Fatalf("seed prompt uploaded before commit")
	}
	if err := tx.Rollback().Error; err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := e.seedFor("antithesis"); ok {
		t.Fatalf("seed prompt uploaded for a rolled back advance")
	}
	if got := e.session(t, sess.ID).Status; got != "pending_thesis" {
		t.Fatalf("status after rollback: want=pending_thesis got=%s", got)
	}

	// Committed: the upload waits for the owner's flush.
	txc, flush := dbctx.WithCommitHooks(e.dbc)
	tx = e.db.Begin()
	if _, err := e.mgr.OnStageComplete(txc.WithTx(tx), sess.ID); err != nil {
		t.Fatalf("OnStageComplete: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := e.seedFor("antithesis"); ok {
		t.Fatalf("seed prompt uploaded before flush")
	}
	flush()
	seed, ok := e.seedFor("antithesis")
	if !ok || !strings.Contains(seed, "Attack the antithesis.") {
		t.Fatalf("seed prompt after commit: ok=%v seed=%q", ok, seed)
	}
}

func TestCascadeAdvanceUploadsNextSeedPrompt(t *testing.T) {
	e := newEnv(t, Options{}, "thesis", "antithesis")
	testutil.SeedPrompt(t, context.Background(), e.db, &types.SystemPrompt{
		PromptText:       "Attack the {{stage}}.",
		StageAssociation: "antithesis",
		Context:          "general",
		IsActive:         true,
		IsStageDefault:   true,
	})
	sess := e.startSession(t)
	root, err := e.mgr.StartStage(e.dbc, sess.ID, "thesis")
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	e.complete(t, root, jobs.StatusCompleted)
	if got := e.session(t, sess.ID).Status; got != "pending_antithesis" {
		t.Fatalf("status: want=pending_antithesis got=%s", got)
	}
	if seed, ok := e.seedFor("antithesis"); !ok || !strings.Contains(seed, "Attack the antithesis.") {
		t.Fatalf("seed prompt: ok=%v seed=%q", ok, seed)
	}
}
