package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	jobrepo "github.com/yungbote/dialectic-backend/internal/data/repos/jobs"
	"github.com/yungbote/dialectic-backend/internal/data/repos/testutil"
	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	"github.com/yungbote/dialectic-backend/internal/dialectic/stages"
	"github.com/yungbote/dialectic-backend/internal/dialectic/storagepath"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/cascade"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/ctxutil"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memStorage) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[key]
	if !ok {
		return nil, errors.New("not found: " + key)
	}
	return b, nil
}

func (m *memStorage) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStorage) Copy(ctx context.Context, src, dst string) error {
	b, err := m.Download(ctx, src)
	if err != nil {
		return err
	}
	return m.Upload(ctx, dst, b, "")
}

type env struct {
	db      *gorm.DB
	svc     DialecticService
	store   *store.Store
	storage *memStorage
	proc    testutil.Process
	owner   uuid.UUID
	model   *types.AIModel
	contrib dialectic.ContributionRepo
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	ctx := context.Background()

	proc := testutil.SeedProcess(t, ctx, db, "thesis", "antithesis")
	if err := db.Create(&types.Domain{Tag: "general", Name: "General", IsActive: true}).Error; err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	testutil.SeedPrompt(t, ctx, db, &types.SystemPrompt{
		PromptText:       "Argue the {{stage}}.",
		StageAssociation: "thesis",
		Context:          "general",
		IsActive:         true,
		IsStageDefault:   true,
	})
	model := testutil.SeedModel(t, ctx, db, "mock-echo")

	st := store.New(db, jobrepo.NewDialecticJobRepo(db, log), log)
	c := cascade.New(st, log)
	st.SetTerminalHook(c)
	sessions := dialectic.NewSessionRepo(db, log)
	projects := dialectic.NewProjectRepo(db, log)
	process := dialectic.NewProcessRepo(db, log)
	promptRepo := dialectic.NewPromptRepo(db, log)
	contribs := dialectic.NewContributionRepo(db, log)
	storage := &memStorage{}
	mgr := stages.New(stages.Deps{
		DB:       db,
		Sessions: sessions,
		Projects: projects,
		Process:  process,
		Jobs:     st,
		Prompts:  prompts.NewResolver(promptRepo, log),
		Storage:  storage,
	}, stages.Options{}, log)
	c.SetStageHook(mgr)

	svc := NewDialecticService(log, DialecticDeps{
		DB:            db,
		Projects:      projects,
		Sessions:      sessions,
		Contributions: contribs,
		Process:       process,
		Prompts:       promptRepo,
		Models:        dialectic.NewAIModelRepo(db, log),
		Jobs:          st,
		Stages:        mgr,
		Storage:       storage,
	})
	return &env{db: db, svc: svc, store: st, storage: storage, proc: proc, owner: uuid.New(), model: model, contrib: contribs}
}

func (e *env) as(user uuid.UUID) dbctx.Context {
	ctx := ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{UserID: user})
	return dbctx.Context{Ctx: ctx}
}

func (e *env) project(t *testing.T) *types.Project {
	t.Helper()
	p, err := e.svc.CreateProject(e.as(e.owner), CreateProjectInput{
		ProjectName:       "Cars",
		InitialUserPrompt: "Should cities ban cars?",
		ProcessTemplateID: &e.proc.Template.ID,
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func (e *env) session(t *testing.T, p *types.Project) *types.Session {
	t.Helper()
	sess, err := e.svc.StartSession(e.as(e.owner), StartSessionInput{ProjectID: p.ID, SelectedModelIDs: []uuid.UUID{e.model.ID}})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sess
}

// document stores a contribution the way the executor would.
func (e *env) document(t *testing.T, p *types.Project, sess *types.Session, body string) *types.Contribution {
	t.Helper()
	a := storagepath.Artifact{
		Stage:       storagepath.Stage{ProjectID: p.ID, SessionID: sess.ID, Iteration: 1, Position: 0, Slug: "thesis"},
		ModelSlug:   "mock-echo",
		DocumentKey: "thesis",
	}
	key := storagepath.Document(a)
	raw := storagepath.RawResponse(a)
	_ = e.storage.Upload(context.Background(), key, []byte(body), "text/markdown")
	_ = e.storage.Upload(context.Background(), raw, []byte(`{"content":"x"}`), "application/json")
	c, err := e.contrib.Create(dbctx.Background(), &types.Contribution{
		SessionID:    sess.ID,
		Stage:        "thesis",
		Iteration:    1,
		ModelID:      &e.model.ID,
		OutputType:   jobs.OutputDocument,
		DocumentKey:  "thesis",
		MimeType:     "text/markdown",
		StoragePath:  key,
		RawPath:      raw,
		EditVersion:  1,
		IsLatestEdit: true,
	})
	if err != nil {
		t.Fatalf("create contribution: %v", err)
	}
	return c
}

func wantCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	ae, ok := apierr.As(err)
	if !ok {
		t.Fatalf("want apierr %d/%s got=%v", status, code, err)
	}
	if ae.Status != status || ae.Code != code {
		t.Fatalf("error: want=%d/%s got=%d/%s (%v)", status, code, ae.Status, ae.Code, ae.Err)
	}
}

func TestCreateProjectValidates(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateProject(e.as(e.owner), CreateProjectInput{InitialUserPrompt: "x"})
	wantCode(t, err, http.StatusBadRequest, "invalid_payload")

	_, err = e.svc.CreateProject(e.as(e.owner), CreateProjectInput{ProjectName: "p", InitialUserPrompt: "x", SelectedDomainTag: "astrology"})
	wantCode(t, err, http.StatusBadRequest, "invalid_domain_tag")

	_, err = e.svc.CreateProject(dbctx.Background(), CreateProjectInput{ProjectName: "p", InitialUserPrompt: "x"})
	wantCode(t, err, http.StatusUnauthorized, "unauthenticated")

	p := e.project(t)
	if p.SelectedDomainTag != DefaultDomainTag || p.OwnerUserID != e.owner {
		t.Fatalf("project: want domain=%s owner=%s got=%s/%s", DefaultDomainTag, e.owner, p.SelectedDomainTag, p.OwnerUserID)
	}
}

func TestOtherUsersCannotSeeProject(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	_, err := e.svc.GetProjectDetails(e.as(uuid.New()), p.ID)
	wantCode(t, err, http.StatusForbidden, "forbidden")

	details, err := e.svc.GetProjectDetails(e.as(e.owner), p.ID)
	if err != nil {
		t.Fatalf("GetProjectDetails: %v", err)
	}
	if details.Template == nil || details.Template.ID != e.proc.Template.ID || len(details.Sessions) != 0 {
		t.Fatalf("details: %+v", details)
	}
}

func TestStartSessionRejectsInactiveModel(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	_, err := e.svc.StartSession(e.as(e.owner), StartSessionInput{ProjectID: p.ID, SelectedModelIDs: []uuid.UUID{uuid.New()}})
	wantCode(t, err, http.StatusBadRequest, "invalid_model")
	_, err = e.svc.StartSession(e.as(e.owner), StartSessionInput{ProjectID: p.ID})
	wantCode(t, err, http.StatusBadRequest, "invalid_payload")
}

func TestGenerateCancelRetry(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	dbc := e.as(e.owner)

	res, err := e.svc.GenerateContributions(dbc, GenerateContributionsInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}
	if res.StageSlug != "thesis" || res.Iteration != 1 {
		t.Fatalf("result: want thesis/1 got=%s/%d", res.StageSlug, res.Iteration)
	}
	_, err = e.svc.GenerateContributions(dbc, GenerateContributionsInput{SessionID: sess.ID, StageSlug: "thesis"})
	wantCode(t, err, http.StatusConflict, "stage_running")

	// Park the root with one pending child, then cancel the root.
	root := res.RootJobID
	child, err := e.store.CreateJob(dbc, store.CreateSpec{
		SessionID: sess.ID, StageSlug: "thesis", Iteration: 1, ParentJobID: &root,
		Payload: jobs.NewExecutePayload(jobs.ExecutePayload{SessionID: sess.ID, StageSlug: "thesis", Iteration: 1, OutputType: jobs.OutputDocument}),
	})
	if err != nil {
		t.Fatalf("CreateJob child: %v", err)
	}
	if err := e.store.SetStatus(dbc, root, jobs.StatusPending, jobs.StatusProcessing, nil); err != nil {
		t.Fatalf("claim root: %v", err)
	}
	if err := e.store.SetStatus(dbc, root, jobs.StatusProcessing, jobs.StatusWaitingForChildren, &store.Patch{Result: map[string]any{"step_idx": 0}}); err != nil {
		t.Fatalf("park root: %v", err)
	}

	out, err := e.svc.CancelJob(dbc, root)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if len(out.Cancelled) != 2 || out.Cancelled[0] != root {
		t.Fatalf("cancelled: want [root child] got=%v", out.Cancelled)
	}
	got, _ := e.store.GetJob(dbc, child.ID)
	if got.Status != jobs.StatusCancelled {
		t.Fatalf("child: want=cancelled got=%s", got.Status)
	}
	_, err = e.svc.CancelJob(dbc, root)
	wantCode(t, err, http.StatusConflict, "job_not_cancellable")

	_, err = e.svc.RetryJob(dbc, child.ID)
	wantCode(t, err, http.StatusBadRequest, "job_not_retryable")

	retried, err := e.svc.RetryJob(dbc, root)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retried.RetryOfJobID == nil || *retried.RetryOfJobID != root || retried.Status != jobs.StatusPending {
		t.Fatalf("retry: %+v", retried)
	}
	_, err = e.svc.RetryJob(dbc, root)
	wantCode(t, err, http.StatusConflict, "job_already_retried")

	details, err := e.svc.GetSessionDetails(dbc, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionDetails: %v", err)
	}
	if len(details.Jobs) != 3 || details.CurrentStage == nil || details.CurrentStage.Slug != "thesis" {
		t.Fatalf("details: jobs=%d stage=%v", len(details.Jobs), details.CurrentStage)
	}
}

func TestSaveContributionEditQueuesRender(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	orig := e.document(t, p, sess, "# Thesis\nfirst")
	dbc := e.as(e.owner)

	text := "# Thesis\nsecond"
	res, err := e.svc.SaveContributionEdit(dbc, SaveContributionEditInput{OriginalContributionID: orig.ID, EditedContentText: &text})
	if err != nil {
		t.Fatalf("SaveContributionEdit: %v", err)
	}
	c := res.Contribution
	if c.EditVersion != 2 || !c.IsLatestEdit || c.LineageID != orig.LineageID || c.EditedByUserID == nil {
		t.Fatalf("edit row: %+v", c)
	}
	if !strings.Contains(c.StoragePath, "/edits/") {
		t.Fatalf("edit path: %s", c.StoragePath)
	}
	if res.RenderJobID == nil {
		t.Fatalf("expected a render job")
	}
	render, _ := e.store.GetJob(dbc, *res.RenderJobID)
	if render.JobType != jobs.TypeRender || !render.IsRoot() {
		t.Fatalf("render job: %+v", render)
	}

	content, err := e.svc.GetContributionContent(dbc, c.ID)
	if err != nil {
		t.Fatalf("GetContributionContent: %v", err)
	}
	if content.Content != text {
		t.Fatalf("content: want=%q got=%q", text, content.Content)
	}

	_, err = e.svc.SaveContributionEdit(dbc, SaveContributionEditInput{OriginalContributionID: orig.ID, EditedContentText: &text})
	wantCode(t, err, http.StatusConflict, "not_latest_edit")
	_, err = e.svc.SaveContributionEdit(dbc, SaveContributionEditInput{OriginalContributionID: c.ID})
	wantCode(t, err, http.StatusBadRequest, "invalid_payload")
}

func TestExportProjectZipsManifestAndFiles(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	c := e.document(t, p, sess, "body")

	res, err := e.svc.ExportProject(e.as(e.owner), p.ID)
	if err != nil {
		t.Fatalf("ExportProject: %v", err)
	}
	if !strings.HasSuffix(res.ExportPath, ".zip") || len(res.Skipped) != 0 {
		t.Fatalf("export: %+v", res)
	}
	raw, _ := e.storage.Download(context.Background(), res.ExportPath)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	names := map[string]string{}
	for _, f := range zr.File {
		rc, _ := f.Open()
		b, _ := io.ReadAll(rc)
		rc.Close()
		names[f.Name] = string(b)
	}
	content := "sessions/" + sess.ID.String() + "/contributions/" + c.ID.String() + "_content.md"
	if names[content] != "body" {
		t.Fatalf("content file: want=body got=%q (files=%d)", names[content], len(names))
	}
	if !strings.Contains(names[manifestFileName], c.ID.String()) {
		t.Fatalf("manifest missing contribution")
	}
}

func TestCloneProjectCopiesLatestEdits(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	orig := e.document(t, p, sess, "v1")
	dbc := e.as(e.owner)
	text := "v2"
	if _, err := e.svc.SaveContributionEdit(dbc, SaveContributionEditInput{OriginalContributionID: orig.ID, EditedContentText: &text}); err != nil {
		t.Fatalf("SaveContributionEdit: %v", err)
	}
	if _, err := e.svc.ExportProject(dbc, p.ID); err != nil {
		t.Fatalf("ExportProject: %v", err)
	}

	clone, err := e.svc.CloneProject(dbc, CloneProjectInput{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("CloneProject: %v", err)
	}
	if clone.ProjectName != "[CLONE] Cars" || clone.ID == p.ID {
		t.Fatalf("clone: %+v", clone)
	}
	details, err := e.svc.GetProjectDetails(dbc, clone.ID)
	if err != nil || len(details.Sessions) != 1 {
		t.Fatalf("clone sessions: %v err=%v", details, err)
	}
	cs := details.Sessions[0]
	if cs.ID == sess.ID || len(cs.ModelIDs()) != 1 {
		t.Fatalf("clone session: %+v", cs)
	}
	got, err := e.svc.GetSessionDetails(dbc, cs.ID)
	if err != nil || len(got.Contributions) != 1 || len(got.Jobs) != 0 {
		t.Fatalf("clone contributions: %v err=%v", got, err)
	}
	cc := got.Contributions[0]
	if cc.EditVersion != 1 || cc.LineageID != cc.ID || !strings.Contains(cc.StoragePath, cs.ID.String()) {
		t.Fatalf("clone contribution: %+v", cc)
	}
	body, err := e.svc.GetContributionContent(dbc, cc.ID)
	if err != nil || body.Content != "v2" {
		t.Fatalf("clone content: %v err=%v", body, err)
	}
	exports, _ := e.storage.List(context.Background(), storagepath.ProjectRoot(clone.ID)+"/exports/")
	if len(exports) != 0 {
		t.Fatalf("exports should not be cloned: %v", exports)
	}
}

func TestListProcessTemplate(t *testing.T) {
	e := newEnv(t)
	cat, err := e.svc.ListProcessTemplate(e.as(e.owner), &e.proc.Template.ID)
	if err != nil {
		t.Fatalf("ListProcessTemplate: %v", err)
	}
	if len(cat.Templates) != 1 || len(cat.Templates[0].Stages) != 2 || len(cat.Templates[0].Transitions) != 1 {
		t.Fatalf("catalog: %+v", cat.Templates)
	}
	if len(cat.Domains) != 1 || len(cat.Models) != 1 {
		t.Fatalf("domains=%d models=%d", len(cat.Domains), len(cat.Models))
	}
}

func TestUpdateProjectDomain(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	if err := e.db.Create(&types.Domain{Tag: "legal", Name: "Legal", IsActive: true}).Error; err != nil {
		t.Fatalf("seed domain: %v", err)
	}
	got, err := e.svc.UpdateProjectDomain(e.as(e.owner), UpdateProjectDomainInput{ProjectID: p.ID, SelectedDomainTag: "legal"})
	if err != nil {
		t.Fatalf("UpdateProjectDomain: %v", err)
	}
	if got.SelectedDomainTag != "legal" || got.SelectedDomainOverlayID != nil {
		t.Fatalf("project: %+v", got)
	}
	bogus := uuid.New()
	_, err = e.svc.UpdateProjectDomain(e.as(e.owner), UpdateProjectDomainInput{ProjectID: p.ID, SelectedDomainTag: "legal", SelectedDomainOverlayID: &bogus})
	wantCode(t, err, http.StatusBadRequest, "invalid_domain_overlay")
}

func TestAuthTokenRoundTrip(t *testing.T) {
	as := NewAuthService(testutil.Logger(t), "secret")
	user := uuid.New()
	tok, err := as.IssueToken(user, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ctx, err := as.SetContextFromToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("SetContextFromToken: %v", err)
	}
	if got := ctxutil.PrincipalID(ctx); got != user {
		t.Fatalf("principal: want=%s got=%s", user, got)
	}
	other := NewAuthService(testutil.Logger(t), "other")
	if _, err := other.SetContextFromToken(context.Background(), tok); err == nil {
		t.Fatalf("expected a signature error")
	}
	expired, _ := as.IssueToken(user, -time.Minute)
	if _, err := as.SetContextFromToken(context.Background(), expired); err == nil {
		t.Fatalf("expected an expiry error")
	}
}

func TestStageErrorSeparatesResolutionFromStorage(t *testing.T) {
	overlayMiss := &prompts.ResolutionError{Tier: prompts.TierOverlay, Code: prompts.CodeOverlayNotFound, Message: "overlay missing"}
	e, ok := apierr.As(stageError("start session", overlayMiss))
	if !ok || e.Status != http.StatusUnprocessableEntity || e.Code != prompts.CodeOverlayNotFound {
		t.Fatalf("resolution error: want=422 %s got=%+v", prompts.CodeOverlayNotFound, e)
	}

	cause := errors.New("connection refused")
	e, ok = apierr.As(stageError("start session", fmt.Errorf("load prompt: %w", cause)))
	if !ok || e.Status != http.StatusInternalServerError {
		t.Fatalf("store error: want=500 got=%+v", e)
	}
	if !errors.Is(e, cause) {
		t.Fatalf("store error should keep its cause, got=%v", e)
	}
}

func TestEditAndCloneKeepSourceLineage(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	dbc := e.as(e.owner)
	thesis := e.document(t, p, sess, "thesis body")

	key := storagepath.Document(storagepath.Artifact{
		Stage:       storagepath.Stage{ProjectID: p.ID, SessionID: sess.ID, Iteration: 1, Position: 1, Slug: "antithesis"},
		ModelSlug:   "mock-echo",
		DocumentKey: "critique",
		Source:      thesis.LineageID.String()[:8],
	})
	_ = e.storage.Upload(context.Background(), key, []byte("critique body"), "text/markdown")
	critique := &types.Contribution{
		SessionID:    sess.ID,
		Stage:        "antithesis",
		Iteration:    1,
		ModelID:      &e.model.ID,
		OutputType:   jobs.OutputDocument,
		DocumentKey:  "critique",
		MimeType:     "text/markdown",
		StoragePath:  key,
		EditVersion:  1,
		IsLatestEdit: true,
	}
	critique.SetSources([]uuid.UUID{thesis.LineageID})
	if _, err := e.contrib.Create(dbctx.Background(), critique); err != nil {
		t.Fatalf("create critique: %v", err)
	}

	text := "sharper critique"
	edited, err := e.svc.SaveContributionEdit(dbc, SaveContributionEditInput{OriginalContributionID: critique.ID, EditedContentText: &text})
	if err != nil {
		t.Fatalf("SaveContributionEdit: %v", err)
	}
	if !edited.Contribution.DerivedFrom(thesis.LineageID) {
		t.Fatalf("edit lost its source: %v", edited.Contribution.Sources())
	}

	clone, err := e.svc.CloneProject(dbc, CloneProjectInput{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("CloneProject: %v", err)
	}
	details, err := e.svc.GetProjectDetails(dbc, clone.ID)
	if err != nil || len(details.Sessions) != 1 {
		t.Fatalf("clone sessions: %v err=%v", details, err)
	}
	got, err := e.svc.GetSessionDetails(dbc, details.Sessions[0].ID)
	if err != nil || len(got.Contributions) != 2 {
		t.Fatalf("clone contributions: %v err=%v", got, err)
	}
	var clonedThesis, clonedCritique *types.Contribution
	for _, c := range got.Contributions {
		switch c.Stage {
		case "thesis":
			clonedThesis = c
		case "antithesis":
			clonedCritique = c
		}
	}
	if clonedThesis == nil || clonedCritique == nil {
		t.Fatalf("clone missing a stage: %+v", got.Contributions)
	}
	src := clonedCritique.Sources()
	if len(src) != 1 || src[0] != clonedThesis.LineageID {
		t.Fatalf("cloned sources: want=[%s] got=%v", clonedThesis.LineageID, src)
	}
}

func TestUpdateSessionModels(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	dbc := e.as(e.owner)
	second := testutil.SeedModel(t, context.Background(), e.db, "mock-two")

	got, err := e.svc.UpdateSessionModels(dbc, UpdateSessionModelsInput{SessionID: sess.ID, SelectedModelIDs: []uuid.UUID{second.ID, e.model.ID, second.ID}})
	if err != nil {
		t.Fatalf("UpdateSessionModels: %v", err)
	}
	if ids := got.ModelIDs(); len(ids) != 2 || ids[0] != second.ID || ids[1] != e.model.ID {
		t.Fatalf("returned models: want=[%s %s] got=%v", second.ID, e.model.ID, ids)
	}
	details, err := e.svc.GetSessionDetails(dbc, sess.ID)
	if err != nil || len(details.Session.ModelIDs()) != 2 {
		t.Fatalf("stored models: %v err=%v", details, err)
	}

	if err := e.db.Model(&types.AIModel{}).Where("id = ?", second.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("retire model: %v", err)
	}
	_, err = e.svc.UpdateSessionModels(dbc, UpdateSessionModelsInput{SessionID: sess.ID, SelectedModelIDs: []uuid.UUID{second.ID}})
	wantCode(t, err, http.StatusBadRequest, "invalid_model")
	_, err = e.svc.UpdateSessionModels(dbc, UpdateSessionModelsInput{SessionID: sess.ID})
	wantCode(t, err, http.StatusBadRequest, "invalid_payload")
	_, err = e.svc.UpdateSessionModels(e.as(uuid.New()), UpdateSessionModelsInput{SessionID: sess.ID, SelectedModelIDs: []uuid.UUID{e.model.ID}})
	wantCode(t, err, http.StatusForbidden, "forbidden")
}

func TestGetAllStageProgressFollowsJobTree(t *testing.T) {
	e := newEnv(t)
	p := e.project(t)
	sess := e.session(t, p)
	dbc := e.as(e.owner)

	prog, err := e.svc.GetAllStageProgress(dbc, StageProgressInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("GetAllStageProgress: %v", err)
	}
	if len(prog.Stages) != 2 || prog.Iteration != 1 {
		t.Fatalf("stages: want=2 at iteration 1 got=%d at %d", len(prog.Stages), prog.Iteration)
	}
	for _, st := range prog.Stages {
		if st.Status != ProgressNotStarted {
			t.Fatalf("%s before generation: want=%s got=%s", st.StageSlug, ProgressNotStarted, st.Status)
		}
	}

	res, err := e.svc.GenerateContributions(dbc, GenerateContributionsInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("GenerateContributions: %v", err)
	}
	root := res.RootJobID
	child, err := e.store.CreateJob(dbc, store.CreateSpec{
		SessionID: sess.ID, StageSlug: "thesis", Iteration: 1, ParentJobID: &root,
		Payload: jobs.NewExecutePayload(jobs.ExecutePayload{
			SessionID: sess.ID, StageSlug: "thesis", Iteration: 1, ModelID: e.model.ID,
			StepKey: "thesis_document", OutputType: jobs.OutputDocument,
		}),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := e.store.SetStatus(dbc, child.ID, jobs.StatusPending, jobs.StatusProcessing, nil); err != nil {
		t.Fatalf("claim child: %v", err)
	}

	prog, err = e.svc.GetAllStageProgress(dbc, StageProgressInput{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("GetAllStageProgress: %v", err)
	}
	thesis := prog.Stages[0]
	if thesis.StageSlug != "thesis" || thesis.Status != ProgressInProgress {
		t.Fatalf("thesis: want in_progress got=%s/%s", thesis.StageSlug, thesis.Status)
	}
	if len(thesis.Steps) != 1 || thesis.Steps[0].StepKey != "thesis_document" || thesis.Steps[0].Status != ProgressInProgress {
		t.Fatalf("thesis steps: %+v", thesis.Steps)
	}
	if got := thesis.Steps[0].Models[e.model.ID.String()]; got != ProgressInProgress {
		t.Fatalf("model status: want=%s got=%s", ProgressInProgress, got)
	}
	if prog.Stages[1].Status != ProgressNotStarted {
		t.Fatalf("antithesis: want=%s got=%s", ProgressNotStarted, prog.Stages[1].Status)
	}

	_, err = e.svc.GetAllStageProgress(e.as(uuid.New()), StageProgressInput{SessionID: sess.ID})
	wantCode(t, err, http.StatusForbidden, "forbidden")
}

func TestDeriveProgressSkipsReplacedJobs(t *testing.T) {
	recipe := `[{"key":"draft","output_type":"document","granularity":"per_model"}]`
	st := &types.Stage{Slug: "thesis", DisplayName: "Thesis", Recipe: []byte(recipe)}
	a, b := uuid.New(), uuid.New()
	exec := func(model uuid.UUID, status string) *types.DialecticJob {
		raw, err := jobs.NewExecutePayload(jobs.ExecutePayload{StepKey: "draft", ModelID: model, OutputType: jobs.OutputDocument}).JSON()
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		return &types.DialecticJob{ID: uuid.New(), StageSlug: "thesis", IterationNumber: 1, JobType: jobs.TypeExecute, Status: status, Payload: raw}
	}
	root := &types.DialecticJob{ID: uuid.New(), StageSlug: "thesis", IterationNumber: 1, JobType: jobs.TypePlan, Status: jobs.StatusCompleted}
	failed := exec(b, jobs.StatusFailed)
	retry := exec(b, jobs.StatusCompleted)
	retry.RetryOfJobID = &failed.ID
	render := &types.DialecticJob{ID: uuid.New(), StageSlug: "thesis", IterationNumber: 1, JobType: jobs.TypeRender, Status: jobs.StatusCompleted}
	old := exec(a, jobs.StatusFailed)
	old.IterationNumber = 0

	got := deriveProgress([]*types.Stage{st}, []*types.DialecticJob{root, exec(a, jobs.StatusCompleted), failed, retry, render, old}, 1)
	if len(got) != 1 {
		t.Fatalf("stages: want=1 got=%d", len(got))
	}
	sp := got[0]
	if sp.Status != ProgressCompleted || sp.Documents != 1 {
		t.Fatalf("stage: want completed with 1 document got=%s/%d", sp.Status, sp.Documents)
	}
	step := sp.Steps[0]
	if step.Total != 2 || step.Completed != 2 || step.Failed != 0 || step.Models[b.String()] != ProgressCompleted {
		t.Fatalf("step: %+v", step)
	}

	cases := map[string][]string{
		ProgressNotStarted: nil,
		ProgressPending:    {ProgressPending, ProgressPending},
		ProgressInProgress: {ProgressCompleted, ProgressPending},
		ProgressFailed:     {ProgressCompleted, ProgressFailed, ProgressCancelled},
		ProgressCancelled:  {ProgressInProgress, ProgressCancelled},
	}
	for want, in := range cases {
		if got := deriveStatus(in); got != want {
			t.Fatalf("deriveStatus(%v): want=%s got=%s", in, want, got)
		}
	}
}
