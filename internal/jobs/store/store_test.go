package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	jobrepo "github.com/yungbote/dialectic-backend/internal/data/repos/jobs"
	"github.com/yungbote/dialectic-backend/internal/data/repos/testutil"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *recordingNotifier) JobsAvailable(ids ...uuid.UUID) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *recordingNotifier) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	s := New(db, jobrepo.NewDialecticJobRepo(db, log), log)
	n := &recordingNotifier{}
	s.SetNotifier(n)
	return s, n
}

func execSpec(session uuid.UUID) CreateSpec {
	return CreateSpec{
		OwnerUserID: uuid.New(),
		SessionID:   session,
		StageSlug:   "Thesis",
		Iteration:   1,
		Payload: jobs.NewExecutePayload(jobs.ExecutePayload{
			SessionID:  session,
			StageSlug:  "thesis",
			Iteration:  1,
			StepKey:    "draft",
			OutputType: jobs.OutputDocument,
		}),
	}
}

func TestStatusLabel(t *testing.T) {
	cases := map[string]string{
		"thesis":        "pending_thesis",
		"Antithesis":    "pending_antithesis",
		"Thesis Review": "pending_thesis_review",
		"peerReview":    "pending_peer_review",
	}
	for in, want := range cases {
		if got := StatusLabel(in); got != want {
			t.Fatalf("StatusLabel(%q): want=%s got=%s", in, want, got)
		}
	}
}

func TestCreateJobStartsPendingAndWakesWorkers(t *testing.T) {
	s, n := newTestStore(t)
	dbc := dbctx.Background()

	job, err := s.CreateJob(dbc, execSpec(uuid.New()))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("status: want=%s got=%s", jobs.StatusPending, job.Status)
	}
	if job.StatusLabel != "pending_thesis" {
		t.Fatalf("status label: want=pending_thesis got=%s", job.StatusLabel)
	}
	if n.calls != 1 {
		t.Fatalf("notifier calls: want=1 got=%d", n.calls)
	}
}

func TestCreateJobRejectsMismatchedPayload(t *testing.T) {
	s, _ := newTestStore(t)
	spec := execSpec(uuid.New())
	spec.Payload.Plan = &jobs.PlanPayload{}
	if _, err := s.CreateJob(dbctx.Background(), spec); err == nil {
		t.Fatalf("expected error for payload with two variants")
	}
}

func TestCreateJobWithUnfinishedPrerequisiteWaits(t *testing.T) {
	s, _ := newTestStore(t)
	dbc := dbctx.Background()
	session := uuid.New()

	pre, err := s.CreateJob(dbc, execSpec(session))
	if err != nil {
		t.Fatalf("CreateJob pre: %v", err)
	}
	spec := execSpec(session)
	spec.PrerequisiteJobID = &pre.ID
	waiter, err := s.CreateJob(dbc, spec)
	if err != nil {
		t.Fatalf("CreateJob waiter: %v", err)
	}
	if waiter.Status != jobs.StatusWaitingForPrerequisite {
		t.Fatalf("status: want=%s got=%s", jobs.StatusWaitingForPrerequisite, waiter.Status)
	}

	missing := uuid.New()
	spec.PrerequisiteJobID = &missing
	if _, err := s.CreateJob(dbc, spec); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing prerequisite: want ErrJobNotFound got=%v", err)
	}
}

func TestSetStatusWritesPatchAndCompletedAt(t *testing.T) {
	s, _ := newTestStore(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	job, err := s.CreateJob(dbc, execSpec(uuid.New()))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.SetStatus(dbc, job.ID, jobs.StatusPending, jobs.StatusProcessing, nil); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	msg := "model timed out"
	if err := s.SetStatus(dbc, job.ID, jobs.StatusProcessing, jobs.StatusFailed, &Patch{Error: &msg}); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	got, err := s.GetJob(dbc, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Error != msg {
		t.Fatalf("error: want=%q got=%q", msg, got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if err := s.SetStatus(dbc, job.ID, jobs.StatusFailed, jobs.StatusProcessing, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("leaving failed: want ErrInvalidTransition got=%v", err)
	}
}

func TestGetJobMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.GetJob(dbctx.Background(), uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("want ErrJobNotFound got=%v", err)
	}
}

func TestFailStaleExpiresSilentWorkers(t *testing.T) {
	s, _ := newTestStore(t)
	dbc := dbctx.Background()
	job, err := s.CreateJob(dbc, execSpec(uuid.New()))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := s.Claim(dbc)
	if err != nil || claimed == nil || claimed.ID != job.ID {
		t.Fatalf("Claim: want=%s got=%v err=%v", job.ID, claimed, err)
	}

	n, err := s.FailStale(dbc, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("FailStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired: want=1 got=%d", n)
	}
	got, _ := s.GetJob(dbc, job.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("status: want=%s got=%s", jobs.StatusFailed, got.Status)
	}
}
