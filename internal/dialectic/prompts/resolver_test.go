package prompts

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type fakeStore struct {
	prompts  map[uuid.UUID]*types.SystemPrompt
	overlays map[uuid.UUID]*types.DomainOverlay
	defaults map[string]*types.SystemPrompt // key: lower(stage)+"/"+context

	promptCalls, overlayCalls, defaultCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prompts:  map[uuid.UUID]*types.SystemPrompt{},
		overlays: map[uuid.UUID]*types.DomainOverlay{},
		defaults: map[string]*types.SystemPrompt{},
	}
}

func (f *fakeStore) GetPromptByID(dbc dbctx.Context, id uuid.UUID) (*types.SystemPrompt, error) {
	f.promptCalls++
	return f.prompts[id], nil
}

func (f *fakeStore) GetStageDefault(dbc dbctx.Context, stage, context string) (*types.SystemPrompt, error) {
	f.defaultCalls++
	return f.defaults[strings.ToLower(stage)+"/"+context], nil
}

func (f *fakeStore) GetOverlayByID(dbc dbctx.Context, id uuid.UUID) (*types.DomainOverlay, error) {
	f.overlayCalls++
	return f.overlays[id], nil
}

func (f *fakeStore) addPrompt(text string, active bool) *types.SystemPrompt {
	p := &types.SystemPrompt{ID: uuid.New(), Name: text, PromptText: text, IsActive: active}
	f.prompts[p.ID] = p
	return p
}

func TestResolveDefaultForStageAndGeneralContext(t *testing.T) {
	fs := newFakeStore()
	def := fs.addPrompt("synthesis default", true)
	fs.defaults["synthesis/general"] = def
	r := NewResolver(fs, logger.Nop())

	got, err := r.Resolve(dbctx.Background(), Request{Project: &types.Project{}, Stage: "SYNTHESIS"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Text != "synthesis default" || got.Tier != TierDefault || got.PromptID != def.ID {
		t.Fatalf("resolved: want=(synthesis default, default) got=(%s, %s)", got.Text, got.Tier)
	}
}

func TestResolveMissingDirectPromptStopsThere(t *testing.T) {
	fs := newFakeStore()
	fs.defaults["thesis/general"] = fs.addPrompt("thesis default", true)
	overlayID := uuid.New()
	r := NewResolver(fs, logger.Nop())
	missing := uuid.New()

	_, err := r.Resolve(dbctx.Background(), Request{
		DirectPromptID: &missing,
		Project:        &types.Project{SelectedDomainOverlayID: &overlayID},
		Stage:          "thesis",
	})
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("want *ResolutionError got=%v", err)
	}
	if re.Code != CodePromptNotFound {
		t.Fatalf("code: want=%s got=%s", CodePromptNotFound, re.Code)
	}
	if !strings.Contains(re.Error(), missing.String()) {
		t.Fatalf("message should name %s: %s", missing, re.Error())
	}
	if fs.overlayCalls != 0 || fs.defaultCalls != 0 {
		t.Fatalf("fell through: overlay=%d default=%d", fs.overlayCalls, fs.defaultCalls)
	}
	if re.HTTPStatus() != 400 {
		t.Fatalf("status: want=400 got=%d", re.HTTPStatus())
	}
}

func TestResolveOverlayFillsValues(t *testing.T) {
	fs := newFakeStore()
	p := fs.addPrompt("Act as a {{role}} for {{domain}}.", true)
	o := &types.DomainOverlay{ID: uuid.New(), SystemPromptID: p.ID, IsActive: true, OverlayValues: datatypes.JSON(`{"role":"architect","n":3}`)}
	fs.overlays[o.ID] = o
	r := NewResolver(fs, logger.Nop())
	project := &types.Project{SelectedDomainOverlayID: &o.ID, SelectedDomainTag: "software", InitialUserPrompt: "build a queue"}

	got, err := r.Resolve(dbctx.Background(), Request{Project: project, Stage: "thesis"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Tier != TierOverlay {
		t.Fatalf("tier: want=overlay got=%s", got.Tier)
	}
	out := Render("thesis", got.Text, Vars(project, "thesis", got.Values), project.InitialUserPrompt)
	want := "Rendered System Prompt for thesis:\nAct as a architect for software.\n\nInitial User Prompt:\nbuild a queue"
	if out != want {
		t.Fatalf("render:\nwant=%q\ngot=%q", want, out)
	}
}

// Every combination of inputs yields exactly the outcome of the first tier
// whose input is present.
func TestResolvePrecedenceIsTotal(t *testing.T) {
	type directCase int
	const (
		directNone directCase = iota
		directMissing
		directInactive
		directOK
	)
	type overlayCase int
	const (
		overlayNone overlayCase = iota
		overlayMissing
		overlayPromptInactive
		overlayOK
	)

	for d := directNone; d <= directOK; d++ {
		for o := overlayNone; o <= overlayOK; o++ {
			for _, hasDefault := range []bool{false, true} {
				fs := newFakeStore()
				req := Request{Project: &types.Project{}, Stage: "antithesis"}
				switch d {
				case directMissing:
					id := uuid.New()
					req.DirectPromptID = &id
				case directInactive:
					req.DirectPromptID = &fs.addPrompt("off", false).ID
				case directOK:
					req.DirectPromptID = &fs.addPrompt("direct", true).ID
				}
				switch o {
				case overlayMissing:
					id := uuid.New()
					req.Project.SelectedDomainOverlayID = &id
				case overlayPromptInactive, overlayOK:
					p := fs.addPrompt("overlay", o == overlayOK)
					ov := &types.DomainOverlay{ID: uuid.New(), SystemPromptID: p.ID, IsActive: true}
					fs.overlays[ov.ID] = ov
					req.Project.SelectedDomainOverlayID = &ov.ID
				}
				if hasDefault {
					fs.defaults["antithesis/general"] = fs.addPrompt("default", true)
				}

				var wantText, wantCode string
				switch {
				case d == directOK:
					wantText = "direct"
				case d != directNone:
					wantCode = CodePromptNotFound
				case o == overlayOK:
					wantText = "overlay"
				case o == overlayMissing:
					wantCode = CodeOverlayNotFound
				case o == overlayPromptInactive:
					wantCode = CodeOverlayPromptNotFound
				case hasDefault:
					wantText = "default"
				default:
					wantCode = CodeDefaultPromptNotFound
				}

				got, err := NewResolver(fs, logger.Nop()).Resolve(dbctx.Background(), req)
				if wantCode != "" {
					var re *ResolutionError
					if !errors.As(err, &re) || re.Code != wantCode {
						t.Fatalf("d=%d o=%d default=%v: want code %s got=%v", d, o, hasDefault, wantCode, err)
					}
					continue
				}
				if err != nil || got.Text != wantText {
					t.Fatalf("d=%d o=%d default=%v: want %q got=%v err=%v", d, o, hasDefault, wantText, got, err)
				}
			}
		}
	}
}

func TestDefaultMessageNamesStageAndContext(t *testing.T) {
	fs := newFakeStore()
	_, err := NewResolver(fs, logger.Nop()).Resolve(dbctx.Background(), Request{
		Project: &types.Project{SelectedDomainTag: "legal"},
		Stage:   "paralysis",
	})
	want := "No suitable default prompt found for stage 'paralysis' and context 'legal'."
	if err == nil || err.Error() != want {
		t.Fatalf("message: want=%q got=%v", want, err)
	}
}

func TestFillLeavesUnknownPlaceholders(t *testing.T) {
	got := Fill("{{ a }} and {{b}}", map[string]string{"a": "x"})
	if got != "x and {{b}}" {
		t.Fatalf("fill: want=%q got=%q", "x and {{b}}", got)
	}
}

type failingStore struct{ err error }

func (f failingStore) GetPromptByID(dbctx.Context, uuid.UUID) (*types.SystemPrompt, error) {
	return nil, f.err
}

func (f failingStore) GetStageDefault(dbctx.Context, string, string) (*types.SystemPrompt, error) {
	return nil, f.err
}

func (f failingStore) GetOverlayByID(dbctx.Context, uuid.UUID) (*types.DomainOverlay, error) {
	return nil, f.err
}

// overlayOnlyFails serves the overlay row and fails the prompt lookup behind it.
type overlayOnlyFails struct {
	failingStore
	overlay *types.DomainOverlay
}

func (f overlayOnlyFails) GetOverlayByID(dbctx.Context, uuid.UUID) (*types.DomainOverlay, error) {
	return f.overlay, nil
}

func TestResolveStoreFailureIsNotAResolutionError(t *testing.T) {
	cause := errors.New("connection refused")
	direct := uuid.New()
	overlayID := uuid.New()
	overlay := &types.DomainOverlay{ID: overlayID, SystemPromptID: uuid.New(), IsActive: true}

	cases := []struct {
		name  string
		store Store
		req   Request
	}{
		{"direct", failingStore{cause}, Request{DirectPromptID: &direct, Stage: "thesis"}},
		{"overlay", failingStore{cause}, Request{Project: &types.Project{SelectedDomainOverlayID: &overlayID}, Stage: "thesis"}},
		{"overlay prompt", overlayOnlyFails{failingStore{cause}, overlay}, Request{Project: &types.Project{SelectedDomainOverlayID: &overlayID}, Stage: "thesis"}},
		{"default", failingStore{cause}, Request{Project: &types.Project{}, Stage: "thesis"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewResolver(tc.store, logger.Nop()).Resolve(dbctx.Background(), tc.req)
			if err == nil {
				t.Fatalf("want error got nil")
			}
			var re *ResolutionError
			if errors.As(err, &re) {
				t.Fatalf("store failure reported as resolution error: code=%s", re.Code)
			}
			if !errors.Is(err, cause) {
				t.Fatalf("want wrapped cause got=%v", err)
			}
		})
	}
}
