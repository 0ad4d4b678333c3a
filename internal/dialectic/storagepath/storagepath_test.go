package storagepath

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestArtifactPaths(t *testing.T) {
	p := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	s := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	a := Artifact{
		Stage:       Stage{ProjectID: p, SessionID: s, Iteration: 1, Position: 3, Slug: "Synthesis"},
		ModelSlug:   "gpt-4-turbo",
		Attempt:     0,
		DocumentKey: "business case",
	}
	root := "projects/11111111-1111-1111-1111-111111111111/sessions/22222222-2222-2222-2222-222222222222/iteration_1/3_synthesis"
	cases := map[string]string{
		"document": Document(a),
		"context":  Context(a),
		"raw":      RawResponse(a),
		"invalid":  InvalidRawResponse(a),
		"seed":     SeedPrompt(a.Stage),
	}
	want := map[string]string{
		"document": root + "/documents/gpt-4-turbo_0_business_case.md",
		"context":  root + "/_work/context/gpt-4-turbo_0_business_case.json",
		"raw":      root + "/raw_responses/gpt-4-turbo_0_business_case_raw.json",
		"invalid":  root + "/raw_responses/gpt-4-turbo_0_business_case_invalid_raw.json",
		"seed":     root + "/seed_prompt.md",
	}
	for k, got := range cases {
		if got != want[k] {
			t.Fatalf("%s:\nwant=%s\ngot =%s", k, want[k], got)
		}
	}
}

func TestArtifactSourceKeepsKeysApart(t *testing.T) {
	a := Artifact{
		Stage:       Stage{ProjectID: uuid.New(), SessionID: uuid.New(), Iteration: 1, Position: 1, Slug: "antithesis"},
		ModelSlug:   "claude",
		DocumentKey: "critique",
	}
	b := a
	a.Source, b.Source = "aaaaaaaa", "bbbbbbbb"
	if Document(a) == Document(b) {
		t.Fatalf("documents from different sources share a key: %s", Document(a))
	}
	if got := Document(a); !strings.HasSuffix(got, "/documents/claude_from_aaaaaaaa_0_critique.md") {
		t.Fatalf("source key: got=%s", got)
	}
}

func TestRebaseSession(t *testing.T) {
	p1, p2, s1, s2 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	key := Document(Artifact{Stage: Stage{ProjectID: p1, SessionID: s1, Iteration: 2, Position: 1, Slug: "thesis"}, ModelSlug: "m", DocumentKey: "d"})
	got := RebaseSession(key, p1, p2, s1, s2)
	want := Document(Artifact{Stage: Stage{ProjectID: p2, SessionID: s2, Iteration: 2, Position: 1, Slug: "thesis"}, ModelSlug: "m", DocumentKey: "d"})
	if got != want {
		t.Fatalf("rebase: want=%s got=%s", want, got)
	}
	if other := Rebase("elsewhere/x", p1, p2); other != "elsewhere/x" {
		t.Fatalf("foreign key changed: %s", other)
	}
}

func TestRenderedFromDocumentAndEdit(t *testing.T) {
	a := Artifact{Stage: Stage{ProjectID: uuid.New(), SessionID: uuid.New(), Iteration: 1, Position: 1, Slug: "thesis"}, ModelSlug: "m", DocumentKey: "d"}
	if got, want := RenderedFrom(Document(a)), Rendered(a); got != want {
		t.Fatalf("document: want=%s got=%s", want, got)
	}
	edit := Edit(a, 2)
	if got := RenderedFrom(edit); got != StageRoot(a.Stage)+"/rendered/m_0_d_v2.md" {
		t.Fatalf("edit: got=%s", got)
	}
}

func TestEditFromMatchesEdit(t *testing.T) {
	a := Artifact{Stage: Stage{ProjectID: uuid.New(), SessionID: uuid.New(), Iteration: 1, Position: 2, Slug: "synthesis"}, ModelSlug: "m", Attempt: 1, DocumentKey: "plan"}
	if got, want := EditFrom(Document(a), 2), Edit(a, 2); got != want {
		t.Fatalf("from document: want=%s got=%s", want, got)
	}
	if got, want := EditFrom(Edit(a, 2), 3), Edit(a, 3); got != want {
		t.Fatalf("from edit: want=%s got=%s", want, got)
	}
}
