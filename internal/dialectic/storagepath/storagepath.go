// Package storagepath builds the object keys every artifact is stored under.
package storagepath

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Stage locates one stage of one iteration of a session.
type Stage struct {
	ProjectID uuid.UUID
	SessionID uuid.UUID
	Iteration int
	Position  int
	Slug      string
}

// Artifact names one model output within a stage.
type Artifact struct {
	Stage
	ModelSlug   string
	Attempt     int
	DocumentKey string
	// Source tells apart outputs of the same model and document key that
	// were generated from different source documents.
	Source string
}

func ProjectRoot(projectID uuid.UUID) string {
	return "projects/" + projectID.String()
}

func SessionRoot(projectID, sessionID uuid.UUID) string {
	return path.Join(ProjectRoot(projectID), "sessions", sessionID.String())
}

// StageRoot is projects/{p}/sessions/{s}/iteration_{n}/{pos}_{stage}.
func StageRoot(s Stage) string {
	it := s.Iteration
	if it <= 0 {
		it = 1
	}
	return path.Join(
		SessionRoot(s.ProjectID, s.SessionID),
		fmt.Sprintf("iteration_%d", it),
		fmt.Sprintf("%d_%s", s.Position, Sanitize(s.Slug)),
	)
}

func SeedPrompt(s Stage) string {
	return path.Join(StageRoot(s), "seed_prompt.md")
}

func (a Artifact) base() string {
	if a.Source != "" {
		return fmt.Sprintf("%s_from_%s_%d_%s", Sanitize(a.ModelSlug), Sanitize(a.Source), a.Attempt, Sanitize(a.DocumentKey))
	}
	return fmt.Sprintf("%s_%d_%s", Sanitize(a.ModelSlug), a.Attempt, Sanitize(a.DocumentKey))
}

// Document is the markdown body of a document output.
func Document(a Artifact) string {
	return path.Join(StageRoot(a.Stage), "documents", a.base()+".md")
}

// Context is a JSON artifact (header context, planner manifest).
func Context(a Artifact) string {
	return path.Join(StageRoot(a.Stage), "_work", "context", a.base()+".json")
}

func RawResponse(a Artifact) string {
	return path.Join(StageRoot(a.Stage), "raw_responses", a.base()+"_raw.json")
}

func InvalidRawResponse(a Artifact) string {
	return path.Join(StageRoot(a.Stage), "raw_responses", a.base()+"_invalid_raw.json")
}

func Rendered(a Artifact) string {
	return path.Join(StageRoot(a.Stage), "rendered", a.base()+".md")
}

// Edit is where a user edit of a contribution is stored.
func Edit(a Artifact, version int) string {
	return path.Join(StageRoot(a.Stage), "edits", fmt.Sprintf("%s_v%d.md", a.base(), version))
}

func Export(projectID uuid.UUID, stamp string) string {
	return path.Join(ProjectRoot(projectID), "exports", "project_export_"+stamp+".zip")
}

// Rebase moves key from one project's tree into another's. Keys outside
// the source project are returned unchanged.
func Rebase(key string, from, to uuid.UUID) string {
	prefix := ProjectRoot(from) + "/"
	if !strings.HasPrefix(key, prefix) {
		return key
	}
	return ProjectRoot(to) + "/" + strings.TrimPrefix(key, prefix)
}

// RebaseSession additionally swaps the session id segment.
func RebaseSession(key string, fromProject, toProject, fromSession, toSession uuid.UUID) string {
	key = Rebase(key, fromProject, toProject)
	old := "/sessions/" + fromSession.String() + "/"
	return strings.Replace(key, old, "/sessions/"+toSession.String()+"/", 1)
}

// Sanitize lower-cases s and keeps letters, digits, dashes and dots;
// anything else becomes an underscore.
func Sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}

// RenderedFrom maps a stored document (or edit) to its rendered sibling.
func RenderedFrom(documentPath string) string {
	dir, name := path.Split(documentPath)
	dir = path.Clean(dir)
	switch path.Base(dir) {
	case "documents", "edits":
		dir = path.Dir(dir)
	}
	return path.Join(dir, "rendered", name)
}

// EditFrom is the key of version n of an edit made to the stored document at
// documentPath. Earlier version suffixes are replaced.
func EditFrom(documentPath string, version int) string {
	dir, name := path.Split(documentPath)
	dir = path.Clean(dir)
	switch path.Base(dir) {
	case "documents", "edits", "rendered":
		dir = path.Dir(dir)
	}
	base := strings.TrimSuffix(name, path.Ext(name))
	if i := strings.LastIndex(base, "_v"); i > 0 && allDigits(base[i+2:]) {
		base = base[:i]
	}
	return path.Join(dir, "edits", fmt.Sprintf("%s_v%d.md", base, version))
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
