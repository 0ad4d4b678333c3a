package render_document

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/dialectic-backend/internal/dialectic/storagepath"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/dialectic-backend/internal/jobs/runtime"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	payload, err := jc.Payload()
	if err != nil || payload.Render == nil {
		jc.Fail("validate", fmt.Errorf("invalid RENDER payload: %v", err))
		return nil
	}
	rp := *payload.Render
	dbc := jc.DBC()

	c, err := p.contributions.GetByID(dbc, rp.ContributionID)
	if err != nil {
		return err
	}
	if c == nil {
		jc.Fail("load", fmt.Errorf("contribution %s not found", rp.ContributionID))
		return nil
	}
	if c.OutputType != jobs.OutputDocument {
		jc.Fail("validate", fmt.Errorf("contribution %s is %s, not a document", c.ID, c.OutputType))
		return nil
	}
	body, err := p.storage.Download(jc.Ctx, c.StoragePath)
	if err != nil {
		return fmt.Errorf("download %s: %w", c.StoragePath, err)
	}

	title := p.stageTitle(jc, rp)
	doc := Document(c, title, string(body))
	key := storagepath.RenderedFrom(c.StoragePath)
	if err := p.storage.Upload(jc.Ctx, key, []byte(doc), "text/markdown"); err != nil {
		return fmt.Errorf("upload rendered: %w", err)
	}
	if err := p.contributions.UpdateFields(dbc, c.ID, map[string]interface{}{
		"rendered_document_path": key,
		"updated_at":             time.Now().UTC(),
	}); err != nil {
		return err
	}
	return jc.Succeed(map[string]any{
		"contribution_id":        c.ID,
		"rendered_document_path": key,
	})
}

func (p *Pipeline) stageTitle(jc *jobrt.Context, rp jobs.RenderPayload) string {
	project, err := p.projects.GetByID(jc.DBC(), rp.ProjectID)
	if err != nil || project == nil {
		return rp.StageSlug
	}
	stage, err := p.process.GetStageBySlug(jc.DBC(), project.ProcessTemplateID, rp.StageSlug)
	if err != nil || stage == nil || stage.DisplayName == "" {
		return rp.StageSlug
	}
	return stage.DisplayName
}

// Document wraps a contribution body in the rendered markdown layout. An
// existing leading heading is kept rather than duplicated.
func Document(c *types.Contribution, stageTitle, body string) string {
	body = strings.TrimSpace(body)
	var b strings.Builder
	if !strings.HasPrefix(body, "# ") {
		fmt.Fprintf(&b, "# %s\n\n", headline(c.DocumentKey))
	}
	b.WriteString(body)
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "Stage: %s | Iteration: %d | Model: %s | Version: %d\n",
		stageTitle, c.Iteration, c.ModelName, c.EditVersion)
	return b.String()
}

func headline(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return "Document"
	}
	return strings.Join(words, " ")
}
