package services

import (
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

const (
	DefaultDomainTag    = "general"
	DefaultTemplateName = "Standard Dialectic"
)

type CreateProjectInput struct {
	ProjectName             string     `json:"projectName"`
	InitialUserPrompt       string     `json:"initialUserPrompt"`
	SelectedDomainTag       string     `json:"selectedDomainTag,omitempty"`
	SelectedDomainOverlayID *uuid.UUID `json:"selectedDomainOverlayId,omitempty"`
	ProcessTemplateID       *uuid.UUID `json:"processTemplateId,omitempty"`
}

type UpdateProjectDomainInput struct {
	ProjectID               uuid.UUID  `json:"projectId"`
	SelectedDomainTag       string     `json:"selectedDomainTag"`
	SelectedDomainOverlayID *uuid.UUID `json:"selectedDomainOverlayId,omitempty"`
}

type ProjectDetails struct {
	Project  *types.Project         `json:"project"`
	Template *types.ProcessTemplate `json:"process_template,omitempty"`
	Sessions []*types.Session       `json:"sessions"`
}

type ProcessCatalog struct {
	Templates []*TemplateCatalog     `json:"templates"`
	Domains   []*types.Domain        `json:"domains"`
	Overlays  []*types.DomainOverlay `json:"overlays"`
	Models    []*types.AIModel       `json:"models"`
}

type TemplateCatalog struct {
	Template    *types.ProcessTemplate   `json:"template"`
	Stages      []*types.Stage           `json:"stages"`
	Transitions []*types.StageTransition `json:"transitions"`
}

func (s *dialecticService) CreateProject(dbc dbctx.Context, in CreateProjectInput) (*types.Project, error) {
	userID, err := principal(dbc)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.ProjectName)
	if name == "" {
		return nil, apierr.Validation("invalid_payload", "projectName is required")
	}
	prompt := strings.TrimSpace(in.InitialUserPrompt)
	if prompt == "" {
		return nil, apierr.Validation("invalid_payload", "initialUserPrompt is required")
	}
	tag := strings.TrimSpace(in.SelectedDomainTag)
	if tag == "" {
		tag = DefaultDomainTag
	}
	if err := s.checkDomain(dbc, tag, in.SelectedDomainOverlayID); err != nil {
		return nil, err
	}
	tpl, err := s.pickTemplate(dbc, in.ProcessTemplateID)
	if err != nil {
		return nil, err
	}

	p := &types.Project{
		OwnerUserID:             userID,
		ProjectName:             name,
		InitialUserPrompt:       prompt,
		SelectedDomainTag:       tag,
		SelectedDomainOverlayID: in.SelectedDomainOverlayID,
		ProcessTemplateID:       tpl.ID,
		Status:                  "active",
	}
	if _, err := s.projects.Create(dbc, p); err != nil {
		return nil, apierr.Persistence("create project", err)
	}
	s.log.Info("Project created", "project_id", p.ID, "user_id", userID, "template", tpl.Name)
	return p, nil
}

// checkDomain requires tag to be a known domain, and overlayID (when set)
// to be an active overlay of that domain.
func (s *dialecticService) checkDomain(dbc dbctx.Context, tag string, overlayID *uuid.UUID) error {
	d, err := s.process.GetDomainByTag(dbc, tag)
	if err != nil {
		return apierr.Persistence("load domain", err)
	}
	if d == nil {
		return apierr.Validation("invalid_domain_tag", "domain tag %q is not recognised", tag)
	}
	if overlayID == nil || *overlayID == uuid.Nil {
		return nil
	}
	o, err := s.prompts.GetOverlayByID(dbc, *overlayID)
	if err != nil {
		return apierr.Persistence("load overlay", err)
	}
	if o == nil || !o.IsActive {
		return apierr.Validation("invalid_domain_overlay", "selectedDomainOverlayId %s not found", *overlayID)
	}
	if !strings.EqualFold(o.DomainTag, d.Tag) {
		return apierr.Validation("invalid_domain_overlay", "overlay %s belongs to domain %q, not %q", o.ID, o.DomainTag, d.Tag)
	}
	return nil
}

func (s *dialecticService) pickTemplate(dbc dbctx.Context, id *uuid.UUID) (*types.ProcessTemplate, error) {
	if id != nil && *id != uuid.Nil {
		tpl, err := s.process.GetTemplate(dbc, *id)
		if err != nil {
			return nil, apierr.Persistence("load process template", err)
		}
		if tpl == nil {
			return nil, apierr.Validation("invalid_process_template", "processTemplateId %s not found", *id)
		}
		return tpl, nil
	}
	tpl, err := s.process.GetTemplateByName(dbc, DefaultTemplateName)
	if err != nil {
		return nil, apierr.Persistence("load process template", err)
	}
	if tpl != nil {
		return tpl, nil
	}
	all, err := s.process.ListTemplates(dbc)
	if err != nil {
		return nil, apierr.Persistence("list process templates", err)
	}
	if len(all) == 0 {
		return nil, apierr.Validation("invalid_process_template", "no process template is configured")
	}
	return all[0], nil
}

func (s *dialecticService) GetProjectDetails(dbc dbctx.Context, projectID uuid.UUID) (*ProjectDetails, error) {
	p, err := s.ownedProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.process.GetTemplate(dbc, p.ProcessTemplateID)
	if err != nil {
		return nil, apierr.Persistence("load process template", err)
	}
	sessions, err := s.sessions.ListByProject(dbc, p.ID)
	if err != nil {
		return nil, apierr.Persistence("list sessions", err)
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	return &ProjectDetails{Project: p, Template: tpl, Sessions: sessions}, nil
}

func (s *dialecticService) UpdateProjectDomain(dbc dbctx.Context, in UpdateProjectDomainInput) (*types.Project, error) {
	p, err := s.ownedProject(dbc, in.ProjectID)
	if err != nil {
		return nil, err
	}
	tag := strings.TrimSpace(in.SelectedDomainTag)
	if tag == "" {
		return nil, apierr.Validation("invalid_payload", "selectedDomainTag is required")
	}
	if err := s.checkDomain(dbc, tag, in.SelectedDomainOverlayID); err != nil {
		return nil, err
	}
	// A new domain invalidates the old overlay unless one is given.
	var overlay interface{}
	if in.SelectedDomainOverlayID != nil && *in.SelectedDomainOverlayID != uuid.Nil {
		overlay = *in.SelectedDomainOverlayID
	}
	if err := s.projects.UpdateFields(dbc, p.ID, map[string]interface{}{
		"selected_domain_tag":        tag,
		"selected_domain_overlay_id": overlay,
	}); err != nil {
		return nil, apierr.Persistence("update project domain", err)
	}
	updated, err := s.projects.GetByID(dbc, p.ID)
	if err != nil {
		return nil, apierr.Persistence("reload project", err)
	}
	return updated, nil
}

// ListProcessTemplate describes one template (or all of them when
// templateID is nil) along with the domains, overlays and active models a
// client can pick from.
func (s *dialecticService) ListProcessTemplate(dbc dbctx.Context, templateID *uuid.UUID) (*ProcessCatalog, error) {
	if _, err := principal(dbc); err != nil {
		return nil, err
	}
	var tpls []*types.ProcessTemplate
	if templateID != nil && *templateID != uuid.Nil {
		tpl, err := s.process.GetTemplate(dbc, *templateID)
		if err != nil {
			return nil, apierr.Persistence("load process template", err)
		}
		if tpl == nil {
			return nil, apierr.NotFound("process_template_not_found", "process template %s not found", *templateID)
		}
		tpls = []*types.ProcessTemplate{tpl}
	} else {
		all, err := s.process.ListTemplates(dbc)
		if err != nil {
			return nil, apierr.Persistence("list process templates", err)
		}
		tpls = all
	}

	out := &ProcessCatalog{
		Templates: make([]*TemplateCatalog, 0, len(tpls)),
		Overlays:  []*types.DomainOverlay{},
	}
	for _, tpl := range tpls {
		st, err := s.process.ListStages(dbc, tpl.ID)
		if err != nil {
			return nil, apierr.Persistence("list stages", err)
		}
		tr, err := s.process.ListTransitions(dbc, tpl.ID)
		if err != nil {
			return nil, apierr.Persistence("list transitions", err)
		}
		out.Templates = append(out.Templates, &TemplateCatalog{Template: tpl, Stages: st, Transitions: tr})
	}
	domains, err := s.process.ListDomains(dbc)
	if err != nil {
		return nil, apierr.Persistence("list domains", err)
	}
	out.Domains = domains
	for _, d := range domains {
		ov, err := s.prompts.ListOverlaysByDomain(dbc, d.Tag)
		if err != nil {
			return nil, apierr.Persistence("list overlays", err)
		}
		out.Overlays = append(out.Overlays, ov...)
	}
	models, err := s.models.ListActive(dbc)
	if err != nil {
		return nil, apierr.Persistence("list models", err)
	}
	out.Models = models
	return out, nil
}
