package prompts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

const DefaultContext = "general"

// Tier is one step of the resolution order. The first tier whose input is
// present decides the outcome; a failing tier never falls through.
type Tier int

const (
	TierDirect Tier = iota + 1
	TierOverlay
	TierDefault
)

func (t Tier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierOverlay:
		return "overlay"
	case TierDefault:
		return "default"
	}
	return "unknown"
}

// Store is the read side of the prompt tables.
type Store interface {
	GetPromptByID(dbc dbctx.Context, id uuid.UUID) (*types.SystemPrompt, error)
	GetStageDefault(dbc dbctx.Context, stage, context string) (*types.SystemPrompt, error)
	GetOverlayByID(dbc dbctx.Context, id uuid.UUID) (*types.DomainOverlay, error)
}

type Request struct {
	DirectPromptID *uuid.UUID
	Project        *types.Project
	Stage          string
}

type Resolved struct {
	Text     string
	PromptID uuid.UUID
	Tier     Tier
	// Values are the overlay's template values; empty outside TierOverlay.
	Values map[string]string
}

type tier struct {
	kind    Tier
	applies func(req Request) bool
	resolve func(r *Resolver, dbc dbctx.Context, req Request) (*Resolved, error)
}

var order = []tier{
	{kind: TierDirect, applies: hasDirect, resolve: (*Resolver).direct},
	{kind: TierOverlay, applies: hasOverlay, resolve: (*Resolver).overlay},
	{kind: TierDefault, applies: func(Request) bool { return true }, resolve: (*Resolver).stageDefault},
}

type Resolver struct {
	store Store
	log   *logger.Logger
}

func NewResolver(store Store, baseLog *logger.Logger) *Resolver {
	return &Resolver{store: store, log: baseLog.With("component", "PromptResolver")}
}

// Resolve picks the system prompt for one unit of work.
func (r *Resolver) Resolve(dbc dbctx.Context, req Request) (*Resolved, error) {
	for _, t := range order {
		if !t.applies(req) {
			continue
		}
		out, err := t.resolve(r, dbc, req)
		if err != nil {
			r.log.Warn("Prompt resolution failed", "tier", t.kind.String(), "stage", req.Stage, "error", err)
			return nil, err
		}
		out.Tier = t.kind
		return out, nil
	}
	return nil, fmt.Errorf("no prompt tier applied")
}

func hasDirect(req Request) bool {
	return req.DirectPromptID != nil && *req.DirectPromptID != uuid.Nil
}

func hasOverlay(req Request) bool {
	return req.Project != nil && req.Project.SelectedDomainOverlayID != nil && *req.Project.SelectedDomainOverlayID != uuid.Nil
}

func (r *Resolver) direct(dbc dbctx.Context, req Request) (*Resolved, error) {
	id := *req.DirectPromptID
	p, err := r.store.GetPromptByID(dbc, id)
	if err != nil {
		return nil, fmt.Errorf("load prompt %s: %w", id, err)
	}
	if p == nil || !p.IsActive {
		return nil, &ResolutionError{
			Tier:    TierDirect,
			Code:    CodePromptNotFound,
			Message: fmt.Sprintf("Error fetching prompt by direct ID %s: not found or inactive", id),
		}
	}
	return &Resolved{Text: p.PromptText, PromptID: p.ID}, nil
}

func (r *Resolver) overlay(dbc dbctx.Context, req Request) (*Resolved, error) {
	id := *req.Project.SelectedDomainOverlayID
	o, err := r.store.GetOverlayByID(dbc, id)
	if err != nil {
		return nil, fmt.Errorf("load overlay %s: %w", id, err)
	}
	if o == nil || !o.IsActive {
		return nil, &ResolutionError{
			Tier:    TierOverlay,
			Code:    CodeOverlayNotFound,
			Message: fmt.Sprintf("Domain-specific prompt overlay with ID '%s' (from project settings) not found.", id),
		}
	}
	p, err := r.store.GetPromptByID(dbc, o.SystemPromptID)
	if err != nil {
		return nil, fmt.Errorf("load overlay prompt %s: %w", o.SystemPromptID, err)
	}
	if p == nil || !p.IsActive {
		return nil, &ResolutionError{
			Tier:    TierOverlay,
			Code:    CodeOverlayPromptNotFound,
			Message: fmt.Sprintf("System prompt %s linked from domain-specific prompt overlay '%s' not found or inactive.", o.SystemPromptID, id),
		}
	}
	return &Resolved{Text: p.PromptText, PromptID: p.ID, Values: o.Values()}, nil
}

func (r *Resolver) stageDefault(dbc dbctx.Context, req Request) (*Resolved, error) {
	ctxTag := ContextTag(req.Project)
	p, err := r.store.GetStageDefault(dbc, req.Stage, ctxTag)
	if err != nil {
		return nil, fmt.Errorf("load default prompt for %s/%s: %w", req.Stage, ctxTag, err)
	}
	if p == nil {
		return nil, &ResolutionError{
			Tier:    TierDefault,
			Code:    CodeDefaultPromptNotFound,
			Message: fmt.Sprintf("No suitable default prompt found for stage '%s' and context '%s'.", req.Stage, ctxTag),
		}
	}
	return &Resolved{Text: p.PromptText, PromptID: p.ID}, nil
}

// ContextTag is the project's domain tag, or "general".
func ContextTag(p *types.Project) string {
	if p == nil {
		return DefaultContext
	}
	tag := strings.TrimSpace(p.SelectedDomainTag)
	if tag == "" {
		return DefaultContext
	}
	return tag
}
