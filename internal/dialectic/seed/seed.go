// Package seed loads the process templates, prompts and model catalogue the
// pipeline needs before any project can run.
package seed

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/dialectic"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

//go:embed default.yaml
var defaultYAML []byte

type File struct {
	Domains   []DomainDef   `yaml:"domains"`
	Models    []ModelDef    `yaml:"models"`
	Templates []TemplateDef `yaml:"templates"`
	Prompts   []PromptDef   `yaml:"prompts"`
	Overlays  []OverlayDef  `yaml:"overlays"`
}

type DomainDef struct {
	Tag         string `yaml:"tag"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ModelDef struct {
	APIIdentifier       string `yaml:"api_identifier"`
	Name                string `yaml:"name"`
	Provider            string `yaml:"provider"`
	ContextWindowTokens int    `yaml:"context_window_tokens"`
	MaxOutputTokens     int    `yaml:"max_output_tokens"`
}

type TemplateDef struct {
	Name          string          `yaml:"name"`
	Description   string          `yaml:"description"`
	StartingStage string          `yaml:"starting_stage"`
	Stages        []StageDef      `yaml:"stages"`
	Transitions   []TransitionDef `yaml:"transitions"`
}

type StageDef struct {
	Slug        string             `yaml:"slug"`
	DisplayName string             `yaml:"display_name"`
	Description string             `yaml:"description"`
	Recipe      []types.RecipeStep `yaml:"recipe"`
}

type TransitionDef struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type PromptDef struct {
	Name         string `yaml:"name"`
	Stage        string `yaml:"stage"`
	Context      string `yaml:"context"`
	StageDefault bool   `yaml:"stage_default"`
	Text         string `yaml:"text"`
	Inactive     bool   `yaml:"inactive"`
}

type OverlayDef struct {
	Prompt      string            `yaml:"prompt"`
	Domain      string            `yaml:"domain"`
	Description string            `yaml:"description"`
	Values      map[string]string `yaml:"values"`
}

type ProcessWriter interface {
	UpsertTemplate(dbc dbctx.Context, t *types.ProcessTemplate) (*types.ProcessTemplate, error)
	UpsertStage(dbc dbctx.Context, s *types.Stage) (*types.Stage, error)
	UpsertTransition(dbc dbctx.Context, t *types.StageTransition) (*types.StageTransition, error)
	UpsertDomain(dbc dbctx.Context, d *types.Domain) (*types.Domain, error)
}

type PromptWriter interface {
	UpsertPrompt(dbc dbctx.Context, p *types.SystemPrompt) (*types.SystemPrompt, error)
	UpsertOverlay(dbc dbctx.Context, o *types.DomainOverlay) (*types.DomainOverlay, error)
}

type ModelWriter interface {
	Upsert(dbc dbctx.Context, m *types.AIModel) (*types.AIModel, error)
}

type Loader struct {
	db      *gorm.DB
	process ProcessWriter
	prompts PromptWriter
	models  ModelWriter
	log     *logger.Logger
}

func NewLoader(db *gorm.DB, process ProcessWriter, prompts PromptWriter, models ModelWriter, baseLog *logger.Logger) *Loader {
	return &Loader{db: db, process: process, prompts: prompts, models: models, log: baseLog.With("component", "SeedLoader")}
}

// Default returns the embedded seed.
func Default() (*File, error) { return Parse(defaultYAML) }

// ReadFile parses the seed at path, or the embedded one when path is empty.
func ReadFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks references inside the file before anything is written.
func (f *File) Validate() error {
	prompts := map[string]bool{}
	for _, p := range f.Prompts {
		if p.Name == "" || strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("seed prompt %q: name and text are required", p.Name)
		}
		prompts[p.Name] = true
	}
	for _, o := range f.Overlays {
		if !prompts[o.Prompt] {
			return fmt.Errorf("seed overlay for %s references unknown prompt %q", o.Domain, o.Prompt)
		}
	}
	for _, t := range f.Templates {
		slugs := map[string]bool{}
		for _, s := range t.Stages {
			keys := map[string]bool{}
			for _, step := range s.Recipe {
				if step.Key == "" || !jobs.ValidOutputType(step.OutputType) {
					return fmt.Errorf("template %q stage %q: step %q has invalid output type %q", t.Name, s.Slug, step.Key, step.OutputType)
				}
				if !dialectic.ValidGranularity(step.Granularity) {
					return fmt.Errorf("template %q stage %q: step %q has unknown granularity %q", t.Name, s.Slug, step.Key, step.Granularity)
				}
				for _, in := range step.Inputs {
					if !keys[in] {
						return fmt.Errorf("template %q stage %q: step %q reads %q before it exists", t.Name, s.Slug, step.Key, in)
					}
				}
				for _, src := range step.SourceStages {
					if !slugs[strings.ToLower(src)] {
						return fmt.Errorf("template %q stage %q: step %q sources stage %q, which is not listed before it", t.Name, s.Slug, step.Key, src)
					}
				}
				if step.Granularity == dialectic.GranularityPairwiseByOrigin && len(step.SourceStages) < 2 {
					return fmt.Errorf("template %q stage %q: step %q needs two source stages to pair", t.Name, s.Slug, step.Key)
				}
				keys[step.Key] = true
			}
			slugs[strings.ToLower(s.Slug)] = true
		}
		if !slugs[strings.ToLower(t.StartingStage)] {
			return fmt.Errorf("template %q: starting stage %q not defined", t.Name, t.StartingStage)
		}
		for _, tr := range t.Transitions {
			if !slugs[strings.ToLower(tr.From)] || !slugs[strings.ToLower(tr.To)] {
				return fmt.Errorf("template %q: transition %s -> %s names an unknown stage", t.Name, tr.From, tr.To)
			}
		}
	}
	return nil
}

// Apply upserts everything in f in one transaction. Running it twice leaves
// the same rows.
func (l *Loader) Apply(dbc dbctx.Context, f *File) error {
	return dbc.DB(l.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		for _, d := range f.Domains {
			if _, err := l.process.UpsertDomain(txc, &types.Domain{Tag: d.Tag, Name: d.Name, Description: d.Description, IsActive: true}); err != nil {
				return fmt.Errorf("seed domain %s: %w", d.Tag, err)
			}
		}
		for _, m := range f.Models {
			if _, err := l.models.Upsert(txc, &types.AIModel{
				APIIdentifier:       m.APIIdentifier,
				Name:                m.Name,
				Provider:            m.Provider,
				ContextWindowTokens: m.ContextWindowTokens,
				MaxOutputTokens:     m.MaxOutputTokens,
				IsActive:            true,
			}); err != nil {
				return fmt.Errorf("seed model %s: %w", m.APIIdentifier, err)
			}
		}
		for _, t := range f.Templates {
			if err := l.applyTemplate(txc, t); err != nil {
				return err
			}
		}
		promptIDs := map[string]*types.SystemPrompt{}
		for _, p := range f.Prompts {
			row, err := l.prompts.UpsertPrompt(txc, &types.SystemPrompt{
				Name:             p.Name,
				PromptText:       strings.TrimSpace(p.Text),
				StageAssociation: strings.ToLower(p.Stage),
				Context:          p.Context,
				IsActive:         !p.Inactive,
				IsStageDefault:   p.StageDefault,
				Version:          1,
			})
			if err != nil {
				return fmt.Errorf("seed prompt %s: %w", p.Name, err)
			}
			promptIDs[p.Name] = row
		}
		for _, o := range f.Overlays {
			vals, err := json.Marshal(o.Values)
			if err != nil {
				return err
			}
			if _, err := l.prompts.UpsertOverlay(txc, &types.DomainOverlay{
				SystemPromptID: promptIDs[o.Prompt].ID,
				DomainTag:      o.Domain,
				OverlayValues:  datatypes.JSON(vals),
				Description:    o.Description,
				IsActive:       true,
			}); err != nil {
				return fmt.Errorf("seed overlay %s/%s: %w", o.Prompt, o.Domain, err)
			}
		}
		l.log.Info("Seed applied",
			"templates", len(f.Templates),
			"prompts", len(f.Prompts),
			"overlays", len(f.Overlays),
			"models", len(f.Models),
		)
		return nil
	})
}

func (l *Loader) applyTemplate(dbc dbctx.Context, t TemplateDef) error {
	tpl, err := l.process.UpsertTemplate(dbc, &types.ProcessTemplate{Name: t.Name, Description: t.Description})
	if err != nil {
		return fmt.Errorf("seed template %s: %w", t.Name, err)
	}
	bySlug := map[string]*types.Stage{}
	for i, s := range t.Stages {
		recipe, err := json.Marshal(s.Recipe)
		if err != nil {
			return err
		}
		row, err := l.process.UpsertStage(dbc, &types.Stage{
			ProcessTemplateID: tpl.ID,
			Slug:              strings.ToLower(s.Slug),
			DisplayName:       s.DisplayName,
			Description:       s.Description,
			Position:          i + 1,
			Recipe:            datatypes.JSON(recipe),
		})
		if err != nil {
			return fmt.Errorf("seed stage %s/%s: %w", t.Name, s.Slug, err)
		}
		bySlug[row.Slug] = row
	}
	for _, tr := range t.Transitions {
		from, to := bySlug[strings.ToLower(tr.From)], bySlug[strings.ToLower(tr.To)]
		if _, err := l.process.UpsertTransition(dbc, &types.StageTransition{
			ProcessTemplateID: tpl.ID,
			SourceStageID:     from.ID,
			TargetStageID:     to.ID,
		}); err != nil {
			return fmt.Errorf("seed transition %s -> %s: %w", tr.From, tr.To, err)
		}
	}
	start := bySlug[strings.ToLower(t.StartingStage)].ID
	tpl.StartingStageID = &start
	if _, err := l.process.UpsertTemplate(dbc, tpl); err != nil {
		return fmt.Errorf("seed template start %s: %w", t.Name, err)
	}
	return nil
}
