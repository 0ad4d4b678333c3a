package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/dialectic/compression"
	"github.com/yungbote/dialectic-backend/internal/dialectic/storagepath"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/pkg/pointers"
)

const (
	CodeModelTimeout    = "model_timeout"
	CodeModelCallFailed = "model_call_failed"

	DefaultModelTimeout = 120 * time.Second
	// promptReserveTokens is held back from the context budget for message framing.
	promptReserveTokens = 256
)

type ContributionWriter interface {
	Create(dbc dbctx.Context, c *types.Contribution) (*types.Contribution, error)
}

type JobCreator interface {
	CreateJob(dbc dbctx.Context, spec store.CreateSpec) (*types.DialecticJob, error)
}

type Input struct {
	Job          *types.DialecticJob
	Payload      jobs.ExecutePayload
	Session      *types.Session
	Stage        *types.Stage
	Model        *types.AIModel
	SystemPrompt string
	Objective    string
	Context      []compression.Candidate
}

// Outcome is the job-level result of one execution. Status is completed or
// failed; a failed Outcome is not an error.
type Outcome struct {
	Status        string
	ErrorCode     string
	Message       string
	Contribution  *types.Contribution
	RenderJob     *types.DialecticJob
	RawPath       string
	Files         []string
	InputTokens   int
	OutputTokens  int
	ContextTokens int
	ContextUsed   []string
}

type Config struct {
	ModelTimeout time.Duration
	Strategy     compression.Strategy
}

type Executor struct {
	db            *gorm.DB
	contributions ContributionWriter
	jobs          JobCreator
	model         ModelCaller
	storage       Storage
	strategy      compression.Strategy
	timeout       time.Duration
	metrics       *observability.Metrics
	log           *logger.Logger
}

func New(db *gorm.DB, contributions ContributionWriter, jobStore JobCreator, model ModelCaller, storage Storage, cfg Config, baseLog *logger.Logger) *Executor {
	timeout := cfg.ModelTimeout
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = compression.RelevanceStrategy{}
	}
	return &Executor{
		db:            db,
		contributions: contributions,
		jobs:          jobStore,
		model:         model,
		storage:       storage,
		strategy:      strategy,
		timeout:       timeout,
		log:           baseLog.With("component", "ContributionExecutor"),
	}
}

func (e *Executor) SetMetrics(m *observability.Metrics) { e.metrics = m }

// WithStrategy returns a copy using s for context selection.
func (e *Executor) WithStrategy(s compression.Strategy) *Executor {
	cp := *e
	if s != nil {
		cp.strategy = s
	}
	return &cp
}

func (e *Executor) Execute(dbc dbctx.Context, in Input) (_ *Outcome, err error) {
	if in.Job == nil || in.Session == nil || in.Stage == nil || in.Model == nil {
		return nil, fmt.Errorf("execute: job, session, stage and model are required")
	}
	ctx, span := observability.StartSpan(dbc.Context(), "executor.execute",
		attribute.String("job.id", in.Job.ID.String()),
		attribute.String("output_type", in.Payload.OutputType),
		attribute.String("model", in.Model.APIIdentifier),
	)
	defer func() { observability.EndSpan(span, err) }()

	selected := e.strategy.Select(in.Context, e.contextBudget(in))
	req := ModelRequest{
		Model:           in.Model.APIIdentifier,
		Provider:        in.Model.Provider,
		OutputType:      in.Payload.OutputType,
		System:          in.SystemPrompt,
		User:            userMessage(selected, in.Objective),
		JSONMode:        jobs.JSONOutput(in.Payload.OutputType),
		MaxOutputTokens: in.Model.MaxOutputTokens,
	}
	out := &Outcome{ContextTokens: compression.TotalTokens(selected)}
	for _, c := range selected {
		out.ContextUsed = append(out.ContextUsed, c.ID)
	}

	resp, callErr := e.call(ctx, req)
	if callErr != nil {
		code := CodeModelCallFailed
		if errors.Is(callErr, context.DeadlineExceeded) {
			code = CodeModelTimeout
		}
		out.Status = jobs.StatusFailed
		out.ErrorCode = code
		out.Message = callErr.Error()
		e.log.Warn("Model call failed", "job_id", in.Job.ID, "model", in.Model.APIIdentifier, "code", code, "error", callErr)
		return out, nil
	}
	out.InputTokens, out.OutputTokens = resp.InputTokens, resp.OutputTokens

	art := e.artifact(in)
	raw := resp.Raw
	if len(raw) == 0 {
		raw = []byte(resp.Content)
	}

	validated, vErr := Validate(in.Payload.OutputType, resp.Content)
	if vErr != nil {
		key := storagepath.InvalidRawResponse(art)
		if err := e.storage.Upload(ctx, key, raw, "application/json"); err != nil {
			return nil, fmt.Errorf("upload invalid raw response: %w", err)
		}
		out.Status = jobs.StatusFailed
		out.ErrorCode = CodeModelResponseInvalid
		out.Message = vErr.Error()
		out.RawPath = key
		e.log.Warn("Model response failed validation", "job_id", in.Job.ID, "raw_path", key, "error", vErr)
		return out, nil
	}

	contentKey := storagepath.Document(art)
	if jobs.JSONOutput(validated.OutputType) {
		contentKey = storagepath.Context(art)
	}
	rawKey := storagepath.RawResponse(art)
	if err := e.storage.Upload(ctx, contentKey, validated.Body, validated.MimeType); err != nil {
		return nil, fmt.Errorf("upload content: %w", err)
	}
	if err := e.storage.Upload(ctx, rawKey, raw, "application/json"); err != nil {
		return nil, fmt.Errorf("upload raw response: %w", err)
	}

	row := &types.Contribution{
		SessionID:   in.Session.ID,
		Stage:       in.Stage.Slug,
		Iteration:   in.Payload.Iteration,
		ModelID:     pointers.UUID(in.Model.ID),
		ModelName:   in.Model.Name,
		OutputType:  validated.OutputType,
		DocumentKey: art.DocumentKey,
		MimeType:    validated.MimeType,
		FileName:    lastSegment(contentKey),
		StoragePath: contentKey,
		RawPath:     rawKey,
		SizeBytes:   int64(len(validated.Body)),
		TokensIn:    resp.InputTokens,
		TokensOut:   resp.OutputTokens,
		SourceJobID: pointers.UUID(in.Job.ID),
	}
	row.SetSources(in.Payload.SourceLineageIDs)
	err = dbc.DB(e.db).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		created, err := e.contributions.Create(txc, row)
		if err != nil {
			return fmt.Errorf("insert contribution: %w", err)
		}
		out.Contribution = created
		if validated.OutputType != jobs.OutputDocument {
			return nil
		}
		render, err := e.jobs.CreateJob(txc, store.CreateSpec{
			OwnerUserID: in.Job.OwnerUserID,
			SessionID:   in.Session.ID,
			StageSlug:   in.Job.StageSlug,
			Iteration:   in.Payload.Iteration,
			ParentJobID: pointers.UUID(in.Job.ID),
			Payload: jobs.NewRenderPayload(jobs.RenderPayload{
				ProjectID:      in.Payload.ProjectID,
				SessionID:      in.Session.ID,
				StageSlug:      in.Payload.StageSlug,
				Iteration:      in.Payload.Iteration,
				ContributionID: created.ID,
				DocumentKey:    in.Payload.DocumentKey,
			}),
		})
		if err != nil {
			return fmt.Errorf("enqueue render: %w", err)
		}
		out.RenderJob = render
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Status = jobs.StatusCompleted
	out.Files = validated.Files
	out.RawPath = rawKey
	return out, nil
}

func (e *Executor) call(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	resp, err := e.model.CallModel(callCtx, req)
	status := "ok"
	if err == nil && resp != nil && resp.ErrorCode != "" {
		err = fmt.Errorf("model reported %s", resp.ErrorCode)
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("model returned no response")
	}
	if err != nil && callCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", callCtx.Err(), err)
	}
	in, outTok := 0, 0
	if err != nil {
		status = "error"
	} else {
		in, outTok = resp.InputTokens, resp.OutputTokens
	}
	e.metrics.ObserveModelRequest(req.Model, status, time.Since(start), in, outTok)
	return resp, err
}

func (e *Executor) contextBudget(in Input) int {
	window := in.Model.ContextWindowTokens
	budget := window - in.Model.MaxOutputTokens - promptReserveTokens -
		compression.EstimateTokens(in.SystemPrompt) - compression.EstimateTokens(in.Objective)
	if budget < 0 {
		return 0
	}
	return budget
}

func (e *Executor) artifact(in Input) storagepath.Artifact {
	attempt := in.Job.Attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	docKey := in.Payload.DocumentKey
	if docKey == "" {
		docKey = in.Payload.StepKey
	}
	if docKey == "" {
		docKey = in.Payload.OutputType
	}
	return storagepath.Artifact{
		Stage: storagepath.Stage{
			ProjectID: in.Payload.ProjectID,
			SessionID: in.Session.ID,
			Iteration: in.Payload.Iteration,
			Position:  in.Stage.Position,
			Slug:      in.Stage.Slug,
		},
		ModelSlug:   in.Model.APIIdentifier,
		Attempt:     attempt,
		DocumentKey: docKey,
		Source:      sourceTag(in.Payload.SourceLineageIDs),
	}
}

// sourceTag names the documents a job works from, short enough for a file name.
func sourceTag(ids []uuid.UUID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String()[:8])
	}
	return strings.Join(parts, "-")
}

func userMessage(selected []compression.Candidate, objective string) string {
	var b strings.Builder
	if len(selected) > 0 {
		b.WriteString("Context documents:\n\n")
		for _, c := range selected {
			fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", c.ID, c.SourceType, c.Content)
		}
	}
	b.WriteString("Current objective:\n")
	b.WriteString(objective)
	return b.String()
}

func lastSegment(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
