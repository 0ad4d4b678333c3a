package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/dialectic-backend/internal/http/middleware"
	"github.com/yungbote/dialectic-backend/internal/http/response"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
	"github.com/yungbote/dialectic-backend/internal/services"
)

const (
	ActionCreateProject          = "createProject"
	ActionStartSession           = "startSession"
	ActionUpdateSessionModels    = "updateSessionModels"
	ActionGenerateContributions  = "generateContributions"
	ActionGetProjectDetails      = "getProjectDetails"
	ActionGetSessionDetails      = "getSessionDetails"
	ActionGetAllStageProgress    = "getAllStageProgress"
	ActionGetContributionContent = "getContributionContent"
	ActionUpdateProjectDomain    = "updateProjectDomain"
	ActionSaveContributionEdit   = "saveContributionEdit"
	ActionExportProject          = "exportProject"
	ActionCloneProject           = "cloneProject"
	ActionCancelJob              = "cancelJob"
	ActionRetryJob               = "retryJob"
	ActionListProcessTemplate    = "listProcessTemplate"
)

type dispatchRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type actionFunc func(dbc dbctx.Context, payload json.RawMessage) (any, error)

type DialecticHandler struct {
	log     *logger.Logger
	svc     services.DialecticService
	actions map[string]actionFunc
}

func NewDialecticHandler(log *logger.Logger, svc services.DialecticService) *DialecticHandler {
	h := &DialecticHandler{log: log.With("handler", "DialecticHandler"), svc: svc}
	h.actions = map[string]actionFunc{
		ActionCreateProject:          h.createProject,
		ActionStartSession:           h.startSession,
		ActionUpdateSessionModels:    h.updateSessionModels,
		ActionGenerateContributions:  h.generateContributions,
		ActionGetProjectDetails:      h.getProjectDetails,
		ActionGetSessionDetails:      h.getSessionDetails,
		ActionGetAllStageProgress:    h.getAllStageProgress,
		ActionGetContributionContent: h.getContributionContent,
		ActionUpdateProjectDomain:    h.updateProjectDomain,
		ActionSaveContributionEdit:   h.saveContributionEdit,
		ActionExportProject:          h.exportProject,
		ActionCloneProject:           h.cloneProject,
		ActionCancelJob:              h.cancelJob,
		ActionRetryJob:               h.retryJob,
		ActionListProcessTemplate:    h.listProcessTemplate,
	}
	return h
}

// POST /api/dialectic
func (h *DialecticHandler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apierr.Validation("invalid_request", "body must be {action, payload}: %v", err))
		return
	}
	c.Set(middleware.ActionKey, req.Action)
	fn, ok := h.actions[req.Action]
	if !ok {
		response.RespondAPIError(c, apierr.NotFound("unknown_action", "unknown action %q", req.Action))
		return
	}
	out, err := fn(dbctx.Context{Ctx: c.Request.Context()}, req.Payload)
	if err != nil {
		if ae, ok := apierr.As(err); !ok || ae.Status >= http.StatusInternalServerError {
			h.log.Error("Dialectic action failed", "action", req.Action, "error", err)
		}
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, out)
}

// decode reads payload into dst. A missing payload decodes as {}.
func decode(payload json.RawMessage, dst any) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return apierr.Validation("invalid_payload", "%v", err)
	}
	return nil
}

func requireID(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return apierr.Validation("invalid_payload", "%s is required", field)
	}
	return nil
}

type projectRef struct {
	ProjectID uuid.UUID `json:"projectId"`
}

type sessionRef struct {
	SessionID uuid.UUID `json:"sessionId"`
}

type contributionRef struct {
	ContributionID uuid.UUID `json:"contributionId"`
}

type jobRef struct {
	JobID uuid.UUID `json:"jobId"`
}

type templateRef struct {
	TemplateID *uuid.UUID `json:"templateId,omitempty"`
}

func (h *DialecticHandler) createProject(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.CreateProjectInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	return h.svc.CreateProject(dbc, in)
}

func (h *DialecticHandler) startSession(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.StartSessionInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("projectId", in.ProjectID); err != nil {
		return nil, err
	}
	return h.svc.StartSession(dbc, in)
}

func (h *DialecticHandler) updateSessionModels(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.UpdateSessionModelsInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("sessionId", in.SessionID); err != nil {
		return nil, err
	}
	return h.svc.UpdateSessionModels(dbc, in)
}

func (h *DialecticHandler) generateContributions(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.GenerateContributionsInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("sessionId", in.SessionID); err != nil {
		return nil, err
	}
	return h.svc.GenerateContributions(dbc, in)
}

func (h *DialecticHandler) getProjectDetails(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref projectRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if err := requireID("projectId", ref.ProjectID); err != nil {
		return nil, err
	}
	return h.svc.GetProjectDetails(dbc, ref.ProjectID)
}

func (h *DialecticHandler) getSessionDetails(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref sessionRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if err := requireID("sessionId", ref.SessionID); err != nil {
		return nil, err
	}
	return h.svc.GetSessionDetails(dbc, ref.SessionID)
}

func (h *DialecticHandler) getAllStageProgress(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.StageProgressInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("sessionId", in.SessionID); err != nil {
		return nil, err
	}
	if in.Iteration < 0 {
		return nil, apierr.Validation("invalid_payload", "iterationNumber must not be negative")
	}
	return h.svc.GetAllStageProgress(dbc, in)
}

func (h *DialecticHandler) getContributionContent(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref contributionRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if err := requireID("contributionId", ref.ContributionID); err != nil {
		return nil, err
	}
	return h.svc.GetContributionContent(dbc, ref.ContributionID)
}

func (h *DialecticHandler) updateProjectDomain(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.UpdateProjectDomainInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("projectId", in.ProjectID); err != nil {
		return nil, err
	}
	return h.svc.UpdateProjectDomain(dbc, in)
}

func (h *DialecticHandler) saveContributionEdit(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.SaveContributionEditInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("originalContributionIdToEdit", in.OriginalContributionID); err != nil {
		return nil, err
	}
	return h.svc.SaveContributionEdit(dbc, in)
}

func (h *DialecticHandler) exportProject(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref projectRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if err := requireID("projectId", ref.ProjectID); err != nil {
		return nil, err
	}
	return h.svc.ExportProject(dbc, ref.ProjectID)
}

func (h *DialecticHandler) cloneProject(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var in services.CloneProjectInput
	if err := decode(payload, &in); err != nil {
		return nil, err
	}
	if err := requireID("projectId", in.ProjectID); err != nil {
		return nil, err
	}
	return h.svc.CloneProject(dbc, in)
}

func (h *DialecticHandler) cancelJob(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref jobRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if err := requireID("jobId", ref.JobID); err != nil {
		return nil, err
	}
	return h.svc.CancelJob(dbc, ref.JobID)
}

func (h *DialecticHandler) retryJob(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref jobRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	if err := requireID("jobId", ref.JobID); err != nil {
		return nil, err
	}
	return h.svc.RetryJob(dbc, ref.JobID)
}

func (h *DialecticHandler) listProcessTemplate(dbc dbctx.Context, payload json.RawMessage) (any, error) {
	var ref templateRef
	if err := decode(payload, &ref); err != nil {
		return nil, err
	}
	return h.svc.ListProcessTemplate(dbc, ref.TemplateID)
}
