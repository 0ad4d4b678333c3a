package services

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	"github.com/yungbote/dialectic-backend/internal/dialectic/storagepath"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

type ContributionContent struct {
	Contribution *types.Contribution `json:"contribution"`
	Content      string              `json:"content"`
	MimeType     string              `json:"mime_type"`
	SizeBytes    int64               `json:"size_bytes"`
}

type SaveContributionEditInput struct {
	OriginalContributionID uuid.UUID `json:"originalContributionIdToEdit"`
	EditedContentText      *string   `json:"editedContentText"`
}

type SaveContributionEditResult struct {
	Contribution *types.Contribution `json:"contribution"`
	RenderJobID  *uuid.UUID          `json:"render_job_id,omitempty"`
}

func storageError(op string, err error) *apierr.Error {
	return apierr.New(http.StatusBadGateway, "storage_failure", err).WithDetails(op)
}

func (s *dialecticService) GetContributionContent(dbc dbctx.Context, contributionID uuid.UUID) (*ContributionContent, error) {
	c, _, _, err := s.ownedContribution(dbc, contributionID)
	if err != nil {
		return nil, err
	}
	body, err := s.storage.Download(dbc.Context(), c.StoragePath)
	if err != nil {
		s.log.Warn("Contribution content unavailable", "contribution_id", c.ID, "path", c.StoragePath, "error", err)
		return nil, storageError("download contribution content", err)
	}
	return &ContributionContent{
		Contribution: c,
		Content:      string(body),
		MimeType:     c.MimeType,
		SizeBytes:    int64(len(body)),
	}, nil
}

// SaveContributionEdit stores a user's revision of the latest edit of a
// contribution. Documents get a fresh RENDER job for the new version.
func (s *dialecticService) SaveContributionEdit(dbc dbctx.Context, in SaveContributionEditInput) (*SaveContributionEditResult, error) {
	if in.EditedContentText == nil {
		return nil, apierr.Validation("invalid_payload", "editedContentText is required")
	}
	userID, err := principal(dbc)
	if err != nil {
		return nil, err
	}
	if in.OriginalContributionID == uuid.Nil {
		return nil, apierr.Validation("invalid_payload", "originalContributionIdToEdit is required")
	}
	prev, _, project, err := s.ownedContribution(dbc, in.OriginalContributionID)
	if err != nil {
		return nil, err
	}
	if !prev.IsLatestEdit {
		return nil, apierr.New(http.StatusConflict, "not_latest_edit", dialectic.ErrNotLatestEdit)
	}
	text := *in.EditedContentText
	if jobs.JSONOutput(prev.OutputType) && !json.Valid([]byte(text)) {
		return nil, apierr.Validation("invalid_payload", "editedContentText must be JSON for %s contributions", prev.OutputType)
	}

	key := storagepath.EditFrom(prev.StoragePath, prev.EditVersion+1)
	if err := s.storage.Upload(dbc.Context(), key, []byte(text), prev.MimeType); err != nil {
		return nil, storageError("upload edit", err)
	}

	editor := userID
	next := &types.Contribution{
		SessionID:      prev.SessionID,
		Stage:          prev.Stage,
		Iteration:      prev.Iteration,
		ModelID:        prev.ModelID,
		ModelName:      prev.ModelName,
		OutputType:     prev.OutputType,
		DocumentKey:    prev.DocumentKey,
		MimeType:       prev.MimeType,
		FileName:       prev.FileName,
		StoragePath:    key,
		SizeBytes:        int64(len(text)),
		EditedByUserID:   &editor,
		SourceLineageIDs: prev.SourceLineageIDs,
	}
	var renderID *uuid.UUID
	err = dbc.DB(s.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		if _, err := s.contributions.AppendEdit(txc, prev, next); err != nil {
			return err
		}
		if prev.OutputType != jobs.OutputDocument {
			return nil
		}
		job, err := s.jobs.CreateJob(txc, store.CreateSpec{
			OwnerUserID: project.OwnerUserID,
			SessionID:   next.SessionID,
			StageSlug:   next.Stage,
			Iteration:   next.Iteration,
			Payload: jobs.NewRenderPayload(jobs.RenderPayload{
				ProjectID:      project.ID,
				SessionID:      next.SessionID,
				StageSlug:      next.Stage,
				Iteration:      next.Iteration,
				ContributionID: next.ID,
				DocumentKey:    next.DocumentKey,
			}),
		})
		if err != nil {
			return err
		}
		renderID = &job.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, dialectic.ErrNotLatestEdit) {
			return nil, apierr.New(http.StatusConflict, "not_latest_edit", err)
		}
		return nil, apierr.Persistence("save contribution edit", err)
	}
	if renderID != nil {
		s.jobs.Wake(*renderID)
	}
	s.log.Info("Contribution edited", "contribution_id", next.ID, "lineage_id", next.LineageID, "edit_version", next.EditVersion)
	return &SaveContributionEditResult{Contribution: next, RenderJobID: renderID}, nil
}
