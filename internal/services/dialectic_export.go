package services

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/dialectic/storagepath"
	types "github.com/yungbote/dialectic-backend/internal/domain"
	"github.com/yungbote/dialectic-backend/internal/pkg/dbctx"
	"github.com/yungbote/dialectic-backend/internal/platform/apierr"
)

const (
	storageFanOut    = 8
	manifestFileName = "project_manifest.json"
	clonePrefix      = "[CLONE] "
)

type ExportResult struct {
	ProjectID  uuid.UUID `json:"project_id"`
	ExportPath string    `json:"export_path"`
	SizeBytes  int64     `json:"size_bytes"`
	FileCount  int       `json:"file_count"`
	Skipped    []string  `json:"skipped,omitempty"`
}

type CloneProjectInput struct {
	ProjectID      uuid.UUID `json:"projectId"`
	NewProjectName string    `json:"newProjectName,omitempty"`
}

type projectManifest struct {
	Project    *types.Project    `json:"project"`
	ExportedAt time.Time         `json:"exported_at"`
	Sessions   []sessionManifest `json:"sessions"`
}

type sessionManifest struct {
	*types.Session
	Contributions []*types.Contribution `json:"contributions"`
}

type exportFile struct {
	name string
	key  string
	data []byte
}

// ExportProject zips the project manifest plus every contribution's content
// and raw response, stores the archive and returns its key. Files that cannot
// be downloaded are skipped and listed.
func (s *dialecticService) ExportProject(dbc dbctx.Context, projectID uuid.UUID) (*ExportResult, error) {
	p, err := s.ownedProject(dbc, projectID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListByProject(dbc, p.ID)
	if err != nil {
		return nil, apierr.Persistence("list sessions", err)
	}
	manifest := projectManifest{Project: p, ExportedAt: time.Now().UTC(), Sessions: []sessionManifest{}}
	var files []*exportFile
	for _, sess := range sessions {
		contribs, err := s.contributions.ListBySession(dbc, sess.ID)
		if err != nil {
			return nil, apierr.Persistence("list contributions", err)
		}
		if contribs == nil {
			contribs = []*types.Contribution{}
		}
		manifest.Sessions = append(manifest.Sessions, sessionManifest{Session: sess, Contributions: contribs})
		dir := path.Join("sessions", sess.ID.String(), "contributions")
		for _, c := range contribs {
			if c.StoragePath != "" {
				files = append(files, &exportFile{name: path.Join(dir, c.ID.String()+"_content"+path.Ext(c.StoragePath)), key: c.StoragePath})
			}
			if c.RawPath != "" {
				files = append(files, &exportFile{name: path.Join(dir, c.ID.String()+"_raw.json"), key: c.RawPath})
			}
		}
	}

	g, gctx := errgroup.WithContext(dbc.Context())
	g.SetLimit(storageFanOut)
	for _, f := range files {
		f := f
		g.Go(func() error {
			data, err := s.storage.Download(gctx, f.key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Warn("Skipping export file", "project_id", p.ID, "path", f.key, "error", err)
				return nil
			}
			f.data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storageError("download export files", err)
	}

	archive, skipped, err := buildArchive(manifest, files)
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "export_failed", err)
	}
	key := storagepath.Export(p.ID, time.Now().UTC().Format("20060102T150405Z"))
	if err := s.storage.Upload(dbc.Context(), key, archive, "application/zip"); err != nil {
		return nil, storageError("upload export", err)
	}
	s.log.Info("Project exported", "project_id", p.ID, "path", key, "files", len(files)-len(skipped))
	return &ExportResult{
		ProjectID:  p.ID,
		ExportPath: key,
		SizeBytes:  int64(len(archive)),
		FileCount:  len(files) - len(skipped) + 1,
		Skipped:    skipped,
	}, nil
}

func buildArchive(manifest projectManifest, files []*exportFile) ([]byte, []string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	w, err := zw.Create(manifestFileName)
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, nil, err
	}
	var skipped []string
	for _, f := range files {
		if f.data == nil {
			skipped = append(skipped, f.key)
			continue
		}
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, nil, err
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), skipped, nil
}

// CloneProject copies a project, its sessions and the latest edit of every
// contribution under fresh ids. Stored objects are copied first so the new
// rows never point at missing files. Jobs are not cloned.
func (s *dialecticService) CloneProject(dbc dbctx.Context, in CloneProjectInput) (*types.Project, error) {
	src, err := s.ownedProject(dbc, in.ProjectID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.NewProjectName)
	if name == "" {
		name = clonePrefix + src.ProjectName
	}
	sessions, err := s.sessions.ListByProject(dbc, src.ID)
	if err != nil {
		return nil, apierr.Persistence("list sessions", err)
	}

	dst := *src
	dst.ID = uuid.New()
	dst.ProjectName = name
	dst.CreatedAt, dst.UpdatedAt = time.Time{}, time.Time{}

	sessionIDs := make(map[uuid.UUID]uuid.UUID, len(sessions))
	for _, sess := range sessions {
		sessionIDs[sess.ID] = uuid.New()
	}
	rebase := func(key string) string {
		if key == "" {
			return ""
		}
		out := storagepath.Rebase(key, src.ID, dst.ID)
		for from, to := range sessionIDs {
			if strings.Contains(out, "/sessions/"+from.String()+"/") {
				return storagepath.RebaseSession(key, src.ID, dst.ID, from, to)
			}
		}
		return out
	}

	if err := s.copyProjectObjects(dbc.Context(), src.ID, rebase); err != nil {
		return nil, storageError("copy project objects", err)
	}

	err = dbc.DB(s.db).Transaction(func(tx *gorm.DB) error {
		txc := dbc.WithTx(tx)
		if _, err := s.projects.Create(txc, &dst); err != nil {
			return err
		}
		for _, sess := range sessions {
			contribs, err := s.contributions.ListLatest(txc, sess.ID, 0, nil)
			if err != nil {
				return err
			}
			ns := *sess
			ns.ID = sessionIDs[sess.ID]
			ns.ProjectID = dst.ID
			ns.Status = strings.Replace(ns.Status, "running_", "pending_", 1)
			ns.AssociatedChatID = nil
			ns.CreatedAt, ns.UpdatedAt = time.Time{}, time.Time{}
			if _, err := s.sessions.Create(txc, &ns); err != nil {
				return err
			}
			// Clones start new lineages; sources are remapped onto them.
			lineage := make(map[uuid.UUID]uuid.UUID, len(contribs))
			for _, c := range contribs {
				lineage[c.LineageID] = uuid.New()
			}
			for _, c := range contribs {
				nc := *c
				nc.ID = lineage[c.LineageID]
				nc.LineageID = nc.ID
				nc.SetSources(remap(c.Sources(), lineage))
				nc.SessionID = ns.ID
				nc.StoragePath = rebase(c.StoragePath)
				nc.RawPath = rebase(c.RawPath)
				nc.RenderedPath = rebase(c.RenderedPath)
				nc.EditVersion = 1
				nc.IsLatestEdit = true
				nc.ParentContributionID = nil
				nc.SourceJobID = nil
				nc.CreatedAt, nc.UpdatedAt = time.Time{}, time.Time{}
				if _, err := s.contributions.Create(txc, &nc); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Persistence("clone project", err)
	}
	s.log.Info("Project cloned", "source_project_id", src.ID, "project_id", dst.ID, "sessions", len(sessions))
	return &dst, nil
}

func remap(ids []uuid.UUID, to map[uuid.UUID]uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if n, ok := to[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// copyProjectObjects copies every stored object of a project except exports.
func (s *dialecticService) copyProjectObjects(ctx context.Context, projectID uuid.UUID, rebase func(string) string) error {
	keys, err := s.storage.List(ctx, storagepath.ProjectRoot(projectID)+"/")
	if err != nil {
		return err
	}
	exports := storagepath.ProjectRoot(projectID) + "/exports/"
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storageFanOut)
	for _, key := range keys {
		key := key
		if strings.HasPrefix(key, exports) {
			continue
		}
		g.Go(func() error {
			return s.storage.Copy(gctx, key, rebase(key))
		})
	}
	return g.Wait()
}
