package render_document

import (
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	"github.com/yungbote/dialectic-backend/internal/dialectic/executor"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// Pipeline turns a stored document contribution into its rendered markdown.
type Pipeline struct {
	db            *gorm.DB
	log           *logger.Logger
	contributions dialectic.ContributionRepo
	sessions      dialectic.SessionRepo
	projects      dialectic.ProjectRepo
	process       dialectic.ProcessRepo
	storage       executor.Storage
}

func New(db *gorm.DB, baseLog *logger.Logger, contributions dialectic.ContributionRepo, sessions dialectic.SessionRepo, projects dialectic.ProjectRepo, process dialectic.ProcessRepo, storage executor.Storage) *Pipeline {
	return &Pipeline{
		db:            db,
		log:           baseLog.With("job", "render_document"),
		contributions: contributions,
		sessions:      sessions,
		projects:      projects,
		process:       process,
		storage:       storage,
	}
}

func (p *Pipeline) Type() string { return jobs.TypeRender }
