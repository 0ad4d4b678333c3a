package plan_stage

import (
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/jobs/store"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// Pipeline runs PLAN jobs: each run spawns the EXECUTE children of one
// recipe step and parks until the cascade hands it back.
type Pipeline struct {
	db            *gorm.DB
	log           *logger.Logger
	jobs          *store.Store
	projects      dialectic.ProjectRepo
	sessions      dialectic.SessionRepo
	process       dialectic.ProcessRepo
	contributions dialectic.ContributionRepo
}

func New(db *gorm.DB, baseLog *logger.Logger, st *store.Store, projects dialectic.ProjectRepo, sessions dialectic.SessionRepo, process dialectic.ProcessRepo, contributions dialectic.ContributionRepo) *Pipeline {
	return &Pipeline{
		db:            db,
		log:           baseLog.With("job", "plan_stage"),
		jobs:          st,
		projects:      projects,
		sessions:      sessions,
		process:       process,
		contributions: contributions,
	}
}

func (p *Pipeline) Type() string { return jobs.TypePlan }
