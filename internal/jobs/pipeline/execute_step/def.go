package execute_step

import (
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	"github.com/yungbote/dialectic-backend/internal/dialectic/executor"
	"github.com/yungbote/dialectic-backend/internal/dialectic/prompts"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type Pipeline struct {
	db            *gorm.DB
	log           *logger.Logger
	projects      dialectic.ProjectRepo
	sessions      dialectic.SessionRepo
	process       dialectic.ProcessRepo
	models        dialectic.AIModelRepo
	contributions dialectic.ContributionRepo
	resolver      *prompts.Resolver
	exec          *executor.Executor
	storage       executor.Storage
}

type Deps struct {
	Projects      dialectic.ProjectRepo
	Sessions      dialectic.SessionRepo
	Process       dialectic.ProcessRepo
	Models        dialectic.AIModelRepo
	Contributions dialectic.ContributionRepo
	Resolver      *prompts.Resolver
	Executor      *executor.Executor
	Storage       executor.Storage
}

func New(db *gorm.DB, baseLog *logger.Logger, deps Deps) *Pipeline {
	return &Pipeline{
		db:            db,
		log:           baseLog.With("job", "execute_step"),
		projects:      deps.Projects,
		sessions:      deps.Sessions,
		process:       deps.Process,
		models:        deps.Models,
		contributions: deps.Contributions,
		resolver:      deps.Resolver,
		exec:          deps.Executor,
		storage:       deps.Storage,
	}
}

func (p *Pipeline) Type() string { return jobs.TypeExecute }
