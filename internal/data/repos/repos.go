package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/data/repos/dialectic"
	"github.com/yungbote/dialectic-backend/internal/data/repos/jobs"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type ProjectRepo = dialectic.ProjectRepo
type SessionRepo = dialectic.SessionRepo
type ContributionRepo = dialectic.ContributionRepo
type ProcessRepo = dialectic.ProcessRepo
type PromptRepo = dialectic.PromptRepo
type AIModelRepo = dialectic.AIModelRepo
type DialecticJobRepo = jobs.DialecticJobRepo

// Set holds one instance of every repository over a shared handle.
type Set struct {
	Projects      ProjectRepo
	Sessions      SessionRepo
	Contributions ContributionRepo
	Process       ProcessRepo
	Prompts       PromptRepo
	Models        AIModelRepo
	Jobs          DialecticJobRepo
}

func New(db *gorm.DB, log *logger.Logger) Set {
	return Set{
		Projects:      dialectic.NewProjectRepo(db, log),
		Sessions:      dialectic.NewSessionRepo(db, log),
		Contributions: dialectic.NewContributionRepo(db, log),
		Process:       dialectic.NewProcessRepo(db, log),
		Prompts:       dialectic.NewPromptRepo(db, log),
		Models:        dialectic.NewAIModelRepo(db, log),
		Jobs:          jobs.NewDialecticJobRepo(db, log),
	}
}
