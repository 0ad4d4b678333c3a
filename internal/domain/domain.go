package domain

import (
	"github.com/yungbote/dialectic-backend/internal/domain/dialectic"
	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
)

type DialecticJob = jobs.DialecticJob
type JobPayload = jobs.Payload

type Project = dialectic.Project
type Session = dialectic.Session
type Contribution = dialectic.Contribution
type Domain = dialectic.Domain
type ProcessTemplate = dialectic.ProcessTemplate
type Stage = dialectic.Stage
type RecipeStep = dialectic.RecipeStep
type StageTransition = dialectic.StageTransition
type SystemPrompt = dialectic.SystemPrompt
type DomainOverlay = dialectic.DomainOverlay
type AIModel = dialectic.AIModel

// AllModels lists every table in migration order.
func AllModels() []any {
	return []any{
		&Domain{},
		&ProcessTemplate{},
		&Stage{},
		&StageTransition{},
		&SystemPrompt{},
		&DomainOverlay{},
		&AIModel{},
		&Project{},
		&Session{},
		&Contribution{},
		&DialecticJob{},
	}
}
