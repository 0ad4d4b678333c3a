package jobs

const (
	TypePlan    = "PLAN"
	TypeExecute = "EXECUTE"
	TypeRender  = "RENDER"
)

const (
	StatusPending                = "pending"
	StatusWaitingForPrerequisite = "waiting_for_prerequisite"
	StatusProcessing             = "processing"
	StatusWaitingForChildren     = "waiting_for_children"
	StatusPendingNextStep        = "pending_next_step"
	StatusCompleted              = "completed"
	StatusFailed                 = "failed"
	StatusCancelled              = "cancelled"
)

func ValidType(t string) bool {
	switch t {
	case TypePlan, TypeExecute, TypeRender:
		return true
	}
	return false
}

// RecipeRelevant reports whether a child of this type gates its parent.
// RENDER jobs never do.
func RecipeRelevant(jobType string) bool {
	return jobType == TypePlan || jobType == TypeExecute
}

// Terminal reports whether status ends a job's participation in its parent's
// accounting. pending_next_step is terminal here even though the worker later
// resumes the PLAN.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPendingNextStep:
		return true
	}
	return false
}

// Unsuccessful is true for the terminal states that fail a parent.
func Unsuccessful(status string) bool {
	return status == StatusFailed || status == StatusCancelled
}

var edges = map[string][]string{
	StatusPending:                {StatusProcessing, StatusCancelled},
	StatusWaitingForPrerequisite: {StatusPending, StatusFailed, StatusCancelled},
	StatusProcessing:             {StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaitingForChildren:     {StatusPendingNextStep, StatusFailed, StatusCancelled},
}

var planEdges = map[string][]string{
	StatusProcessing:      {StatusWaitingForChildren},
	StatusPendingNextStep: {StatusProcessing, StatusCancelled},
}

// CanTransition reports whether jobType may move from -> to.
func CanTransition(jobType, from, to string) bool {
	for _, s := range edges[from] {
		if s == to {
			return from != StatusWaitingForChildren || jobType == TypePlan
		}
	}
	if jobType != TypePlan {
		return false
	}
	for _, s := range planEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claimable reports whether a worker may pick this job up.
func Claimable(jobType, status string) bool {
	if status == StatusPending {
		return true
	}
	return jobType == TypePlan && status == StatusPendingNextStep
}
