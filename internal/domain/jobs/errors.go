package jobs

import "errors"

var (
	// ErrStatusConflict means the row was not in the expected status.
	ErrStatusConflict = errors.New("job status conflict")
	// ErrInvalidTransition means the requested edge is not in the graph.
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobNotFound       = errors.New("job not found")
)
