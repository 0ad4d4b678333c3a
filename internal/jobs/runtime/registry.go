package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yungbote/dialectic-backend/internal/domain/jobs"
)

// Handler runs one job type. Run returning an error fails the job unless
// the handler already ended the run itself.
type Handler interface {
	Type() string
	Run(ctx *Context) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds handlers; job types must be known and unique.
func (r *Registry) Register(hs ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		if h == nil {
			return fmt.Errorf("nil handler")
		}
		t := h.Type()
		if !jobs.ValidType(t) {
			return fmt.Errorf("handler for unknown job_type=%q", t)
		}
		if _, dup := r.handlers[t]; dup {
			return fmt.Errorf("handler already registered for job_type=%s", t)
		}
		r.handlers[t] = h
	}
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Missing lists job types with no handler.
func (r *Registry) Missing() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, t := range []string{jobs.TypePlan, jobs.TypeExecute, jobs.TypeRender} {
		if _, ok := r.handlers[t]; !ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
