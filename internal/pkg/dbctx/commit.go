package dbctx

import (
	"context"
	"sync"
)

type commitHooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

/*
WithCommitHooks gives c a queue for AfterCommit. The returned flush runs the
queued funcs and must be called only once the owning transaction committed.
When c already carries a queue the outer owner flushes it and flush is a no-op.
*/
func WithCommitHooks(c Context) (Context, func()) {
	ctx := c.Context()
	if _, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		return c, func() {}
	}
	h := &commitHooks{}
	out := Context{Ctx: context.WithValue(ctx, commitHooksKey{}, h), Tx: c.Tx}
	return out, func() {
		h.mu.Lock()
		fns := h.fns
		h.fns = nil
		h.mu.Unlock()
		for _, fn := range fns {
			fn(out.Ctx)
		}
	}
}

// AfterCommit queues fn on c's commit hooks. Without a queue fn runs now.
func AfterCommit(c Context, fn func(ctx context.Context)) {
	if h, ok := c.Context().Value(commitHooksKey{}).(*commitHooks); ok {
		h.mu.Lock()
		h.fns = append(h.fns, fn)
		h.mu.Unlock()
		return
	}
	fn(c.Context())
}
