package worker

import (
	"context"
	"sync"

	"github.com/litminer/backend/internal/domain"
)

// Progress reports an intermediate stage from inside a unit of work.
type Progress func(ctx context.Context, stage, message string)

// Handler executes one named unit of work. The returned JSONB becomes the
// task's stored result.
type Handler interface {
	Execute(ctx context.Context, payload domain.JSONB, progress Progress) (domain.JSONB, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload domain.JSONB, progress Progress) (domain.JSONB, error)

func (f HandlerFunc) Execute(ctx context.Context, payload domain.JSONB, progress Progress) (domain.JSONB, error) {
	return f(ctx, payload, progress)
}

// Registry maps task names to handlers.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}
