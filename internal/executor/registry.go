package executor

import (
	"context"
	"log/slog"
	"sync"
)

// Registry owns the background tasks an engine spawns, keyed by name (the
// position ID for sampling windows). At most one task runs per key. Stop
// cancels every task and waits for them to return.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates a registry. Tasks cannot be started until Start is called.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With(slog.String("component", "task_registry")),
		running: make(map[string]struct{}),
	}
}

// Start binds the registry to parent. Cancelling parent cancels every task.
func (r *Registry) Start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(parent)
}

// Go runs fn under key in its own goroutine. It returns false without
// running fn if the registry is not started, is stopping, or a task with the
// same key is still running.
func (r *Registry) Go(key string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.ctx == nil || r.ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	if _, busy := r.running[key]; busy {
		r.mu.Unlock()
		return false
	}
	r.running[key] = struct{}{}
	ctx := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("task panicked",
					slog.String("task", key),
					slog.Any("panic", rec),
				)
			}
			r.mu.Lock()
			delete(r.running, key)
			r.mu.Unlock()
			r.wg.Done()
		}()
		fn(ctx)
	}()
	return true
}

// Running reports whether a task for key is in flight.
func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[key]
	return ok
}

// Len returns the number of in-flight tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Stop cancels all tasks and blocks until they have returned or ctx expires.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
