package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// HookFunc releases one resource during shutdown.
type HookFunc func(ctx context.Context) error

type hook struct {
	name string
	fn   HookFunc
}

// Hooks is an ordered shutdown-hook registry. Hooks run once, newest first.
type Hooks struct {
	mu     sync.Mutex
	hooks  []hook
	ran    bool
	logger *slog.Logger
}

// NewHooks creates an empty registry.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger.With("component", "hooks")}
}

// Register adds fn under name. Hooks registered after Run are ignored.
func (h *Hooks) Register(name string, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ran {
		h.logger.Warn("Shutdown already ran, hook ignored", "hook", name)
		return
	}
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Len returns the number of registered hooks.
func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run executes every hook in reverse registration order. A failing hook
// does not stop the others. Later calls do nothing.
func (h *Hooks) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return nil
	}
	h.ran = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hk := hooks[i]
		if err := hk.fn(ctx); err != nil {
			h.logger.Error("Shutdown hook failed", "hook", hk.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hk.name, err))
			continue
		}
		h.logger.Debug("Shutdown hook done", "hook", hk.name)
	}
	return errors.Join(errs...)
}
