package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry manages hook registration and chain dispatch.
type Registry struct {
	chains map[EventType][]*Hook // event -> hooks, priority descending
	byName map[string]*Hook
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		chains: make(map[EventType][]*Hook),
		byName: make(map[string]*Hook),
		logger: logger.With("component", "hooks"),
	}
}

// Register appends the hook to each of its subscribed events' chains and
// stable-sorts by priority descending, so equal-priority hooks keep their
// registration order.
func (r *Registry) Register(h *Hook) error {
	if h == nil || h.Name == "" {
		return fmt.Errorf("hook name is required")
	}
	if h.Handler == nil {
		return fmt.Errorf("hook %q has no handler", h.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[h.Name]; exists {
		return fmt.Errorf("hook %q already registered", h.Name)
	}
	r.byName[h.Name] = h

	for _, event := range h.Events {
		r.chains[event] = append(r.chains[event], h)
		sort.SliceStable(r.chains[event], func(i, j int) bool {
			return r.chains[event][i].Priority > r.chains[event][j].Priority
		})
	}

	r.logger.Debug("registered hook",
		"name", h.Name,
		"events", len(h.Events),
		"priority", h.Priority)
	return nil
}

// Unregister removes a hook by name from every chain it subscribes to.
// Remaining hooks keep their relative order.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.byName[name]
	if !exists {
		return false
	}
	delete(r.byName, name)

	for _, event := range h.Events {
		chain := r.chains[event]
		for i, c := range chain {
			if c.Name == name {
				r.chains[event] = append(chain[:i], chain[i+1:]...)
				break
			}
		}
	}

	r.logger.Debug("unregistered hook", "name", name)
	return true
}

// Get returns a hook by name.
func (r *Registry) Get(name string) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Chain returns a copy of the dispatch order for an event.
func (r *Registry) Chain(event EventType) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[event]
	out := make([]*Hook, len(chain))
	copy(out, chain)
	return out
}

// Count returns the number of hooks subscribed to an event.
func (r *Registry) Count(event EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains[event])
}

// Trigger dispatches the event context through the chain in priority order.
//
// Semantics:
//   - The first block or redirect verdict terminates the chain and is
//     returned as-is.
//   - Modify verdicts accumulate: modification maps merge shallowly in
//     priority order, later hooks overriding earlier keys, and the merged
//     result is returned once the chain completes.
//   - A handler error or panic is logged and skipped; the chain continues.
//
// The chain snapshot is taken once at entry: registration changes during a
// dispatch do not affect it.
func (r *Registry) Trigger(ctx context.Context, hc *Context) Result {
	if hc == nil {
		return Continue()
	}

	r.mu.RLock()
	chain := make([]*Hook, len(r.chains[hc.Event]))
	copy(chain, r.chains[hc.Event])
	r.mu.RUnlock()

	var merged map[string]any

	for _, h := range chain {
		res, err := r.callHandler(ctx, h, hc)
		if err != nil {
			r.logger.Warn("hook handler error",
				"event", hc.Event,
				"hook", h.Name,
				"error", err)
			continue
		}

		switch res.Action {
		case ActionBlock, ActionRedirect:
			return res
		case ActionModify:
			if merged == nil {
				merged = make(map[string]any, len(res.Modifications))
			}
			for k, v := range res.Modifications {
				merged[k] = v
			}
		}
	}

	if merged != nil {
		return Result{Action: ActionModify, Modifications: merged}
	}
	return Continue()
}

func (r *Registry) callHandler(ctx context.Context, h *Hook, hc *Context) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()

	return h.Handler(ctx, hc)
}
