// Package tasks implements the shared registry of supervised tasks.
//
// The registry owns every Task record: the orchestrator creates tasks at
// admission, executors append output through it, and status tools query it.
// All methods are safe for concurrent use.
package tasks

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/axiom/pkg/models"
)

// Executor is the slice of the executor contract the registry needs to
// bind a running task to its terminal session.
type Executor interface {
	Inject(command string) error
	Write(data string) error
	Interrupt() error
	Kill()
	Running() bool
	Output() string
}

// TransitionListener observes task status transitions, for dashboards.
type TransitionListener func(task *models.Task, from, to models.TaskStatus)

// Registry is the concurrent-safe table of tasks and executor bindings.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[int64]*models.Task
	executors map[int64]Executor
	listeners []TransitionListener
	logger    *slog.Logger

	lastID int64

	sweeper *cron.Cron
}

// NewRegistry creates an empty task registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:     make(map[int64]*models.Task),
		executors: make(map[int64]Executor),
		logger:    logger.With("component", "tasks"),
	}
}

// OnTransition registers a status-transition listener. Listeners are
// invoked synchronously with a copy of the task.
func (r *Registry) OnTransition(fn TransitionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Create admits a new task in pending state and returns its id. Ids are
// epoch milliseconds; same-millisecond admissions get the next free value
// so ids stay unique and monotonic.
func (r *Registry) Create(tool, prompt string, parentID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := time.Now().UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id

	task := &models.Task{
		ID:       id,
		ParentID: parentID,
		Tool:     tool,
		Prompt:   prompt,
		Status:   models.TaskStatusPending,
		Metadata: make(map[string]any),
	}
	r.tasks[id] = task

	if parentID != 0 {
		if parent, ok := r.tasks[parentID]; ok {
			parent.Children = append(parent.Children, id)
		}
	}

	r.logger.Debug("task created", "task_id", id, "tool", tool)
	return id
}

// Start binds the executor and moves the task to running.
func (r *Registry) Start(id int64, exec Executor) bool {
	return r.transition(id, models.TaskStatusRunning, func(t *models.Task) {
		t.StartedAt = time.Now()
		r.executors[id] = exec
	})
}

// AppendOutput adds a chunk to the task's accumulated output buffer.
func (r *Registry) AppendOutput(id int64, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.Output += chunk
	}
}

// Complete moves the task to completed and records the final output.
func (r *Registry) Complete(id int64, output string) bool {
	return r.transition(id, models.TaskStatusCompleted, func(t *models.Task) {
		t.Output = output
		t.EndedAt = time.Now()
		delete(r.executors, id)
	})
}

// Fail moves the task to failed with a non-empty reason.
func (r *Registry) Fail(id int64, reason string) bool {
	if reason == "" {
		reason = "unknown error"
	}
	return r.transition(id, models.TaskStatusFailed, func(t *models.Task) {
		t.Error = reason
		t.EndedAt = time.Now()
		delete(r.executors, id)
	})
}

// Timeout moves the task to the timeout terminal state.
func (r *Registry) Timeout(id int64, reason string) bool {
	return r.transition(id, models.TaskStatusTimeout, func(t *models.Task) {
		t.Error = reason
		t.EndedAt = time.Now()
		delete(r.executors, id)
	})
}

// Interrupt marks a running task interrupted and signals its executor.
// Returns false if the task is not running.
func (r *Registry) Interrupt(id int64, reason string) bool {
	r.mu.Lock()
	exec := r.executors[id]
	r.mu.Unlock()

	if !r.transition(id, models.TaskStatusInterrupted, func(t *models.Task) {
		if reason != "" {
			t.Metadata["interrupt_reason"] = reason
		}
	}) {
		return false
	}

	if exec != nil {
		if err := exec.Interrupt(); err != nil {
			r.logger.Warn("executor interrupt failed", "task_id", id, "error", err)
		}
	}
	return true
}

// Resume returns an interrupted task to running. This is the only
// transition back out of a non-pending state; it exists solely for
// hook-originated interrupts.
func (r *Registry) Resume(id int64) bool {
	return r.transition(id, models.TaskStatusRunning, nil)
}

// transition applies a status change under the monotonicity rules and
// notifies listeners. The mutate callback runs while the lock is held.
func (r *Registry) transition(id int64, to models.TaskStatus, mutate func(*models.Task)) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || !allowed(t.Status, to) {
		r.mu.Unlock()
		return false
	}
	from := t.Status
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	listeners := append([]TransitionListener(nil), r.listeners...)
	snapshot := t.Clone()
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot, from, to)
	}
	return true
}

// allowed encodes the status lattice: pending -> running -> terminal, with
// the single running <-> interrupted detour.
func allowed(from, to models.TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case models.TaskStatusPending:
		return to == models.TaskStatusRunning || to == models.TaskStatusFailed
	case models.TaskStatusRunning:
		return to != models.TaskStatusPending && to != from
	case models.TaskStatusInterrupted:
		return to == models.TaskStatusRunning || to.Terminal()
	}
	return false
}

// Get returns a copy of the task.
func (r *Registry) Get(id int64) (*models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// ExecutorFor returns the executor bound to a running task.
func (r *Registry) ExecutorFor(id int64) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	return e, ok
}

// All returns copies of every task.
func (r *Registry) All() []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Running returns copies of tasks currently in running or interrupted state.
func (r *Registry) Running() []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Task
	for _, t := range r.tasks {
		if t.Status == models.TaskStatusRunning || t.Status == models.TaskStatusInterrupted {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Hierarchy returns the transitive children of a task, depth first.
func (r *Registry) Hierarchy(parentID int64) []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Task
	var walk func(id int64)
	walk = func(id int64) {
		t, ok := r.tasks[id]
		if !ok {
			return
		}
		for _, child := range t.Children {
			if c, ok := r.tasks[child]; ok {
				out = append(out, c.Clone())
				walk(child)
			}
		}
	}
	walk(parentID)
	return out
}

// ShouldInterruptFor is the pre-emption policy predicate: tasks returned
// here are interrupted when a new high-priority request arrives. The
// default policy pre-empts nothing; deployments override it.
func (r *Registry) ShouldInterruptFor(newPrompt string) []*models.Task {
	return nil
}

// ClearCompleted removes terminal tasks and returns how many were removed.
func (r *Registry) ClearCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Cleanup removes terminal tasks that ended more than maxAge ago.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && !t.EndedAt.IsZero() && t.EndedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("swept terminal tasks", "removed", removed)
	}
	return removed
}

// StartSweeper schedules Cleanup on a cron spec (e.g. "@every 1m").
func (r *Registry) StartSweeper(spec string, maxAge time.Duration) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { r.Cleanup(maxAge) }); err != nil {
		return err
	}
	c.Start()

	r.mu.Lock()
	r.sweeper = c
	r.mu.Unlock()
	return nil
}

// StopSweeper stops the cleanup schedule if one is running.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	c := r.sweeper
	r.sweeper = nil
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
