package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/axiom/internal/observability"
	"github.com/haasonsaas/axiom/internal/worktree"
)

// Service plans and runs decompositions on behalf of the orchestrate
// tool. One ToolExecutor is handed out per admitted request.
type Service struct {
	cfg     Config
	runner  Runner
	trees   *worktree.Manager
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	executors []*Executor
}

// NewService creates the decomposition service.
func NewService(cfg Config, runner Runner, trees *worktree.Manager, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, runner: runner, trees: trees, logger: logger, metrics: metrics}
}

// Trees exposes the worktree manager for merge/cleanup tooling.
func (s *Service) Trees() *worktree.Manager { return s.trees }

// Plan decomposes a prompt without executing it.
func (s *Service) Plan(prompt string) ([]*OrthogonalTask, error) {
	return Decompose(prompt)
}

// Run plans and executes a prompt, returning the executions and the
// merged selection.
func (s *Service) Run(ctx context.Context, prompt string) (map[string]*TaskExecution, Selection, error) {
	tasks, err := Decompose(prompt)
	if err != nil {
		return nil, Selection{}, err
	}
	exec := NewExecutor(s.cfg, s.runner, s.trees, s.logger, s.metrics)
	s.mu.Lock()
	s.executors = append(s.executors, exec)
	s.mu.Unlock()

	execs, err := exec.Execute(ctx, tasks)
	if err != nil {
		return nil, Selection{}, err
	}
	return execs, SelectBest(execs), nil
}

// Cleanup drains every executor this service ever ran plus the worktree
// registry. Safe to call from signal handlers; idempotent.
func (s *Service) Cleanup(ctx context.Context) {
	s.mu.Lock()
	executors := append([]*Executor(nil), s.executors...)
	s.executors = nil
	s.mu.Unlock()

	for _, e := range executors {
		e.CleanupAll(ctx)
	}
	if s.trees != nil {
		s.trees.CleanupAll(ctx)
	}
}

// ToolExecutor adapts the service to the executor contract the
// orchestrator binds to a task.
type ToolExecutor struct {
	service *Service

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	output  string
}

// NewExecutorFor returns a fresh tool executor.
func (s *Service) NewExecutorFor() *ToolExecutor {
	return &ToolExecutor{service: s}
}

// Execute plans and runs the prompt. Once the run finishes it writes one
// summary line per subtask execution, whatever its status, to onChunk and
// returns the executions and the selection as JSON.
func (t *ToolExecutor) Execute(ctx context.Context, prompt, systemPrompt string, taskID int64, onChunk func(string)) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.running = true
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	execs, selection, err := t.service.Run(runCtx, prompt)
	if err != nil {
		return "", err
	}

	for id, exec := range execs {
		if onChunk != nil {
			onChunk(fmt.Sprintf("[%s] %s (attempts: %d, files: %d)\n",
				id, exec.Status, exec.Attempts, len(exec.Files)))
		}
	}

	summary := struct {
		Executions map[string]*TaskExecution `json:"executions"`
		Selection  Selection                 `json:"selection"`
	}{execs, selection}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}

	t.mu.Lock()
	t.output = string(data)
	t.mu.Unlock()
	return string(data), nil
}

// Inject has no terminal to write to; decomposition subtasks own their
// supervisors.
func (t *ToolExecutor) Inject(command string) error { return nil }

// Write mirrors Inject.
func (t *ToolExecutor) Write(data string) error { return nil }

// Interrupt cancels the whole decomposition run.
func (t *ToolExecutor) Interrupt() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Kill is Interrupt for this executor.
func (t *ToolExecutor) Kill() { _ = t.Interrupt() }

// Running reports whether a run is in flight.
func (t *ToolExecutor) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Output returns the final summary JSON.
func (t *ToolExecutor) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}
