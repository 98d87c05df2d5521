// Package orchestrator is the hook-dispatched execution core: the sole
// entry point for tool invocations and the sole notifier of lifecycle
// events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/axiom/internal/hooks"
	"github.com/haasonsaas/axiom/internal/observability"
	"github.com/haasonsaas/axiom/internal/tasks"
	"github.com/haasonsaas/axiom/pkg/models"
)

// Sentinel errors surfaced to the RPC layer.
var (
	// ErrBlocked is an admission rejection from a block hook.
	ErrBlocked = errors.New("request blocked")

	// ErrNoExecutor means no executor is registered for the tool.
	ErrNoExecutor = errors.New("no executor for tool")
)

// maxRedirects bounds redirect recursion through admission.
const maxRedirects = 5

// Executor is the full contract an execution backend provides. One
// executor instance is bound to exactly one task.
type Executor interface {
	tasks.Executor

	// Execute runs the agent to completion, forwarding every output
	// chunk through onChunk in arrival order.
	Execute(ctx context.Context, prompt, systemPrompt string, taskID int64, onChunk func(string)) (string, error)
}

// Factory builds a fresh executor per admitted task.
type Factory func() Executor

// Monitor is the side-channel consumer for dashboards.
type Monitor interface {
	Notify(event string, data map[string]any)
}

// Response is the immediate result of HandleRequest.
type Response struct {
	TaskID int64  `json:"taskId"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// Orchestrator owns the hook registry, the executor registry, the active
// task table and the monitor set.
type Orchestrator struct {
	hooks    *hooks.Registry
	registry *tasks.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu        sync.RWMutex
	factories map[string]Factory
	monitors  []Monitor
}

// New creates an orchestrator around the given registries.
func New(hookReg *hooks.Registry, taskReg *tasks.Registry, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		hooks:     hookReg,
		registry:  taskReg,
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
		factories: make(map[string]Factory),
	}
}

// Hooks exposes the hook registry for startup registration.
func (o *Orchestrator) Hooks() *hooks.Registry { return o.hooks }

// Tasks exposes the task registry for status tools.
func (o *Orchestrator) Tasks() *tasks.Registry { return o.registry }

// RegisterExecutor binds a tool name to an executor factory. One factory
// per tool.
func (o *Orchestrator) RegisterExecutor(tool string, factory Factory) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.factories[tool]; exists {
		return fmt.Errorf("executor for %q already registered", tool)
	}
	o.factories[tool] = factory
	return nil
}

// AttachMonitor adds a dashboard monitor.
func (o *Orchestrator) AttachMonitor(m Monitor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.monitors = append(o.monitors, m)
}

// NotifyMonitors broadcasts an event to every attached monitor.
func (o *Orchestrator) NotifyMonitors(event string, data map[string]any) {
	o.mu.RLock()
	monitors := append([]Monitor(nil), o.monitors...)
	o.mu.RUnlock()
	for _, m := range monitors {
		m.Notify(event, data)
	}
}

// Trigger dispatches a hook chain; exposed so executors can fire stream
// events from inside their read loops.
func (o *Orchestrator) Trigger(ctx context.Context, hc *hooks.Context) hooks.Result {
	return o.hooks.Trigger(ctx, hc)
}

// HandleRequest is the main entry: admit the request through the hook
// chain, bind an executor, create the task and run it.
func (o *Orchestrator) HandleRequest(ctx context.Context, tool string, args map[string]any) (*Response, error) {
	return o.handleRequest(ctx, tool, args, 0)
}

func (o *Orchestrator) handleRequest(ctx context.Context, tool string, args map[string]any, depth int) (*Response, error) {
	if depth > maxRedirects {
		return nil, fmt.Errorf("redirect loop for tool %q", tool)
	}
	if args == nil {
		args = make(map[string]any)
	}

	admission := hooks.NewContext(hooks.EventRequestReceived).WithRequest(tool, args)
	verdict := o.hooks.Trigger(ctx, admission)
	o.countRequest(tool, verdict.Action)

	switch verdict.Action {
	case hooks.ActionBlock:
		blocked := hooks.NewContext(hooks.EventRequestBlocked).
			WithRequest(tool, args).
			WithMeta("reason", verdict.Reason)
		o.hooks.Trigger(ctx, blocked)
		o.NotifyMonitors("request.blocked", map[string]any{"tool": tool, "reason": verdict.Reason})
		return nil, fmt.Errorf("%w: %s", ErrBlocked, verdict.Reason)

	case hooks.ActionRedirect:
		o.logger.Info("request redirected",
			"from", tool,
			"to", verdict.Redirect.Tool)
		return o.handleRequest(ctx, verdict.Redirect.Tool, verdict.Redirect.Args, depth+1)

	case hooks.ActionModify:
		// Shallow field-wise merge; later hooks already overrode earlier
		// ones inside the chain.
		for k, v := range verdict.Modifications {
			args[k] = v
		}
	}

	o.mu.RLock()
	factory, ok := o.factories[tool]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, tool)
	}

	prompt, _ := args["prompt"].(string)
	systemPrompt, _ := args["systemPrompt"].(string)
	taskID := o.registry.Create(tool, prompt, 0)
	executor := factory()

	if background, _ := args["verbose"].(bool); background {
		go o.run(context.WithoutCancel(ctx), tool, taskID, executor, prompt, systemPrompt)
		return &Response{TaskID: taskID, Status: "executing"}, nil
	}

	output, err := o.run(ctx, tool, taskID, executor, prompt, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &Response{TaskID: taskID, Status: string(models.TaskStatusCompleted), Output: output}, nil
}

// run executes the task, routing every chunk through the stream hooks
// before the next chunk is dispatched, and fires the terminal events.
func (o *Orchestrator) run(ctx context.Context, tool string, taskID int64, executor Executor, prompt, systemPrompt string) (string, error) {
	o.registry.Start(taskID, executor)
	if o.metrics != nil {
		o.metrics.RunningTasks.Inc()
		defer o.metrics.RunningTasks.Dec()
	}

	started := hooks.NewContext(hooks.EventExecutionStarted).
		WithExecution(taskID, string(models.TaskStatusRunning), "")
	o.hooks.Trigger(ctx, started)
	o.NotifyMonitors("execution.started", map[string]any{"taskId": taskID, "tool": tool})

	onChunk := func(chunk string) {
		o.registry.AppendOutput(taskID, chunk)
		if o.metrics != nil {
			o.metrics.StreamBytes.Add(float64(len(chunk)))
		}
		o.NotifyMonitors("execution.stream", map[string]any{"taskId": taskID, "data": chunk})

		stream := hooks.NewContext(hooks.EventExecutionStream).WithStream(taskID, chunk)
		res := o.hooks.Trigger(ctx, stream)
		if res.Action != hooks.ActionModify {
			return
		}
		command, _ := res.Modifications["command"].(string)
		if command == "" {
			return
		}
		if err := executor.Inject(command); err != nil {
			// Injection after PTY close is observability-only.
			o.logger.Warn("injection failed", "task_id", taskID, "error", err)
			return
		}
		iv := hooks.NewContext(hooks.EventExecutionIntervention).
			WithExecution(taskID, string(models.TaskStatusRunning), "").
			WithMeta("command", command)
		o.hooks.Trigger(ctx, iv)
		o.NotifyMonitors("execution.intervention", map[string]any{"taskId": taskID, "command": command})
	}

	output, err := executor.Execute(ctx, prompt, systemPrompt, taskID, onChunk)
	if err != nil {
		o.registry.Fail(taskID, err.Error())
		o.countTask(tool, models.TaskStatusFailed)
		failed := hooks.NewContext(hooks.EventExecutionFailed).
			WithExecution(taskID, string(models.TaskStatusFailed), output)
		failed.Execution.Error = err.Error()
		o.hooks.Trigger(ctx, failed)
		o.NotifyMonitors("execution.failed", map[string]any{"taskId": taskID, "error": err.Error()})
		return output, err
	}

	o.registry.Complete(taskID, output)
	o.countTask(tool, models.TaskStatusCompleted)
	completed := hooks.NewContext(hooks.EventExecutionCompleted).
		WithExecution(taskID, string(models.TaskStatusCompleted), output)
	o.hooks.Trigger(ctx, completed)
	o.NotifyMonitors("execution.completed", map[string]any{"taskId": taskID})
	return output, nil
}

func (o *Orchestrator) countRequest(tool string, action hooks.Action) {
	if o.metrics != nil {
		o.metrics.RequestCounter.WithLabelValues(tool, string(action)).Inc()
	}
}

func (o *Orchestrator) countTask(tool string, status models.TaskStatus) {
	if o.metrics != nil {
		o.metrics.TaskCounter.WithLabelValues(tool, string(status)).Inc()
	}
}
