package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/axiom/internal/backoff"
	"github.com/haasonsaas/axiom/internal/observability"
	"github.com/haasonsaas/axiom/internal/workspace"
	"github.com/haasonsaas/axiom/internal/worktree"
)

// Session is the live agent bound to one subtask attempt.
type Session interface {
	// Write sends raw bytes to the agent's terminal.
	Write(data string) error
	// Kill terminates the agent.
	Kill()
}

// Runner launches an agent for one attempt inside a workspace. The
// returned channel resolves with the agent's exit error.
type Runner interface {
	Start(ctx context.Context, task *OrthogonalTask, workdir string, onChunk func(string)) (Session, <-chan error, error)
}

// completionPhrases mark a subtask done when they appear in output.
var completionPhrases = []string{
	"file created:",
	"created file:",
	"successfully created",
	"has been created",
	"wrote to",
}

// promptBoxMarker re-appearing means the agent returned to idle.
const promptBoxMarker = "│ >"

// Config tunes the parallel executor.
type Config struct {
	// MaxParallel bounds concurrently running subtasks.
	MaxParallel int

	// TaskTimeout is the per-attempt budget before ESC-then-kill.
	TaskTimeout time.Duration

	// MaxRetries is how many extra attempts a failed or timed-out
	// subtask gets.
	MaxRetries int

	// WatchdogInterval is how often running subtasks are polled.
	WatchdogInterval time.Duration

	// SettleDelay is granted between completion detection and kill so
	// trailing writes land.
	SettleDelay time.Duration

	// KillGrace separates the ESC interrupt from the hard kill.
	KillGrace time.Duration

	// UseWorktree runs each subtask in a git worktree instead of a temp
	// directory.
	UseWorktree bool

	// AutoMerge merges each committed worktree after its subtask
	// completes.
	AutoMerge bool

	// Backoff is the retry delay schedule.
	Backoff backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 10 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = time.Second
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.SubtaskPolicy()
	}
	return c
}

// Executor runs planned subtasks in parallel isolated workspaces.
type Executor struct {
	cfg     Config
	runner  Runner
	trees   *worktree.Manager
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]Session
	dirs     map[string]string
	union    map[string]string
	cleaning bool
}

// NewExecutor creates an executor. trees may be nil when worktrees are
// disabled; metrics may be nil.
func NewExecutor(cfg Config, runner Runner, trees *worktree.Manager, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		trees:    trees,
		logger:   logger.With("component", "decompose"),
		metrics:  metrics,
		sessions: make(map[string]Session),
		dirs:     make(map[string]string),
	}
}

// Execute runs the planned tasks: orthogonal tasks in parallel first,
// then reserves per their triggers. Returns per-task execution records.
func (e *Executor) Execute(ctx context.Context, tasks []*OrthogonalTask) (map[string]*TaskExecution, error) {
	var orthogonal, reserves []*OrthogonalTask
	for _, t := range tasks {
		if t.Reserve() {
			reserves = append(reserves, t)
		} else {
			orthogonal = append(orthogonal, t)
		}
	}

	execs := make(map[string]*TaskExecution, len(tasks))
	for _, t := range tasks {
		execs[t.ID] = &TaskExecution{Task: t, Status: ExecPending}
	}

	// Orthogonal phase: parallel, bounded.
	sem := make(chan struct{}, e.cfg.MaxParallel)
	var wg sync.WaitGroup
	for _, t := range orthogonal {
		wg.Add(1)
		go func(task *OrthogonalTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.runTask(ctx, execs[task.ID])
		}(t)
	}
	wg.Wait()

	anyFailed := false
	succeeded := make(map[string]string) // file union across successes
	for _, t := range orthogonal {
		exec := execs[t.ID]
		switch exec.Status {
		case ExecComplete:
			for name, content := range exec.Files {
				succeeded[name] = content
			}
			e.finishWorktree(ctx, exec)
		case ExecFailed, ExecTimeout:
			anyFailed = true
		}
	}
	e.mu.Lock()
	e.union = succeeded
	e.mu.Unlock()

	// Reserve phase: roadblock reserves only on failure, after-orthogonal
	// reserves unconditionally. Dependencies are satisfied by phase order.
	for _, t := range reserves {
		if t.Trigger == TriggerRoadblock && !anyFailed {
			continue
		}
		exec := execs[t.ID]
		e.runTask(ctx, exec)
		if exec.Workspace != "" {
			// The reserve saw the union of successful outputs; commit its
			// own worktree on top.
			e.finishWorktree(ctx, exec)
		}
	}

	return execs, nil
}

// runTask drives one subtask through its attempts with backoff.
func (e *Executor) runTask(ctx context.Context, exec *TaskExecution) {
	task := exec.Task

	dir, err := e.workdir(ctx, task)
	if err != nil {
		exec.Status = ExecFailed
		exec.Error = err.Error()
		return
	}
	exec.Workspace = dir

	if task.Reserve() {
		// Seed the reserve with everything the orthogonal phase produced.
		if err := workspace.CopyInto(dir, e.successUnion()); err != nil {
			e.logger.Warn("seeding reserve workspace failed", "task", task.ID, "error", err)
		}
	}

	exec.StartedAt = time.Now()
	maxAttempts := 1 + e.cfg.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		exec.Attempts = attempt
		if attempt > 1 {
			delay := e.cfg.Backoff.Delay(attempt)
			e.logger.Info("retrying subtask",
				"task", task.ID,
				"attempt", attempt,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				exec.Status = ExecFailed
				exec.Error = ctx.Err().Error()
				return
			}
		}

		e.runAttempt(ctx, exec)
		if exec.Status == ExecComplete || ctx.Err() != nil {
			break
		}
	}
	exec.EndedAt = time.Now()
	exec.Files = workspace.Collect(exec.Workspace, task.ExpectedOutputs)

	if e.metrics != nil {
		e.metrics.SubtaskDuration.WithLabelValues(string(exec.Status)).
			Observe(exec.EndedAt.Sub(exec.StartedAt).Seconds())
	}
}

// runAttempt runs the agent once and watches it for completion evidence
// or timeout.
func (e *Executor) runAttempt(ctx context.Context, exec *TaskExecution) {
	task := exec.Task
	exec.Status = ExecRunning

	var outMu sync.Mutex
	appendChunk := func(chunk string) {
		outMu.Lock()
		exec.Output += chunk
		outMu.Unlock()
	}
	output := func() string {
		outMu.Lock()
		defer outMu.Unlock()
		return exec.Output
	}

	session, exitCh, err := e.runner.Start(ctx, task, exec.Workspace, appendChunk)
	if err != nil {
		exec.Status = ExecFailed
		exec.Error = fmt.Sprintf("start agent: %v", err)
		return
	}
	e.track(task.ID, session)
	defer e.untrack(task.ID)

	started := time.Now()
	watchdog := time.NewTicker(e.cfg.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case exitErr := <-exitCh:
			if exitErr == nil && e.detectCompletion(output(), exec.Workspace, task) {
				exec.Status = ExecComplete
				return
			}
			exec.Status = ExecFailed
			if exitErr != nil {
				exec.Error = exitErr.Error()
			} else {
				exec.Error = "agent exited without completion evidence"
			}
			return

		case <-watchdog.C:
			if e.detectCompletion(output(), exec.Workspace, task) {
				// Settle window before the kill so trailing writes land.
				select {
				case <-time.After(e.cfg.SettleDelay):
				case <-ctx.Done():
				}
				session.Kill()
				e.drainExit(exitCh)
				exec.Status = ExecComplete
				return
			}
			if time.Since(started) > e.cfg.TaskTimeout {
				e.logger.Warn("subtask timeout", "task", task.ID, "attempt", exec.Attempts)
				_ = session.Write("\x1b")
				select {
				case <-time.After(e.cfg.KillGrace):
				case <-ctx.Done():
				}
				session.Kill()
				e.drainExit(exitCh)
				exec.Status = ExecTimeout
				exec.Error = "task timeout"
				return
			}

		case <-ctx.Done():
			session.Kill()
			e.drainExit(exitCh)
			exec.Status = ExecFailed
			exec.Error = ctx.Err().Error()
			return
		}
	}
}

func (e *Executor) drainExit(exitCh <-chan error) {
	select {
	case <-exitCh:
	case <-time.After(e.cfg.KillGrace):
	}
}

// detectCompletion implements the three completion signals: a creation
// phrase, a fresh prompt box (agent back to idle), or a fenced code block
// together with declared files on disk.
func (e *Executor) detectCompletion(output, dir string, task *OrthogonalTask) bool {
	lower := strings.ToLower(output)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	if strings.Count(output, promptBoxMarker) > 1 {
		return true
	}
	if strings.Contains(output, "```") && workspace.Exists(dir, task.ExpectedOutputs) {
		return true
	}
	return false
}

// workdir creates the isolated directory an attempt runs in: a git
// worktree when enabled, a temp directory otherwise.
func (e *Executor) workdir(ctx context.Context, task *OrthogonalTask) (string, error) {
	if e.cfg.UseWorktree && e.trees != nil {
		inst, err := e.trees.Create(ctx, task.ID)
		if err != nil {
			return "", err
		}
		return inst.Path, nil
	}
	dir, err := workspace.Create(task.ID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.dirs[task.ID] = dir
	e.mu.Unlock()
	return dir, nil
}

// finishWorktree commits the subtask's worktree, naming the files already
// recorded on exec, and merges it when AutoMerge is set.
func (e *Executor) finishWorktree(ctx context.Context, exec *TaskExecution) {
	if !e.cfg.UseWorktree || e.trees == nil {
		return
	}
	inst, ok := e.trees.Get(exec.Task.ID)
	if !ok {
		return
	}
	files := make([]string, 0, len(exec.Files))
	for name := range exec.Files {
		files = append(files, name)
	}
	if err := e.trees.Commit(ctx, inst, files); err != nil {
		e.logger.Warn("worktree commit failed", "task", exec.Task.ID, "error", err)
		return
	}
	if e.cfg.AutoMerge {
		if err := e.trees.Merge(ctx, inst); err != nil {
			e.logger.Warn("worktree merge failed", "task", exec.Task.ID, "error", err)
		}
	}
}

// successUnion snapshots every file collected from completed subtasks so
// far. Orthogonality guarantees the union has no conflicts.
func (e *Executor) successUnion() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.union))
	for k, v := range e.union {
		out[k] = v
	}
	return out
}

func (e *Executor) track(id string, s Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[id] = s
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// CleanupAll kills live sessions, removes temp workspaces and worktrees.
// Idempotent and guarded against reentrant invocation from stacked signal
// handlers.
func (e *Executor) CleanupAll(ctx context.Context) {
	e.mu.Lock()
	if e.cleaning {
		e.mu.Unlock()
		return
	}
	e.cleaning = true
	sessions := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	dirs := make([]string, 0, len(e.dirs))
	for _, d := range e.dirs {
		dirs = append(dirs, d)
	}
	e.sessions = make(map[string]Session)
	e.dirs = make(map[string]string)
	e.mu.Unlock()

	for _, s := range sessions {
		s.Kill()
	}
	for _, d := range dirs {
		if err := workspace.Remove(d); err != nil {
			e.logger.Warn("workspace cleanup failed", "dir", d, "error", err)
		}
	}
	if e.trees != nil {
		e.trees.CleanupAll(ctx)
	}

	e.mu.Lock()
	e.cleaning = false
	e.mu.Unlock()
}
