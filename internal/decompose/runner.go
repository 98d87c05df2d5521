package decompose

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/axiom/internal/supervisor"
)

// AgentRunner launches a PTY supervisor per subtask attempt, with the
// subtask's workspace as the agent's working directory.
type AgentRunner struct {
	// Base is the supervisor configuration shared by all subtasks; Dir is
	// overridden per attempt.
	Base   supervisor.Config
	Logger *slog.Logger
}

// Start implements Runner.
func (r *AgentRunner) Start(ctx context.Context, task *OrthogonalTask, workdir string, onChunk func(string)) (Session, <-chan error, error) {
	cfg := r.Base
	cfg.Dir = workdir
	sup := supervisor.New(cfg, r.Logger)

	exit := make(chan error, 1)
	go func() {
		_, err := sup.Execute(ctx, task.Prompt, "", 0, onChunk)
		exit <- err
	}()
	return sup, exit, nil
}
