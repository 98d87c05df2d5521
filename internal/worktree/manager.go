// Package worktree manages isolated git worktrees for parallel subtasks:
// one branch and directory per agent instance, auto-commit on completion,
// score-gated merging back to the base branch.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrMergeConflict signals a violated orthogonality assumption: the merge
// is aborted and surfaced, never silently resolved.
var ErrMergeConflict = errors.New("merge conflict")

// GitRunner executes one git invocation in dir and returns combined
// output. Injected so tests can fake git entirely.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// execGit is the default runner.
func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Instance is one live worktree bound to exactly one agent until cleanup.
type Instance struct {
	ID        string
	Path      string
	Branch    string
	Committed bool
	Merged    bool
	CreatedAt time.Time

	// Conflicts lists conflicted paths after a failed merge.
	Conflicts []string
}

// Config for the manager.
type Config struct {
	// RepoPath is the main repository the worktrees hang off.
	RepoPath string

	// BaseBranch is the branch worktrees fork from and merge back to.
	BaseBranch string

	// AutoMerge merges each instance back after a successful commit.
	AutoMerge bool

	// Prefix names branches (<prefix>/<id>/<epoch-ms>) and directories
	// (<repo-parent>/<prefix>-<id>).
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.Prefix == "" {
		c.Prefix = "axiom"
	}
	return c
}

// Manager owns every live worktree instance. Operations on the main
// repository are serialised by a dedicated lock so checkout and merge
// never contend on index.lock.
type Manager struct {
	cfg    Config
	git    GitRunner
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance

	// repoMu serialises git operations on the main repository.
	repoMu sync.Mutex

	now func() time.Time
}

// NewManager creates a worktree manager using the system git binary.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		git:       execGit,
		logger:    logger.With("component", "worktree"),
		instances: make(map[string]*Instance),
		now:       time.Now,
	}
}

// Create adds a worktree for the task id on a fresh branch off the base.
// Fails if the id already has a live instance: no two live instances may
// share a worktree.
func (m *Manager) Create(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.instances[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("worktree for %q already live", id)
	}
	// Reserve the slot before running git so concurrent creates for the
	// same id cannot race.
	inst := &Instance{
		ID:        id,
		Branch:    fmt.Sprintf("%s/%s/%d", m.cfg.Prefix, id, m.now().UnixMilli()),
		Path:      filepath.Join(filepath.Dir(m.cfg.RepoPath), m.cfg.Prefix+"-"+id),
		CreatedAt: m.now(),
	}
	m.instances[id] = inst
	m.mu.Unlock()

	m.repoMu.Lock()
	_, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", inst.Branch, inst.Path, m.cfg.BaseBranch)
	m.repoMu.Unlock()
	if err != nil {
		m.mu.Lock()
		delete(m.instances, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	m.logger.Debug("worktree created", "id", id, "branch", inst.Branch, "path", inst.Path)
	return inst, nil
}

// Get returns the live instance for an id.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Instances returns the live instances.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// Commit stages and commits everything in the instance's worktree. A
// clean tree is not an error; Committed stays false.
func (m *Manager) Commit(ctx context.Context, inst *Instance, files []string) error {
	if _, err := m.git(ctx, inst.Path, "add", "."); err != nil {
		return fmt.Errorf("stage worktree: %w", err)
	}
	status, err := m.git(ctx, inst.Path, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	msg := fmt.Sprintf("Task %s: Created %s", inst.ID, strings.Join(files, ", "))
	if _, err := m.git(ctx, inst.Path, "commit", "-m", msg); err != nil {
		return fmt.Errorf("commit worktree: %w", err)
	}
	inst.Committed = true
	m.logger.Debug("worktree committed", "id", inst.ID, "files", len(files))
	return nil
}

// Merge merges the instance's branch into the base branch. A conflicted
// merge is aborted, the conflicted paths recorded on the instance, and
// ErrMergeConflict returned — orthogonality violations require a human.
func (m *Manager) Merge(ctx context.Context, inst *Instance) error {
	if !inst.Committed {
		return fmt.Errorf("instance %q has nothing committed", inst.ID)
	}
	if inst.Merged {
		return nil
	}

	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	if _, err := m.git(ctx, m.cfg.RepoPath, "checkout", m.cfg.BaseBranch); err != nil {
		return fmt.Errorf("checkout base: %w", err)
	}
	if _, err := m.git(ctx, m.cfg.RepoPath, "merge", inst.Branch); err != nil {
		conflicts, _ := m.git(ctx, m.cfg.RepoPath, "diff", "--name-only", "--diff-filter=U")
		if _, abortErr := m.git(ctx, m.cfg.RepoPath, "merge", "--abort"); abortErr != nil {
			m.logger.Warn("merge abort failed", "id", inst.ID, "error", abortErr)
		}
		inst.Conflicts = splitLines(conflicts)
		m.logger.Warn("merge conflict, aborted",
			"id", inst.ID,
			"branch", inst.Branch,
			"conflicts", inst.Conflicts)
		return fmt.Errorf("%w: branch %s: %v", ErrMergeConflict, inst.Branch, inst.Conflicts)
	}

	inst.Merged = true
	m.logger.Info("worktree merged", "id", inst.ID, "branch", inst.Branch)
	return nil
}

// MergeResult summarises a MergeAll pass.
type MergeResult struct {
	Total  int `json:"total"`
	Merged int `json:"merged"`
	Failed int `json:"failed"`
}

// MergeAll merges every committed-but-unmerged instance. A second call
// with no new commits reports zero merges.
func (m *Manager) MergeAll(ctx context.Context) MergeResult {
	m.mu.Lock()
	pending := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.Committed && !inst.Merged {
			pending = append(pending, inst)
		}
	}
	m.mu.Unlock()

	res := MergeResult{Total: len(pending)}
	for _, inst := range pending {
		if err := m.Merge(ctx, inst); err != nil {
			res.Failed++
			continue
		}
		res.Merged++
	}
	return res
}

// Remove deletes the worktree, falling back to --force when uncommitted
// changes remain, and deletes the branch if it was merged.
func (m *Manager) Remove(ctx context.Context, inst *Instance) error {
	m.repoMu.Lock()
	defer m.repoMu.Unlock()

	if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", inst.Path); err != nil {
		if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", inst.Path); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	if inst.Merged {
		if _, err := m.git(ctx, m.cfg.RepoPath, "branch", "-d", inst.Branch); err != nil {
			m.logger.Debug("branch delete failed", "branch", inst.Branch, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.instances, inst.ID)
	m.mu.Unlock()
	return nil
}

// CleanupAll removes every live worktree. Idempotent: a second call finds
// nothing to do.
func (m *Manager) CleanupAll(ctx context.Context) {
	for _, inst := range m.Instances() {
		if err := m.Remove(ctx, inst); err != nil {
			m.logger.Warn("worktree cleanup failed", "id", inst.ID, "error", err)
		}
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
