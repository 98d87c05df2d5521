package worktree

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// fakeGit records invocations and replies from a script keyed by the
// first matching command prefix.
type fakeGit struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]string // command prefix -> error text
	out   map[string]string // command prefix -> stdout
}

func newFakeGit() *fakeGit {
	return &fakeGit{fail: map[string]string{}, out: map[string]string{}}
}

func (f *fakeGit) runner() GitRunner {
	return func(ctx context.Context, dir string, args ...string) (string, error) {
		cmd := strings.Join(args, " ")
		f.mu.Lock()
		f.calls = append(f.calls, cmd)
		f.mu.Unlock()
		for prefix, msg := range f.fail {
			if strings.HasPrefix(cmd, prefix) {
				return "", errors.New(msg)
			}
		}
		for prefix, out := range f.out {
			if strings.HasPrefix(cmd, prefix) {
				return out, nil
			}
		}
		return "", nil
	}
}

func (f *fakeGit) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, git *fakeGit, cfg Config) *Manager {
	t.Helper()
	if cfg.RepoPath == "" {
		cfg.RepoPath = "/repo/project"
	}
	m := NewManager(cfg, nil)
	m.git = git.runner()
	return m
}

func TestCreate_BranchAndPathNaming(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git, Config{})

	inst, err := m.Create(context.Background(), "models")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	branchPattern := regexp.MustCompile(`^axiom/models/\d+$`)
	if !branchPattern.MatchString(inst.Branch) {
		t.Errorf("branch = %q, want axiom/models/<epoch-ms>", inst.Branch)
	}
	if inst.Path != "/repo/axiom-models" {
		t.Errorf("path = %q", inst.Path)
	}
	if git.called("worktree add -b "+inst.Branch) != 1 {
		t.Errorf("worktree add not invoked: %v", git.calls)
	}
}

func TestCreate_RejectsLiveDuplicate(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git, Config{})

	if _, err := m.Create(context.Background(), "routes"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(context.Background(), "routes"); err == nil {
		t.Error("second live worktree for the same id must be rejected")
	}
}

func TestCommit_SkipsCleanTree(t *testing.T) {
	git := newFakeGit()
	git.out["status --porcelain"] = "\n"
	m := newTestManager(t, git, Config{})

	inst, _ := m.Create(context.Background(), "tests")
	if err := m.Commit(context.Background(), inst, []string{"a_test.go"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if inst.Committed {
		t.Error("clean tree must not mark committed")
	}
	if git.called("commit") != 0 {
		t.Error("commit must not run on a clean tree")
	}
}

func TestCommit_CommitsChanges(t *testing.T) {
	git := newFakeGit()
	git.out["status --porcelain"] = " M routes.go\n"
	m := newTestManager(t, git, Config{})

	inst, _ := m.Create(context.Background(), "routes")
	if err := m.Commit(context.Background(), inst, []string{"routes.go"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !inst.Committed {
		t.Error("committed flag not set")
	}
	if git.called("commit -m Task routes: Created routes.go") != 1 {
		t.Errorf("commit message wrong: %v", git.calls)
	}
}

func TestMerge_Success(t *testing.T) {
	git := newFakeGit()
	git.out["status --porcelain"] = "M x\n"
	m := newTestManager(t, git, Config{BaseBranch: "main"})

	inst, _ := m.Create(context.Background(), "config")
	_ = m.Commit(context.Background(), inst, []string{"config.go"})

	if err := m.Merge(context.Background(), inst); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !inst.Merged {
		t.Error("merged flag not set")
	}
	if git.called("checkout main") != 1 {
		t.Error("merge must checkout base first")
	}
}

func TestMerge_ConflictAbortsAndSurfaces(t *testing.T) {
	git := newFakeGit()
	git.out["status --porcelain"] = "M x\n"
	git.fail["merge axiom/"] = "CONFLICT (content): merge conflict in shared.go"
	git.out["diff --name-only --diff-filter=U"] = "shared.go\n"
	m := newTestManager(t, git, Config{})

	inst, _ := m.Create(context.Background(), "mw")
	_ = m.Commit(context.Background(), inst, []string{"shared.go"})

	err := m.Merge(context.Background(), inst)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
	if git.called("merge --abort") != 1 {
		t.Error("conflicted merge must be aborted")
	}
	if len(inst.Conflicts) != 1 || inst.Conflicts[0] != "shared.go" {
		t.Errorf("conflicts = %v", inst.Conflicts)
	}
	if inst.Merged {
		t.Error("conflicted instance must not be marked merged")
	}
}

func TestMergeAll_SecondCallMergesNothing(t *testing.T) {
	git := newFakeGit()
	git.out["status --porcelain"] = "M x\n"
	m := newTestManager(t, git, Config{})

	for _, id := range []string{"models", "routes", "tests"} {
		inst, err := m.Create(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Commit(context.Background(), inst, []string{id + ".go"}); err != nil {
			t.Fatal(err)
		}
	}

	first := m.MergeAll(context.Background())
	if first.Total != 3 || first.Merged != 3 || first.Failed != 0 {
		t.Errorf("first MergeAll = %+v", first)
	}

	second := m.MergeAll(context.Background())
	if second.Merged != 0 {
		t.Errorf("second MergeAll merged %d, want 0", second.Merged)
	}
}

func TestRemove_ForceFallback(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git, Config{})

	inst, _ := m.Create(context.Background(), "dirty")
	git.fail["worktree remove /repo/axiom-dirty"] = "contains modified or untracked files"

	if err := m.Remove(context.Background(), inst); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if git.called("worktree remove --force") != 1 {
		t.Errorf("expected --force fallback: %v", git.calls)
	}
	if _, live := m.Get("dirty"); live {
		t.Error("removed instance still registered")
	}
}

func TestCleanupAll_Idempotent(t *testing.T) {
	git := newFakeGit()
	m := newTestManager(t, git, Config{})

	for i := 0; i < 3; i++ {
		if _, err := m.Create(context.Background(), fmt.Sprintf("t%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	m.CleanupAll(context.Background())
	if len(m.Instances()) != 0 {
		t.Fatalf("instances remain after cleanup: %d", len(m.Instances()))
	}

	before := git.called("worktree remove")
	m.CleanupAll(context.Background())
	if git.called("worktree remove") != before {
		t.Error("second CleanupAll must be a no-op")
	}
}
