package tasks

import (
	"testing"
	"time"

	"github.com/haasonsaas/axiom/pkg/models"
)

type fakeExecutor struct {
	interrupted int
	injected    []string
	running     bool
}

func (f *fakeExecutor) Inject(command string) error { f.injected = append(f.injected, command); return nil }
func (f *fakeExecutor) Write(data string) error     { return nil }
func (f *fakeExecutor) Interrupt() error            { f.interrupted++; return nil }
func (f *fakeExecutor) Kill()                       { f.running = false }
func (f *fakeExecutor) Running() bool               { return f.running }
func (f *fakeExecutor) Output() string              { return "" }

func TestRegistry_CreateUniqueIDs(t *testing.T) {
	r := NewRegistry(nil)

	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := r.Create("spawn", "prompt", 0)
		if seen[id] {
			t.Fatalf("duplicate task id %d", id)
		}
		seen[id] = true
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Create("spawn", "build a thing", 0)

	task, ok := r.Get(id)
	if !ok {
		t.Fatal("task not found after create")
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}

	exec := &fakeExecutor{running: true}
	if !r.Start(id, exec) {
		t.Fatal("Start failed")
	}
	r.AppendOutput(id, "hello ")
	r.AppendOutput(id, "world")

	task, _ = r.Get(id)
	if task.Output != "hello world" {
		t.Errorf("output = %q", task.Output)
	}

	if !r.Complete(id, "final output") {
		t.Fatal("Complete failed")
	}
	task, _ = r.Get(id)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if task.Output != "final output" {
		t.Errorf("output = %q", task.Output)
	}
	if task.EndedAt.IsZero() {
		t.Error("EndedAt not set")
	}
}

func TestRegistry_StatusMonotonic(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Create("spawn", "p", 0)
	r.Start(id, &fakeExecutor{})
	r.Complete(id, "done")

	if r.Fail(id, "late failure") {
		t.Error("terminal task must not transition to failed")
	}
	if r.Start(id, &fakeExecutor{}) {
		t.Error("terminal task must not restart")
	}
	task, _ := r.Get(id)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
}

func TestRegistry_InterruptResume(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Create("spawn", "p", 0)
	exec := &fakeExecutor{running: true}
	r.Start(id, exec)

	if !r.Interrupt(id, "pattern hit") {
		t.Fatal("Interrupt failed")
	}
	if exec.interrupted != 1 {
		t.Errorf("executor interrupted %d times, want 1", exec.interrupted)
	}
	task, _ := r.Get(id)
	if task.Status != models.TaskStatusInterrupted {
		t.Errorf("status = %s, want interrupted", task.Status)
	}

	// The one allowed backwards transition.
	if !r.Resume(id) {
		t.Fatal("Resume failed")
	}
	task, _ = r.Get(id)
	if task.Status != models.TaskStatusRunning {
		t.Errorf("status = %s, want running", task.Status)
	}
}

func TestRegistry_InterruptRequiresRunning(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Create("spawn", "p", 0)

	if r.Interrupt(id, "") {
		t.Error("pending task must not be interruptible")
	}
}

func TestRegistry_FailAlwaysHasReason(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Create("spawn", "p", 0)
	r.Start(id, &fakeExecutor{})
	r.Fail(id, "")

	task, _ := r.Get(id)
	if task.Error == "" {
		t.Error("failed task must carry a non-empty error")
	}
}

func TestRegistry_Hierarchy(t *testing.T) {
	r := NewRegistry(nil)
	root := r.Create("orchestrate", "root", 0)
	childA := r.Create("spawn", "a", root)
	_ = r.Create("spawn", "b", root)
	grandchild := r.Create("spawn", "a.1", childA)

	tree := r.Hierarchy(root)
	if len(tree) != 3 {
		t.Fatalf("hierarchy size = %d, want 3", len(tree))
	}

	found := false
	for _, task := range tree {
		if task.ID == grandchild {
			found = true
		}
	}
	if !found {
		t.Error("hierarchy must be transitive")
	}
}

func TestRegistry_Running(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Create("spawn", "a", 0)
	b := r.Create("spawn", "b", 0)
	r.Start(a, &fakeExecutor{})
	r.Start(b, &fakeExecutor{})
	r.Complete(b, "done")

	running := r.Running()
	if len(running) != 1 || running[0].ID != a {
		t.Errorf("running = %v", running)
	}
}

func TestRegistry_Cleanup(t *testing.T) {
	r := NewRegistry(nil)
	old := r.Create("spawn", "old", 0)
	r.Start(old, &fakeExecutor{})
	r.Complete(old, "done")

	// Backdate the end time past the sweep age.
	r.mu.Lock()
	r.tasks[old].EndedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	live := r.Create("spawn", "live", 0)
	r.Start(live, &fakeExecutor{})

	removed := r.Cleanup(time.Hour)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := r.Get(old); ok {
		t.Error("old terminal task should be swept")
	}
	if _, ok := r.Get(live); !ok {
		t.Error("running task must survive cleanup")
	}
}

func TestRegistry_TransitionListener(t *testing.T) {
	r := NewRegistry(nil)

	type change struct{ from, to models.TaskStatus }
	var changes []change
	r.OnTransition(func(task *models.Task, from, to models.TaskStatus) {
		changes = append(changes, change{from, to})
	})

	id := r.Create("spawn", "p", 0)
	r.Start(id, &fakeExecutor{})
	r.Complete(id, "out")

	want := []change{
		{models.TaskStatusPending, models.TaskStatusRunning},
		{models.TaskStatusRunning, models.TaskStatusCompleted},
	}
	if len(changes) != len(want) {
		t.Fatalf("transitions = %v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, changes[i], want[i])
		}
	}
}
