package state

import (
	"testing"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

func statusFixture() map[string]*models.ExerciseStatus {
	return map[string]*models.ExerciseStatus{
		"ex-1": {
			UUID: "ex-1",
			Name: "drill",
			Tasks: map[string]*models.TaskStatus{
				"task-1": {UUID: "task-1", Name: "first", Score: 10},
				"task-2": {UUID: "task-2", Name: "second", Score: 20},
			},
			MaxScore: 30,
		},
	}
}

func TestObserveEmail(t *testing.T) {
	g := New()
	if !g.ObserveEmail(1, "blue@exercise.test") {
		t.Fatal("first sighting should report true")
	}
	if g.ObserveEmail(1, "other@exercise.test") {
		t.Fatal("repeat sighting should report false")
	}
	if email, _ := g.EmailOf(1); email != "blue@exercise.test" {
		t.Fatalf("the first binding wins, got %q", email)
	}
	if id, ok := g.UserIDFor("blue@exercise.test"); !ok || id != 1 {
		t.Fatalf("reverse lookup: (%d, %v)", id, ok)
	}
}

func TestIsFullyKnown(t *testing.T) {
	g := New()
	g.ObserveEmail(1, "blue@exercise.test")
	if g.IsFullyKnown(1) {
		t.Fatal("email alone is not fully known")
	}
	g.ObserveAuthkey(1, "key")
	if !g.IsFullyKnown(1) {
		t.Fatal("email plus authkey is fully known")
	}
}

func TestKnownUsersSorted(t *testing.T) {
	g := New()
	g.ObserveEmail(9, "c@x.test")
	g.ObserveEmail(1, "a@x.test")
	g.ObserveEmail(5, "b@x.test")
	users := g.KnownUsers()
	if len(users) != 3 || users[0] != 1 || users[1] != 5 || users[2] != 9 {
		t.Fatalf("got %v", users)
	}
}

func TestSelection(t *testing.T) {
	g := New()
	g.SetSelected("ex-1", true)
	g.SetSelected("ex-2", true)
	g.SetSelected("ex-1", true) // idempotent
	if got := g.Selected(); len(got) != 2 || got[0] != "ex-1" || got[1] != "ex-2" {
		t.Fatalf("got %v", got)
	}
	g.SetSelected("ex-1", false)
	if g.IsSelected("ex-1") || !g.IsSelected("ex-2") {
		t.Fatal("deselection removed the wrong entry")
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	g := New()
	g.SetStatuses(statusFixture())

	if !g.MarkCompleted("ex-1", "task-1", 1) {
		t.Fatal("known task should mark")
	}
	if !g.MarkCompleted("ex-1", "task-1", 1) {
		t.Fatal("repeat marking is still true")
	}
	status, _ := g.StatusFor("ex-1")
	if len(status.Tasks["task-1"].CompletedBy) != 1 {
		t.Fatal("repeat marking must not duplicate the entry")
	}
	if g.MarkCompleted("ex-1", "nope", 1) {
		t.Fatal("unknown task must not mark")
	}
	if g.MarkCompleted("nope", "task-1", 1) {
		t.Fatal("unknown exercise must not mark")
	}
}

func TestFirstCompletionFlag(t *testing.T) {
	g := New()
	g.SetStatuses(statusFixture())
	clock := 100.0
	g.now = func() float64 { clock++; return clock }

	g.MarkCompleted("ex-1", "task-1", 1)
	g.MarkCompleted("ex-1", "task-1", 2)
	g.MarkCompleted("ex-1", "task-1", 3)

	status, _ := g.StatusFor("ex-1")
	task := status.Tasks["task-1"]
	firsts := 0
	for _, entry := range task.CompletedBy {
		if entry.FirstCompletion {
			firsts++
			if entry.UserID != 1 {
				t.Fatalf("earliest completion belongs to user 1, got %d", entry.UserID)
			}
		}
	}
	if firsts != 1 {
		t.Fatalf("exactly one first_completion flag, got %d", firsts)
	}

	// Removing the first holder moves the flag to the next earliest.
	g.MarkIncomplete("ex-1", "task-1", 1)
	firsts = 0
	for _, entry := range task.CompletedBy {
		if entry.FirstCompletion {
			firsts++
			if entry.UserID != 2 {
				t.Fatalf("flag should move to user 2, got %d", entry.UserID)
			}
		}
	}
	if firsts != 1 {
		t.Fatalf("exactly one first_completion flag after removal, got %d", firsts)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := New()
	g.SetStatuses(statusFixture())
	g.ObserveEmail(1, "blue@exercise.test")
	g.ObserveAuthkey(1, "key-1")
	g.SetSelected("ex-1", true)
	g.MarkCompleted("ex-1", "task-1", 1)

	snap := g.Snapshot()

	// The snapshot is a deep copy: later mutations do not leak in.
	g.MarkCompleted("ex-1", "task-2", 1)
	if len(snap.ExercisesStatus["ex-1"].Tasks["task-2"].CompletedBy) != 0 {
		t.Fatal("snapshot must be isolated from later mutations")
	}

	restored := New()
	restored.Restore(snap)
	if email, _ := restored.EmailOf(1); email != "blue@exercise.test" {
		t.Fatal("restore lost the email map")
	}
	if !restored.IsSelected("ex-1") {
		t.Fatal("restore lost the selection")
	}
	status, ok := restored.StatusFor("ex-1")
	if !ok || status.Tasks["task-1"].EntryFor(1) == nil {
		t.Fatal("restore lost the completions")
	}
	if status.Tasks["task-2"].EntryFor(1) != nil {
		t.Fatal("restore carried state from after the snapshot")
	}
}

func TestReset(t *testing.T) {
	g := New()
	g.SetStatuses(statusFixture())
	g.ObserveEmail(1, "blue@exercise.test")
	g.SetSelected("ex-1", true)

	g.Reset()
	if len(g.KnownUsers()) != 0 || len(g.Selected()) != 0 {
		t.Fatal("reset must drop identity and selection")
	}
	if _, ok := g.StatusFor("ex-1"); ok {
		t.Fatal("reset must drop statuses")
	}
}
