package domain

import (
	"math/rand"
	"sort"
	"testing"
)

func board(tasks ...Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}

func task(id string, status Status, pos int) Task {
	return Task{ID: id, Title: id, Status: status, Position: pos, ProjectID: "p1"}
}

func positionsOf(t *testing.T, tasks []Task, status Status) map[string]int {
	t.Helper()
	out := map[string]int{}
	for _, tk := range tasks {
		if tk.Status == status {
			out[tk.ID] = tk.Position
		}
	}
	return out
}

func assertContiguous(t *testing.T, tasks []Task) {
	t.Helper()
	for _, status := range []Status{StatusTodo, StatusInProgress, StatusDone} {
		var positions []int
		for _, tk := range tasks {
			if tk.Status == status {
				positions = append(positions, tk.Position)
			}
		}
		sort.Ints(positions)
		for i, p := range positions {
			if p != i {
				t.Fatalf("column %s positions not contiguous: %v", status, positions)
			}
		}
	}
}

func TestApplyMoveAcrossColumns(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
		task("c", StatusTodo, 2),
		task("x", StatusInProgress, 0),
		task("y", StatusInProgress, 1),
	)

	moved, ok := ApplyMove(tasks, "b", StatusInProgress, 1)
	if !ok {
		t.Fatal("task not found")
	}
	if moved.Status != StatusInProgress || moved.Position != 1 {
		t.Fatalf("moved to (%s,%d)", moved.Status, moved.Position)
	}

	todo := positionsOf(t, tasks, StatusTodo)
	if todo["a"] != 0 || todo["c"] != 1 {
		t.Fatalf("old column positions %v", todo)
	}
	inprog := positionsOf(t, tasks, StatusInProgress)
	if inprog["x"] != 0 || inprog["b"] != 1 || inprog["y"] != 2 {
		t.Fatalf("new column positions %v", inprog)
	}
	assertContiguous(t, tasks)
}

func TestApplyMoveWithinColumnDown(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
		task("c", StatusTodo, 2),
		task("d", StatusTodo, 3),
	)

	if _, ok := ApplyMove(tasks, "a", StatusTodo, 2); !ok {
		t.Fatal("task not found")
	}
	want := map[string]int{"b": 0, "c": 1, "a": 2, "d": 3}
	got := positionsOf(t, tasks, StatusTodo)
	for id, pos := range want {
		if got[id] != pos {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	assertContiguous(t, tasks)
}

func TestApplyMoveWithinColumnUp(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
		task("c", StatusTodo, 2),
		task("d", StatusTodo, 3),
	)

	if _, ok := ApplyMove(tasks, "d", StatusTodo, 1); !ok {
		t.Fatal("task not found")
	}
	want := map[string]int{"a": 0, "d": 1, "b": 2, "c": 3}
	got := positionsOf(t, tasks, StatusTodo)
	for id, pos := range want {
		if got[id] != pos {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	assertContiguous(t, tasks)
}

func TestApplyMoveSamePositionIsNoop(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
	)
	before := CloneTasks(tasks)

	moved, ok := ApplyMove(tasks, "b", StatusTodo, 1)
	if !ok {
		t.Fatal("task not found")
	}
	if moved.Position != 1 {
		t.Fatalf("position changed to %d", moved.Position)
	}
	for i := range before {
		if tasks[i] != before[i] {
			t.Fatalf("board changed: %+v", tasks[i])
		}
	}
}

func TestApplyMoveClampsWithinColumn(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
		task("c", StatusTodo, 2),
	)

	moved, _ := ApplyMove(tasks, "a", StatusTodo, 99)
	if moved.Position != 2 {
		t.Fatalf("clamped to %d, want 2", moved.Position)
	}
	moved, _ = ApplyMove(tasks, "a", StatusTodo, -5)
	if moved.Position != 0 {
		t.Fatalf("clamped to %d, want 0", moved.Position)
	}
	assertContiguous(t, tasks)
}

func TestApplyMoveClampsAcrossColumns(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("x", StatusDone, 0),
		task("y", StatusDone, 1),
	)

	// Two tasks in done, so position 2 is the append slot and anything
	// beyond clamps to it.
	moved, _ := ApplyMove(tasks, "a", StatusDone, 10)
	if moved.Position != 2 {
		t.Fatalf("clamped to %d, want 2", moved.Position)
	}
	assertContiguous(t, tasks)
}

func TestApplyMoveIntoEmptyColumn(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
	)

	moved, _ := ApplyMove(tasks, "b", StatusDone, 5)
	if moved.Status != StatusDone || moved.Position != 0 {
		t.Fatalf("moved to (%s,%d)", moved.Status, moved.Position)
	}
	if got := positionsOf(t, tasks, StatusTodo); got["a"] != 0 {
		t.Fatalf("old column %v", got)
	}
}

func TestApplyMoveUnknownID(t *testing.T) {
	tasks := board(task("a", StatusTodo, 0))
	if _, ok := ApplyMove(tasks, "nope", StatusDone, 0); ok {
		t.Fatal("expected not found")
	}
}

func TestApplyRemoveShiftsSiblings(t *testing.T) {
	tasks := board(
		task("a", StatusTodo, 0),
		task("b", StatusTodo, 1),
		task("c", StatusTodo, 2),
		task("x", StatusDone, 0),
	)

	out, ok := ApplyRemove(tasks, "b")
	if !ok {
		t.Fatal("task not found")
	}
	if len(out) != 3 {
		t.Fatalf("len %d", len(out))
	}
	got := positionsOf(t, out, StatusTodo)
	if got["a"] != 0 || got["c"] != 1 {
		t.Fatalf("positions %v", got)
	}
	assertContiguous(t, out)
}

func TestApplyRemoveUnknownID(t *testing.T) {
	tasks := board(task("a", StatusTodo, 0))
	out, ok := ApplyRemove(tasks, "nope")
	if ok || len(out) != 1 {
		t.Fatalf("ok=%v len=%d", ok, len(out))
	}
}

func TestRandomMovesKeepColumnsContiguous(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []Status{StatusTodo, StatusInProgress, StatusDone}

	tasks := board(
		task("t0", StatusTodo, 0),
		task("t1", StatusTodo, 1),
		task("t2", StatusTodo, 2),
		task("t3", StatusInProgress, 0),
		task("t4", StatusInProgress, 1),
		task("t5", StatusDone, 0),
	)
	ids := []string{"t0", "t1", "t2", "t3", "t4", "t5"}

	for i := 0; i < 500; i++ {
		id := ids[rng.Intn(len(ids))]
		status := statuses[rng.Intn(len(statuses))]
		pos := rng.Intn(8) - 1
		if _, ok := ApplyMove(tasks, id, status, pos); !ok {
			t.Fatalf("iteration %d: %s not found", i, id)
		}
		assertContiguous(t, tasks)
	}
}
