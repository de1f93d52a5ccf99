package domain

// The move arithmetic below is shared by the client store and the
// authority so a speculative move and its authoritative recomputation
// produce identical positions.

// ClampPosition bounds pos to [0, length].
func ClampPosition(pos, length int) int {
	if pos < 0 {
		return 0
	}
	if pos > length {
		return length
	}
	return pos
}

// ColumnLength counts the tasks of project-local slice tasks that sit in
// the given column.
func ColumnLength(tasks []Task, status Status) int {
	n := 0
	for i := range tasks {
		if tasks[i].Status == status {
			n++
		}
	}
	return n
}

// shiftAcrossColumns recomputes positions for a move that changes column.
// Siblings after the vacated slot shift down; occupants at or after the
// target slot shift up. The moved task itself is not touched.
func shiftAcrossColumns(tasks []Task, movedID string, oldStatus Status, oldPos int, newStatus Status, newPos int) {
	for i := range tasks {
		t := &tasks[i]
		if t.ID == movedID {
			continue
		}
		switch t.Status {
		case oldStatus:
			if t.Position > oldPos {
				t.Position--
			}
		case newStatus:
			if t.Position >= newPos {
				t.Position++
			}
		}
	}
}

// shiftWithinColumn recomputes sibling positions for a reorder inside one
// column. Moving down closes the gap behind the task; moving up opens a
// slot in front of it.
func shiftWithinColumn(tasks []Task, movedID string, status Status, oldPos, newPos int) {
	for i := range tasks {
		t := &tasks[i]
		if t.ID == movedID || t.Status != status {
			continue
		}
		if newPos > oldPos {
			if t.Position > oldPos && t.Position <= newPos {
				t.Position--
			}
		} else {
			if t.Position >= newPos && t.Position < oldPos {
				t.Position++
			}
		}
	}
}

// ApplyMove moves the task with the given id to (newStatus, newPos),
// recomputing sibling positions in place. newPos is clamped to the valid
// range for the target column. It returns the moved task and false when
// the id is not present.
func ApplyMove(tasks []Task, id string, newStatus Status, newPos int) (Task, bool) {
	var moved *Task
	for i := range tasks {
		if tasks[i].ID == id {
			moved = &tasks[i]
			break
		}
	}
	if moved == nil {
		return Task{}, false
	}

	oldStatus, oldPos := moved.Status, moved.Position
	if oldStatus == newStatus {
		// Length after removing the task from its own column.
		newPos = ClampPosition(newPos, ColumnLength(tasks, oldStatus)-1)
		if newPos == oldPos {
			return *moved, true
		}
		shiftWithinColumn(tasks, id, oldStatus, oldPos, newPos)
	} else {
		// The task is not in the target column yet, so the full column
		// length is a valid append slot.
		newPos = ClampPosition(newPos, ColumnLength(tasks, newStatus))
		shiftAcrossColumns(tasks, id, oldStatus, oldPos, newStatus, newPos)
	}
	moved.Status = newStatus
	moved.Position = newPos
	return *moved, true
}

// ApplyRemove deletes the task with the given id and shifts later siblings
// in its column down by one. It reports whether the id was present.
func ApplyRemove(tasks []Task, id string) ([]Task, bool) {
	idx := -1
	for i := range tasks {
		if tasks[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return tasks, false
	}
	removed := tasks[idx]
	out := append(tasks[:idx:idx], tasks[idx+1:]...)
	for i := range out {
		t := &out[i]
		if t.Status == removed.Status && t.Position > removed.Position {
			t.Position--
		}
	}
	return out, true
}
