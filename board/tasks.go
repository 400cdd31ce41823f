package board

import (
	"sort"

	"mindspace-board/domain"
)

// TaskRepository owns the canonical task collection of one session. It keeps
// insertion order so every derivation over it is deterministic.
type TaskRepository struct {
	byID  map[string]*domain.Task
	order []string
}

// NewTaskRepository returns an empty repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{byID: make(map[string]*domain.Task)}
}

// Len returns the number of tasks.
func (r *TaskRepository) Len() int {
	return len(r.order)
}

// Add stores a copy of task. It reports false when the id is empty or taken.
func (r *TaskRepository) Add(task domain.Task) bool {
	if task.ID == "" {
		return false
	}
	if _, ok := r.byID[task.ID]; ok {
		return false
	}
	cpy := task.Clone()
	r.byID[task.ID] = &cpy
	r.order = append(r.order, task.ID)
	return true
}

// Get returns a copy of the task with id.
func (r *TaskRepository) Get(id string) (domain.Task, bool) {
	t, ok := r.byID[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// Update merges patch into the task and returns the updated copy.
func (r *TaskRepository) Update(id string, patch domain.TaskPatch) (domain.Task, bool) {
	t, ok := r.byID[id]
	if !ok {
		return domain.Task{}, false
	}
	patch.Apply(t)
	return t.Clone(), true
}

// put replaces a stored task wholesale. Only the engine's commit paths use it,
// after a plan has been validated.
func (r *TaskRepository) put(task domain.Task) bool {
	t, ok := r.byID[task.ID]
	if !ok {
		return false
	}
	*t = task.Clone()
	return true
}

// Remove deletes the task, its subtasks (recursively) and the reference held
// by its parent. It returns the removed ids, the task itself first.
func (r *TaskRepository) Remove(id string) ([]string, bool) {
	t, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if t.ParentTaskID != "" {
		if parent, ok := r.byID[t.ParentTaskID]; ok {
			parent.SubtaskIDs = without(parent.SubtaskIDs, id)
		}
	}

	removed := r.collectSubtree(id, nil)
	gone := make(map[string]struct{}, len(removed))
	for _, rid := range removed {
		gone[rid] = struct{}{}
		delete(r.byID, rid)
	}
	kept := r.order[:0]
	for _, oid := range r.order {
		if _, ok := gone[oid]; !ok {
			kept = append(kept, oid)
		}
	}
	r.order = kept
	return removed, true
}

func (r *TaskRepository) collectSubtree(id string, acc []string) []string {
	acc = append(acc, id)
	for _, cid := range r.childIDs(id) {
		acc = r.collectSubtree(cid, acc)
	}
	return acc
}

// childIDs merges the parent's SubtaskIDs with any task pointing at it, so a
// child missing from SubtaskIDs is still found.
func (r *TaskRepository) childIDs(parentID string) []string {
	var ids []string
	seen := make(map[string]struct{})
	if parent, ok := r.byID[parentID]; ok {
		for _, cid := range parent.SubtaskIDs {
			if c, ok := r.byID[cid]; ok && c.ParentTaskID == parentID {
				if _, dup := seen[cid]; !dup {
					seen[cid] = struct{}{}
					ids = append(ids, cid)
				}
			}
		}
	}
	for _, oid := range r.order {
		if _, dup := seen[oid]; dup {
			continue
		}
		if r.byID[oid].ParentTaskID == parentID {
			seen[oid] = struct{}{}
			ids = append(ids, oid)
		}
	}
	return ids
}

// Children returns the direct subtasks of parentID in SubtaskIDs order.
func (r *TaskRepository) Children(parentID string) []domain.Task {
	ids := r.childIDs(parentID)
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// TopLevel returns tasks without a parent in listID (all lists when empty),
// ordered by Index.
func (r *TaskRepository) TopLevel(listID string) []domain.Task {
	out := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		t := r.byID[id]
		if t.ParentTaskID != "" {
			continue
		}
		if listID != "" && t.ListID != listID {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// All returns every task in insertion order.
func (r *TaskRepository) All() []domain.Task {
	out := make([]domain.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// Replace swaps the tasks of listID (every task when empty) for tasks.
// Tasks of other lists are kept.
func (r *TaskRepository) Replace(listID string, tasks []domain.Task) {
	byID := make(map[string]*domain.Task, len(r.byID)+len(tasks))
	order := make([]string, 0, len(r.order)+len(tasks))
	if listID != "" {
		for _, id := range r.order {
			t := r.byID[id]
			if t.ListID != listID {
				byID[id] = t
				order = append(order, id)
			}
		}
	}
	for _, t := range tasks {
		if t.ID == "" {
			continue
		}
		if _, dup := byID[t.ID]; dup {
			continue
		}
		cpy := t.Clone()
		byID[t.ID] = &cpy
		order = append(order, t.ID)
	}
	r.byID = byID
	r.order = order
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
