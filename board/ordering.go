package board

import (
	"mindspace-board/domain"
)

// MoveTask plans moving taskID from sourceGroupID to destGroupID at newIndex.
// Either group id may be the Uncategorized sentinel, which resolves to the
// bucket of the list the move happens in. Nothing is written: the returned
// tasks are the updated copies of every task whose placement changed, the
// moved task first. Invalid moves return an error and no tasks.
func MoveTask(tasks []domain.Task, groups []domain.Group, taskID, sourceGroupID, destGroupID string, newIndex int) ([]domain.Task, error) {
	srcDef, srcOK := lookupGroup(groups, sourceGroupID)
	dstDef, dstOK := lookupGroup(groups, destGroupID)
	if !srcOK || !dstOK {
		return nil, ErrGroupNotFound
	}
	var moving *domain.Task
	for i := range tasks {
		if tasks[i].ID == taskID {
			moving = &tasks[i]
			break
		}
	}
	if moving == nil {
		return nil, ErrTaskNotFound
	}

	srcList := moving.ListID
	if sourceGroupID != domain.UncategorizedGroupID {
		srcList = srcDef.ListID
	}
	dstList := srcList
	if destGroupID != domain.UncategorizedGroupID {
		dstList = dstDef.ListID
	}

	srcMembers := members(tasks, groups, srcList, sourceGroupID)
	from := indexOf(srcMembers, taskID)
	if from < 0 {
		return nil, ErrNotInSourceGroup
	}
	sameGroup := srcList == dstList && sourceGroupID == destGroupID

	var dstMembers []domain.Task
	if sameGroup {
		dstMembers = removeAt(srcMembers, from)
	} else {
		dstMembers = members(tasks, groups, dstList, destGroupID)
	}
	if newIndex < 0 || newIndex > len(dstMembers) {
		return nil, ErrIndexOutOfRange
	}

	moved := moving.Clone()
	moved.ListID = dstList
	moved.GroupID = destGroupID
	if destGroupID == domain.UncategorizedGroupID {
		moved.GroupID = ""
	}
	moved.GroupIndex = newIndex
	moved.Index = newIndex

	out := []domain.Task{moved}
	dstMembers = insertAt(dstMembers, newIndex, moved)
	out = append(out, renumber(dstMembers, taskID)...)
	if !sameGroup {
		out = append(out, renumber(removeAt(srcMembers, from), taskID)...)
	}
	return out, nil
}

// ReorderTasks moves the task at fromIndex to toIndex and rewrites every
// task's Index to its new position. The input slice is left untouched.
func ReorderTasks(tasks []domain.Task, fromIndex, toIndex int) ([]domain.Task, error) {
	if fromIndex < 0 || fromIndex >= len(tasks) || toIndex < 0 || toIndex >= len(tasks) {
		return nil, ErrIndexOutOfRange
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	moved := out[fromIndex]
	out = removeAt(out, fromIndex)
	out = insertAt(out, toIndex, moved)
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

func lookupGroup(groups []domain.Group, id string) (domain.Group, bool) {
	if id == domain.UncategorizedGroupID {
		return domain.Group{ID: id}, true
	}
	for _, g := range groups {
		if g.ID == id {
			return g, true
		}
	}
	return domain.Group{}, false
}

// members derives the ordered members of groupID within listID the same way
// BuildGroups does, so stale group references count as Uncategorized.
func members(tasks []domain.Task, groups []domain.Group, listID, groupID string) []domain.Task {
	derived := BuildGroups(tasks, groups, listID)
	i, ok := findGroup(derived, groupID)
	if !ok {
		return nil
	}
	return derived[i].Tasks
}

// renumber assigns GroupIndex 0..n-1 and returns copies of the tasks whose
// value changed, skipping skipID.
func renumber(tasks []domain.Task, skipID string) []domain.Task {
	var changed []domain.Task
	for i := range tasks {
		if tasks[i].ID == skipID {
			continue
		}
		if tasks[i].GroupIndex != i {
			t := tasks[i].Clone()
			t.GroupIndex = i
			changed = append(changed, t)
		}
	}
	return changed
}

func indexOf(tasks []domain.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(tasks []domain.Task, i int) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	out = append(out, tasks[:i]...)
	return append(out, tasks[i+1:]...)
}

func insertAt(tasks []domain.Task, i int, t domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:i]...)
	out = append(out, t)
	return append(out, tasks[i:]...)
}
