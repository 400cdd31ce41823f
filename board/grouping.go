package board

import (
	"sort"
	"strconv"
	"strings"

	"mindspace-board/domain"
)

// OrderedGroup is a derived column: a group definition plus its member tasks
// in display order.
type OrderedGroup struct {
	ID      string        `json:"id"`
	ListID  string        `json:"listId,omitempty"`
	Title   string        `json:"title"`
	Index   int           `json:"index"`
	Tasks   []domain.Task `json:"tasks"`
	TaskIDs []string      `json:"taskIds"`
}

// Column is a partition of tasks sharing one field value.
type Column struct {
	Value string        `json:"value"`
	Tasks []domain.Task `json:"tasks"`
}

// BuildGroups derives the ordered groups of activeListID (every list when
// empty). The Uncategorized bucket always comes first and collects tasks whose
// group is unset or no longer defined for their list.
func BuildGroups(tasks []domain.Task, defs []domain.Group, activeListID string) []OrderedGroup {
	scoped := scopeGroups(defs, activeListID)

	known := make(map[string]int, len(scoped))
	out := make([]OrderedGroup, 0, len(scoped)+1)
	out = append(out, OrderedGroup{ID: domain.UncategorizedGroupID, ListID: activeListID, Title: domain.UncategorizedTitle, Index: -1})
	for _, g := range scoped {
		known[memberKey(g.ListID, g.ID)] = len(out)
		out = append(out, OrderedGroup{ID: g.ID, ListID: g.ListID, Title: g.Title, Index: g.Index})
	}

	for _, t := range tasks {
		if activeListID != "" && t.ListID != activeListID {
			continue
		}
		pos := 0
		if t.GroupID != "" {
			if p, ok := known[memberKey(t.ListID, t.GroupID)]; ok {
				pos = p
			}
		}
		out[pos].Tasks = append(out[pos].Tasks, t)
	}

	for i := range out {
		sortMembers(out[i].Tasks)
		out[i].TaskIDs = taskIDs(out[i].Tasks)
		if out[i].Tasks == nil {
			out[i].Tasks = []domain.Task{}
		}
	}
	return out
}

func scopeGroups(defs []domain.Group, listID string) []domain.Group {
	scoped := make([]domain.Group, 0, len(defs))
	for _, g := range defs {
		if listID == "" || g.ListID == listID {
			scoped = append(scoped, g)
		}
	}
	sort.SliceStable(scoped, func(i, j int) bool { return scoped[i].Index < scoped[j].Index })
	return scoped
}

func memberKey(listID, groupID string) string {
	return listID + "\x00" + groupID
}

// sortMembers orders by GroupIndex when both tasks carry one, by Index
// otherwise.
func sortMembers(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return positionLess(&tasks[i], &tasks[j])
	})
}

func positionLess(a, b *domain.Task) bool {
	if a.HasGroupIndex() && b.HasGroupIndex() {
		return a.GroupIndex < b.GroupIndex
	}
	return a.Index < b.Index
}

func taskIDs(tasks []domain.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// findGroup returns the derived group with id, treating the Uncategorized
// sentinel like any other id.
func findGroup(groups []OrderedGroup, id string) (int, bool) {
	for i, g := range groups {
		if g.ID == id {
			return i, true
		}
	}
	return -1, false
}

// BuildColumnsByField partitions tasks by the literal value of field, in order
// of first appearance. Unknown fields yield nil.
func BuildColumnsByField(tasks []domain.Task, field string) []Column {
	get, ok := fieldValue(field)
	if !ok {
		return nil
	}
	var cols []Column
	index := make(map[string]int)
	for _, t := range tasks {
		v := get(&t)
		i, seen := index[v]
		if !seen {
			i = len(cols)
			index[v] = i
			cols = append(cols, Column{Value: v})
		}
		cols[i].Tasks = append(cols[i].Tasks, t)
	}
	return cols
}

func fieldValue(field string) (func(*domain.Task) string, bool) {
	switch field {
	case "status":
		return func(t *domain.Task) string { return t.Status }, true
	case "priority":
		return func(t *domain.Task) string { return t.Priority }, true
	case "difficulty":
		return func(t *domain.Task) string { return t.Difficulty }, true
	case "assignee":
		return func(t *domain.Task) string { return t.Assignee }, true
	case "listId":
		return func(t *domain.Task) string { return t.ListID }, true
	case "groupId":
		return func(t *domain.Task) string { return t.GroupID }, true
	case "isPinned":
		return func(t *domain.Task) string { return strconv.FormatBool(t.IsPinned) }, true
	case "isCompleted":
		return func(t *domain.Task) string { return strconv.FormatBool(t.IsCompleted) }, true
	case "progress":
		return func(t *domain.Task) string { return strconv.Itoa(t.Progress) }, true
	case "tags":
		return func(t *domain.Task) string { return strings.Join(t.Tags, ",") }, true
	case "categories":
		return func(t *domain.Task) string { return strings.Join(t.Categories, ",") }, true
	}
	return nil, false
}
