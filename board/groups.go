package board

import (
	"sort"

	"mindspace-board/domain"
)

// GroupOrder assigns a display order to a group in ReorderGroups.
type GroupOrder struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// GroupRepository owns the group (column) definitions and todo lists of one
// session, plus the active list selection.
type GroupRepository struct {
	groups     map[string]*domain.Group
	groupOrder []string
	lists      map[string]*domain.TodoList
	listOrder  []string
	activeList string
}

// NewGroupRepository returns an empty repository.
func NewGroupRepository() *GroupRepository {
	return &GroupRepository{
		groups: make(map[string]*domain.Group),
		lists:  make(map[string]*domain.TodoList),
	}
}

// AddGroup stores a copy of g. It reports false for an empty or taken id.
func (r *GroupRepository) AddGroup(g domain.Group) bool {
	if g.ID == "" || g.ID == domain.UncategorizedGroupID {
		return false
	}
	if _, ok := r.groups[g.ID]; ok {
		return false
	}
	cpy := g
	r.groups[g.ID] = &cpy
	r.groupOrder = append(r.groupOrder, g.ID)
	return true
}

// Group returns a copy of the group definition with id.
func (r *GroupRepository) Group(id string) (domain.Group, bool) {
	g, ok := r.groups[id]
	if !ok {
		return domain.Group{}, false
	}
	return *g, true
}

// UpdateGroup renames the group.
func (r *GroupRepository) UpdateGroup(id, title string) (domain.Group, bool) {
	g, ok := r.groups[id]
	if !ok {
		return domain.Group{}, false
	}
	g.Title = title
	return *g, true
}

// RemoveGroup deletes the definition. Member tasks keep their GroupID and
// fall into Uncategorized on the next derivation.
func (r *GroupRepository) RemoveGroup(id string) bool {
	if _, ok := r.groups[id]; !ok {
		return false
	}
	delete(r.groups, id)
	r.groupOrder = without(r.groupOrder, id)
	return true
}

// Groups returns the definitions of listID (all when empty) in insertion order.
func (r *GroupRepository) Groups(listID string) []domain.Group {
	out := make([]domain.Group, 0, len(r.groupOrder))
	for _, id := range r.groupOrder {
		g := r.groups[id]
		if listID == "" || g.ListID == listID {
			out = append(out, *g)
		}
	}
	return out
}

// NextGroupIndex returns the index a new group of listID is appended at.
func (r *GroupRepository) NextGroupIndex(listID string) int {
	next := 0
	for _, g := range r.groups {
		if g.ListID == listID && g.Index >= next {
			next = g.Index + 1
		}
	}
	return next
}

// ReorderGroupIDs reorders using an ordered id list.
func (r *GroupRepository) ReorderGroupIDs(ids []string) []domain.Group {
	order := make([]GroupOrder, len(ids))
	for i, id := range ids {
		order[i] = GroupOrder{ID: id, Order: i}
	}
	return r.ReorderGroups(order)
}

// ReorderGroups renumbers the groups of every list touched by order to a gap
// free 0..n-1 sequence. Named groups sort by Order, ties by their position in
// order; the remaining groups of the list follow in their current order.
// It returns the groups whose Index changed.
func (r *GroupRepository) ReorderGroups(order []GroupOrder) []domain.Group {
	type rank struct {
		named bool
		order int
		pos   int
	}
	ranks := make(map[string]rank, len(order))
	touched := make(map[string]struct{})
	for pos, o := range order {
		g, ok := r.groups[o.ID]
		if !ok {
			continue
		}
		if _, dup := ranks[o.ID]; dup {
			continue
		}
		ranks[o.ID] = rank{named: true, order: o.Order, pos: pos}
		touched[g.ListID] = struct{}{}
	}
	if len(touched) == 0 {
		return nil
	}

	var changed []domain.Group
	for _, listID := range sortedKeys(touched) {
		members := r.Groups(listID)
		sort.SliceStable(members, func(i, j int) bool { return members[i].Index < members[j].Index })
		for i, g := range members {
			if _, ok := ranks[g.ID]; !ok {
				ranks[g.ID] = rank{order: 0, pos: i}
			}
		}
		sort.SliceStable(members, func(i, j int) bool {
			a, b := ranks[members[i].ID], ranks[members[j].ID]
			if a.named != b.named {
				return a.named
			}
			if a.order != b.order {
				return a.order < b.order
			}
			return a.pos < b.pos
		})
		for i, g := range members {
			stored := r.groups[g.ID]
			if stored.Index != i {
				stored.Index = i
				changed = append(changed, *stored)
			}
		}
	}
	return changed
}

// AddList stores a copy of l. The first list added becomes active.
func (r *GroupRepository) AddList(l domain.TodoList) bool {
	if l.ID == "" {
		return false
	}
	if _, ok := r.lists[l.ID]; ok {
		return false
	}
	cpy := l
	cpy.GroupIDs = nil
	r.lists[l.ID] = &cpy
	r.listOrder = append(r.listOrder, l.ID)
	if len(r.listOrder) == 1 {
		r.setActive(l.ID)
	} else {
		cpy.IsActive = false
	}
	return true
}

// List returns a copy of the list with GroupIDs derived from its groups.
func (r *GroupRepository) List(id string) (domain.TodoList, bool) {
	l, ok := r.lists[id]
	if !ok {
		return domain.TodoList{}, false
	}
	return r.withGroupIDs(*l), true
}

// Lists returns every list in insertion order.
func (r *GroupRepository) Lists() []domain.TodoList {
	out := make([]domain.TodoList, 0, len(r.listOrder))
	for _, id := range r.listOrder {
		out = append(out, r.withGroupIDs(*r.lists[id]))
	}
	return out
}

func (r *GroupRepository) withGroupIDs(l domain.TodoList) domain.TodoList {
	groups := r.Groups(l.ID)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Index < groups[j].Index })
	l.GroupIDs = make([]string, len(groups))
	for i, g := range groups {
		l.GroupIDs[i] = g.ID
	}
	return l
}

// UpdateList renames the list.
func (r *GroupRepository) UpdateList(id, title string) (domain.TodoList, bool) {
	l, ok := r.lists[id]
	if !ok {
		return domain.TodoList{}, false
	}
	l.Title = title
	return r.withGroupIDs(*l), true
}

// RemoveList deletes the list and its group definitions. The last remaining
// list is never removed. When the active list goes, the first remaining list
// becomes active. It returns the ids of the removed groups.
func (r *GroupRepository) RemoveList(id string) ([]string, bool) {
	if _, ok := r.lists[id]; !ok || len(r.listOrder) <= 1 {
		return nil, false
	}
	var removedGroups []string
	for _, g := range r.Groups(id) {
		r.RemoveGroup(g.ID)
		removedGroups = append(removedGroups, g.ID)
	}
	delete(r.lists, id)
	r.listOrder = without(r.listOrder, id)
	if r.activeList == id {
		r.setActive(r.listOrder[0])
	}
	return removedGroups, true
}

// ActiveListID returns the selected list, or "" when all lists are shown.
func (r *GroupRepository) ActiveListID() string {
	return r.activeList
}

// SetActiveList selects id, or every list when id is empty. It returns the
// lists whose IsActive flag flipped.
func (r *GroupRepository) SetActiveList(id string) ([]domain.TodoList, bool) {
	if id != "" {
		if _, ok := r.lists[id]; !ok {
			return nil, false
		}
	}
	return r.setActive(id), true
}

func (r *GroupRepository) setActive(id string) []domain.TodoList {
	r.activeList = id
	var flipped []domain.TodoList
	for _, lid := range r.listOrder {
		l := r.lists[lid]
		active := lid == id
		if l.IsActive != active {
			l.IsActive = active
			flipped = append(flipped, r.withGroupIDs(*l))
		}
	}
	return flipped
}

// ReplaceGroups swaps the definitions of listID (all when empty) for groups.
func (r *GroupRepository) ReplaceGroups(listID string, groups []domain.Group) {
	for _, g := range r.Groups(listID) {
		r.RemoveGroup(g.ID)
	}
	for _, g := range groups {
		if listID != "" && g.ListID != listID {
			continue
		}
		r.AddGroup(g)
	}
}

// ReplaceLists swaps every list for lists. The active selection (including
// "all lists") survives when still valid; otherwise the list flagged active,
// or the first one, wins.
func (r *GroupRepository) ReplaceLists(lists []domain.TodoList) {
	prev := r.activeList
	showedAll := prev == "" && len(r.listOrder) > 0
	r.lists = make(map[string]*domain.TodoList, len(lists))
	r.listOrder = r.listOrder[:0]
	flagged := ""
	for _, l := range lists {
		if l.ID == "" {
			continue
		}
		if _, dup := r.lists[l.ID]; dup {
			continue
		}
		cpy := l
		cpy.GroupIDs = nil
		r.lists[l.ID] = &cpy
		r.listOrder = append(r.listOrder, l.ID)
		if l.IsActive && flagged == "" {
			flagged = l.ID
		}
	}
	switch {
	case showedAll && len(r.listOrder) > 0:
		r.setActive("")
	case prev != "" && r.lists[prev] != nil:
		r.setActive(prev)
	case flagged != "":
		r.setActive(flagged)
	case len(r.listOrder) > 0:
		r.setActive(r.listOrder[0])
	default:
		r.activeList = ""
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
