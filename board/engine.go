package board

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"mindspace-board/domain"
)

// DefaultListTitle names the list created when a workspace has none.
const DefaultListTitle = "My Tasks"

// Fetcher is the remote boundary the engine loads canonical state from.
type Fetcher interface {
	FetchTasks(ctx context.Context, s domain.Session, listID string) ([]domain.Task, error)
	FetchGroups(ctx context.Context, s domain.Session, listID string) ([]domain.Group, error)
	FetchLists(ctx context.Context, s domain.Session) ([]domain.TodoList, error)
}

// Engine composes the repositories, derivations and update queue of one
// session. It is not safe for concurrent use; callers serialize access.
type Engine struct {
	session domain.Session
	tasks   *TaskRepository
	groups  *GroupRepository
	queue   UpdateQueue
	clock   Clock
	newID   IDGenerator
	log     *log.Logger
	lastTS  int64
	// dropped collects encode failures of changes that were never queued.
	dropped error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator overrides how entity and change ids are generated.
func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns an empty engine for s.
func NewEngine(s domain.Session, opts ...Option) *Engine {
	e := &Engine{
		session: s,
		tasks:   NewTaskRepository(),
		groups:  NewGroupRepository(),
		clock:   RealClock{},
		newID:   NewID,
		log:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the identity the engine stamps records with.
func (e *Engine) Session() domain.Session {
	return e.session
}

// AllTasks returns every task of every list.
func (e *Engine) AllTasks() []domain.Task {
	return e.tasks.All()
}

// TopLevelTasks returns the tasks without a parent in the active list scope.
func (e *Engine) TopLevelTasks() []domain.Task {
	return e.tasks.TopLevel(e.groups.ActiveListID())
}

// FilteredGroups derives the grouped view of the active list scope.
func (e *Engine) FilteredGroups(opts ViewOptions) []OrderedGroup {
	opts.ActiveListID = e.groups.ActiveListID()
	return GetFilteredGroups(e.tasks.All(), e.groups.Groups(""), opts, e.clock.Now())
}

// ColumnsByField partitions the top-level tasks of the active list scope by field.
func (e *Engine) ColumnsByField(field string) []Column {
	return BuildColumnsByField(e.TopLevelTasks(), field)
}

// Task returns the task with id.
func (e *Engine) Task(id string) (domain.Task, bool) {
	return e.tasks.Get(id)
}

// Subtasks returns the direct subtasks of id.
func (e *Engine) Subtasks(id string) ([]domain.Task, bool) {
	if _, ok := e.tasks.Get(id); !ok {
		return nil, false
	}
	return e.tasks.Children(id), true
}

// Group returns the group definition with id.
func (e *Engine) Group(id string) (domain.Group, bool) {
	return e.groups.Group(id)
}

// Groups returns the group definitions of listID, all lists when empty.
func (e *Engine) Groups(listID string) []domain.Group {
	return e.groups.Groups(listID)
}

// List returns the todo list with id.
func (e *Engine) List(id string) (domain.TodoList, bool) {
	return e.groups.List(id)
}

// Lists returns every todo list.
func (e *Engine) Lists() []domain.TodoList {
	return e.groups.Lists()
}

// ActiveListID returns the active list, "" meaning all lists.
func (e *Engine) ActiveListID() string {
	return e.groups.ActiveListID()
}

// CreateTask adds a task built from in. The list defaults to the active list,
// then to the first list. A subtask inherits its parent's list and is added
// to the parent's SubtaskIDs. An unknown group is cleared.
func (e *Engine) CreateTask(in TaskInput) (domain.Task, error) {
	if in.Title == "" {
		return domain.Task{}, ErrEmptyTitle
	}

	var parent domain.Task
	if in.ParentTaskID != "" {
		p, ok := e.tasks.Get(in.ParentTaskID)
		if !ok {
			return domain.Task{}, ErrParentNotFound
		}
		parent = p
		in.ListID = p.ListID
		in.GroupID = ""
	}
	listID, err := e.resolveList(in.ListID)
	if err != nil {
		return domain.Task{}, err
	}
	in.ListID = listID
	if g, ok := e.groups.Group(in.GroupID); !ok || g.ListID != listID {
		in.GroupID = ""
	}

	t := NewTask(e.session, in, e.newID(), e.clock.Now())
	b := newChangeBuilder()
	if parent.ID != "" {
		t.Index = nextIndex(e.tasks.Children(parent.ID), taskIndex)
		parent.SubtaskIDs = append(parent.SubtaskIDs, t.ID)
	} else {
		t.Index = nextIndex(e.tasks.TopLevel(listID), taskIndex)
		t.GroupIndex = nextIndex(e.groupMembers(t), taskGroupIndex)
	}
	if !e.tasks.Add(t) {
		return domain.Task{}, ErrDuplicateTask
	}
	b.put(domain.EntityTask, t.ID, t)
	if parent.ID != "" {
		e.tasks.put(parent)
		b.put(domain.EntityTask, parent.ID, parent)
	}
	e.record(domain.EntityTask, domain.OpCreate, b)
	return t, nil
}

// groupMembers returns the ordered top-level members of the group t derives
// into, Uncategorized when its group is unset or unknown.
func (e *Engine) groupMembers(t domain.Task) []domain.Task {
	groupID := t.GroupID
	if g, ok := e.groups.Group(groupID); !ok || g.ListID != t.ListID {
		groupID = domain.UncategorizedGroupID
	}
	return members(e.tasks.TopLevel(t.ListID), e.groups.Groups(t.ListID), t.ListID, groupID)
}

func taskIndex(t domain.Task) int { return t.Index }
func taskGroupIndex(t domain.Task) int { return t.GroupIndex }

// nextIndex is one past the highest position among tasks, so an appended task
// never shares a position even when loaded data has gaps.
func nextIndex(tasks []domain.Task, pos func(domain.Task) int) int {
	next := 0
	for _, t := range tasks {
		next = max(next, pos(t)+1)
	}
	return next
}

func (e *Engine) resolveList(listID string) (string, error) {
	if listID != "" {
		if _, ok := e.groups.List(listID); !ok {
			return "", ErrListNotFound
		}
		return listID, nil
	}
	if active := e.groups.ActiveListID(); active != "" {
		return active, nil
	}
	lists := e.groups.Lists()
	if len(lists) == 0 {
		return "", ErrListNotFound
	}
	return lists[0].ID, nil
}

// UpdateTask merges patch into the task. An empty title is ignored; a patch
// that changes nothing queues nothing.
func (e *Engine) UpdateTask(id string, patch domain.TaskPatch) (domain.Task, bool) {
	if patch.Title != nil && *patch.Title == "" {
		patch.Title = nil
	}
	if patch.Empty() {
		return e.tasks.Get(id)
	}
	t, ok := e.tasks.Update(id, patch)
	if !ok {
		return domain.Task{}, false
	}
	b := newChangeBuilder()
	b.put(domain.EntityTask, t.ID, t)
	e.record(domain.EntityTask, domain.OpUpdate, b)
	return t, true
}

// DeleteTask removes the task and its subtasks, queuing a tombstone for each
// and the updated parent when there is one. The remaining members of a
// top-level task's group are renumbered to close the gap.
func (e *Engine) DeleteTask(id string) bool {
	t, ok := e.tasks.Get(id)
	if !ok {
		return false
	}
	removed, _ := e.tasks.Remove(id)
	b := newChangeBuilder()
	for _, rid := range removed {
		b.tombstone(domain.EntityTask, rid)
	}
	if t.ParentTaskID != "" {
		if parent, ok := e.tasks.Get(t.ParentTaskID); ok {
			b.put(domain.EntityTask, parent.ID, parent)
		}
	} else {
		for _, m := range renumber(e.groupMembers(t), "") {
			e.tasks.put(m)
			b.put(domain.EntityTask, m.ID, m)
		}
	}
	e.record(domain.EntityTask, domain.OpDelete, b)
	return true
}

// MoveTask moves a top-level task between groups, or within one, and
// renumbers both groups. Invalid moves leave every task untouched.
func (e *Engine) MoveTask(taskID, sourceGroupID, destGroupID string, newIndex int) error {
	planned, err := MoveTask(e.tasks.TopLevel(""), e.groups.Groups(""), taskID, sourceGroupID, destGroupID, newIndex)
	if err != nil {
		return err
	}
	b := newChangeBuilder()
	for _, t := range planned {
		e.tasks.put(t)
		b.put(domain.EntityTask, t.ID, t)
	}
	// Subtasks follow their root into another list.
	moved := planned[0]
	for _, sid := range e.tasks.collectSubtree(moved.ID, nil)[1:] {
		sub, _ := e.tasks.Get(sid)
		if sub.ListID != moved.ListID {
			sub.ListID = moved.ListID
			e.tasks.put(sub)
			b.put(domain.EntityTask, sub.ID, sub)
		}
	}
	e.record(domain.EntityTask, domain.OpMove, b)
	e.log.WithFields(log.Fields{"task": taskID, "from": sourceGroupID, "to": destGroupID, "index": newIndex}).Debug("task moved")
	return nil
}

// ReorderTasks moves the task at fromIndex of the ordered taskIDs to toIndex
// and rewrites each task's Index to its new position.
func (e *Engine) ReorderTasks(taskIDs []string, fromIndex, toIndex int) error {
	seen := make(map[string]struct{}, len(taskIDs))
	ordered := make([]domain.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		if _, dup := seen[id]; dup {
			return ErrDuplicateTask
		}
		seen[id] = struct{}{}
		t, ok := e.tasks.Get(id)
		if !ok {
			return ErrTaskNotFound
		}
		ordered = append(ordered, t)
	}
	planned, err := ReorderTasks(ordered, fromIndex, toIndex)
	if err != nil {
		return err
	}
	b := newChangeBuilder()
	for i, t := range planned {
		if before := ordered[indexOf(ordered, t.ID)]; before.Index == t.Index {
			continue
		}
		e.tasks.put(planned[i])
		b.put(domain.EntityTask, t.ID, t)
	}
	e.record(domain.EntityTask, domain.OpReorder, b)
	return nil
}

// CreateGroup appends a group to listID, the active or first list when empty.
func (e *Engine) CreateGroup(listID, title string) (domain.Group, error) {
	if title == "" {
		return domain.Group{}, ErrEmptyTitle
	}
	listID, err := e.resolveList(listID)
	if err != nil {
		return domain.Group{}, err
	}
	g := NewGroup(e.session, listID, title, e.newID(), e.groups.NextGroupIndex(listID), e.clock.Now())
	e.groups.AddGroup(g)
	b := newChangeBuilder()
	b.put(domain.EntityGroup, g.ID, g)
	e.record(domain.EntityGroup, domain.OpCreate, b)
	return g, nil
}

// UpdateGroup renames a group. Unknown ids and empty titles report false.
func (e *Engine) UpdateGroup(id, title string) (domain.Group, bool) {
	if title == "" {
		return domain.Group{}, false
	}
	g, ok := e.groups.UpdateGroup(id, title)
	if !ok {
		return domain.Group{}, false
	}
	b := newChangeBuilder()
	b.put(domain.EntityGroup, g.ID, g)
	e.record(domain.EntityGroup, domain.OpUpdate, b)
	return g, true
}

// DeleteGroup removes a group definition. Its tasks are not touched and show
// up in Uncategorized from the next derivation on.
func (e *Engine) DeleteGroup(id string) bool {
	if !e.groups.RemoveGroup(id) {
		return false
	}
	b := newChangeBuilder()
	b.tombstone(domain.EntityGroup, id)
	e.record(domain.EntityGroup, domain.OpDelete, b)
	return true
}

// ReorderGroups applies id→order assignments and returns the groups whose
// index changed.
func (e *Engine) ReorderGroups(order []GroupOrder) []domain.Group {
	changed := e.groups.ReorderGroups(order)
	b := newChangeBuilder()
	for _, g := range changed {
		b.put(domain.EntityGroup, g.ID, g)
	}
	e.record(domain.EntityGroup, domain.OpReorder, b)
	return changed
}

// ReorderGroupIDs applies an ordered id list.
func (e *Engine) ReorderGroupIDs(ids []string) []domain.Group {
	order := make([]GroupOrder, len(ids))
	for i, id := range ids {
		order[i] = GroupOrder{ID: id, Order: i}
	}
	return e.ReorderGroups(order)
}

// CreateList adds a todo list. The first list becomes active.
func (e *Engine) CreateList(title string) (domain.TodoList, error) {
	if title == "" {
		return domain.TodoList{}, ErrEmptyTitle
	}
	l := NewList(e.session, title, e.newID(), e.clock.Now())
	e.groups.AddList(l)
	l, _ = e.groups.List(l.ID)
	b := newChangeBuilder()
	b.put(domain.EntityList, l.ID, l)
	e.record(domain.EntityList, domain.OpCreate, b)
	return l, nil
}

// UpdateList renames a list. Unknown ids and empty titles report false.
func (e *Engine) UpdateList(id, title string) (domain.TodoList, bool) {
	if title == "" {
		return domain.TodoList{}, false
	}
	l, ok := e.groups.UpdateList(id, title)
	if !ok {
		return domain.TodoList{}, false
	}
	b := newChangeBuilder()
	b.put(domain.EntityList, l.ID, l)
	e.record(domain.EntityList, domain.OpUpdate, b)
	return l, true
}

// DeleteList removes a list with its groups and tasks. The last list is
// never removed. One change carries every tombstone plus the list that
// became active in its place.
func (e *Engine) DeleteList(id string) bool {
	wasActive := e.groups.ActiveListID() == id
	removedGroups, ok := e.groups.RemoveList(id)
	if !ok {
		return false
	}
	b := newChangeBuilder()
	b.tombstone(domain.EntityList, id)
	for _, gid := range removedGroups {
		b.tombstone(domain.EntityGroup, gid)
	}
	for _, t := range e.tasks.All() {
		if t.ListID != id {
			continue
		}
		if _, still := e.tasks.Get(t.ID); !still {
			continue
		}
		removed, _ := e.tasks.Remove(t.ID)
		for _, rid := range removed {
			b.tombstone(domain.EntityTask, rid)
		}
	}
	if wasActive {
		if l, ok := e.groups.List(e.groups.ActiveListID()); ok {
			b.put(domain.EntityList, l.ID, l)
		}
	}
	e.record(domain.EntityList, domain.OpDelete, b)
	return true
}

// SetActiveList selects id, or every list when id is empty. Selecting the
// current list queues nothing.
func (e *Engine) SetActiveList(id string) bool {
	flipped, ok := e.groups.SetActiveList(id)
	if !ok {
		return false
	}
	b := newChangeBuilder()
	for _, l := range flipped {
		b.put(domain.EntityList, l.ID, l)
	}
	e.record(domain.EntityList, domain.OpActivate, b)
	return true
}

// Load replaces the whole state with what f returns. When the workspace has
// no list yet a default one is created. Nothing changes unless every fetch
// succeeds.
func (e *Engine) Load(ctx context.Context, f Fetcher) error {
	if f == nil {
		return ErrFetcherUnavailable
	}
	lists, err := f.FetchLists(ctx, e.session)
	if err != nil {
		return fmt.Errorf("%w: lists: %w", ErrFetchFailed, err)
	}
	groups, err := f.FetchGroups(ctx, e.session, "")
	if err != nil {
		return fmt.Errorf("%w: groups: %w", ErrFetchFailed, err)
	}
	tasks, err := f.FetchTasks(ctx, e.session, "")
	if err != nil {
		return fmt.Errorf("%w: tasks: %w", ErrFetchFailed, err)
	}
	e.groups.ReplaceLists(lists)
	e.groups.ReplaceGroups("", groups)
	e.tasks.Replace("", tasks)
	if len(e.groups.Lists()) == 0 {
		if _, err := e.CreateList(DefaultListTitle); err != nil {
			return err
		}
	}
	e.log.WithFields(log.Fields{
		"workspace": e.session.WorkspaceID,
		"lists":     len(lists),
		"groups":    len(groups),
		"tasks":     len(tasks),
	}).Debug("board loaded")
	return nil
}

// Refresh replaces the tasks and groups of listID (all lists when empty) with
// what f returns. On failure the current state is kept.
func (e *Engine) Refresh(ctx context.Context, f Fetcher, listID string) error {
	if f == nil {
		return ErrFetcherUnavailable
	}
	tasks, err := f.FetchTasks(ctx, e.session, listID)
	if err != nil {
		return fmt.Errorf("%w: tasks: %w", ErrFetchFailed, err)
	}
	groups, err := f.FetchGroups(ctx, e.session, listID)
	if err != nil {
		return fmt.Errorf("%w: groups: %w", ErrFetchFailed, err)
	}
	e.tasks.Replace(listID, tasks)
	e.groups.ReplaceGroups(listID, groups)
	return nil
}

// DroppedChanges returns and clears the failures of mutations whose change
// could not be queued. Until the engine is reloaded its state then holds
// writes that will never be persisted.
func (e *Engine) DroppedChanges() error {
	err := e.dropped
	e.dropped = nil
	return err
}

// PendingChanges returns the queued changes without draining them.
func (e *Engine) PendingChanges() []domain.Change {
	return e.queue.Pending()
}

// DrainChanges removes up to max queued changes, all when max <= 0.
func (e *Engine) DrainChanges(max int) []domain.Change {
	return e.queue.Drain(max)
}

// RequeueChanges puts changes that could not be handed off back at the head
// of the queue.
func (e *Engine) RequeueChanges(changes []domain.Change) {
	e.queue.Requeue(changes)
}

// record turns the collected items into one change. Empty builders are
// dropped so no-op mutations queue nothing. A change with an item that could
// not be encoded is dropped whole and reported by DroppedChanges.
func (e *Engine) record(entity, op string, b *changeBuilder) {
	if b.err != nil {
		e.log.WithError(b.err).WithFields(log.Fields{"entity": entity, "op": op}).Error("change dropped")
		e.dropped = errors.Join(e.dropped, fmt.Errorf("%w: %s %s: %w", ErrChangeDropped, op, entity, b.err))
		return
	}
	if len(b.items) == 0 {
		return
	}
	e.queue.Enqueue(domain.Change{
		ID:         e.newID(),
		EntityType: entity,
		Op:         op,
		Items:      b.items,
		Timestamp:  e.nextTimestamp(),
	})
}

// nextTimestamp returns strictly increasing unix nanoseconds.
func (e *Engine) nextTimestamp() int64 {
	now := e.clock.Now().UnixNano()
	if now <= e.lastTS {
		now = e.lastTS + 1
	}
	e.lastTS = now
	return now
}

type changeBuilder struct {
	items []domain.ChangeItem
	err   error
}

func newChangeBuilder() *changeBuilder {
	return &changeBuilder{}
}

func (b *changeBuilder) put(entity, id string, v any) {
	item, err := domain.NewChangeItem(entity, id, v)
	if err != nil {
		b.err = errors.Join(b.err, err)
		return
	}
	b.items = append(b.items, item)
}

func (b *changeBuilder) tombstone(entity, id string) {
	item, err := domain.NewTombstoneItem(entity, id)
	if err != nil {
		b.err = errors.Join(b.err, err)
		return
	}
	b.items = append(b.items, item)
}
