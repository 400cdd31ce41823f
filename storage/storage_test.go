package storage

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"mindspace-board/domain"
)

type fakeRow struct {
	data []byte
	etag azcore.ETag
}

// fakeTable keeps rows in memory and enforces the same write conditions as
// the table service: AddEntity fails on an existing row and UpdateEntity on a
// stale ETag.
type fakeTable struct {
	rows     map[string]fakeRow
	version  int
	writes   int
	writeErr error
	// beforeWrite runs once ahead of the next write, standing in for a
	// concurrent writer.
	beforeWrite func(*fakeTable)
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]fakeRow{}}
}

func (f *fakeTable) NewListEntitiesPager(*aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	keys := make([]string, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	page := aztables.ListEntitiesResponse{}
	for _, k := range keys {
		page.Entities = append(page.Entities, f.rows[k].data)
	}
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			return page, nil
		},
	})
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	row, ok := f.rows[pk+"/"+rk]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	return aztables.GetEntityResponse{ETag: row.etag, Value: row.data}, nil
}

func (f *fakeTable) AddEntity(_ context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	key, err := f.prepareWrite(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	if _, ok := f.rows[key]; ok {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusConflict}
	}
	f.store(key, entity)
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(_ context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	key, err := f.prepareWrite(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	row, ok := f.rows[key]
	if !ok {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	if o != nil && o.IfMatch != nil && *o.IfMatch != azcore.ETagAny && *o.IfMatch != row.etag {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	}
	f.store(key, entity)
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) prepareWrite(entity []byte) (string, error) {
	if hook := f.beforeWrite; hook != nil {
		f.beforeWrite = nil
		hook(f)
	}
	if f.writeErr != nil {
		return "", f.writeErr
	}
	var keys entityKeys
	if err := sonic.Unmarshal(entity, &keys); err != nil {
		return "", err
	}
	return keys.PartitionKey + "/" + keys.RowKey, nil
}

func (f *fakeTable) store(key string, entity []byte) {
	f.version++
	f.writes++
	f.rows[key] = fakeRow{data: entity, etag: azcore.ETag(strconv.Itoa(f.version))}
}

func (f *fakeTable) taskRow(t *testing.T, pk, rk string) (taskEntity, bool) {
	t.Helper()
	row, ok := f.rows[pk+"/"+rk]
	if !ok {
		return taskEntity{}, false
	}
	var ent taskEntity
	if err := sonic.Unmarshal(row.data, &ent); err != nil {
		t.Fatalf("decode row %s/%s: %v", pk, rk, err)
	}
	return ent, true
}

func TestDecodeSettingsEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"u1","RowKey":"u1","TasksPerGroup":5,"ShowDoneTasks":false}`)
	s, err := decodeSettingsEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.TasksPerGroup != 5 || s.ShowDoneTasks {
		t.Fatalf("unexpected settings: %+v", s)
	}

	s, err = decodeSettingsEntity([]byte(`{"PartitionKey":"u1","RowKey":"u1","TasksPerGroup":-3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s != domain.DefaultSettings() {
		t.Fatalf("expected defaults for missing or invalid fields, got %+v", s)
	}
}

func TestTaskEntityKeepsSlicesAndDueDate(t *testing.T) {
	due := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	task := domain.Task{
		ID:           "t1",
		WorkspaceID:  "ws-1",
		ListID:       "l1",
		GroupID:      "g1",
		GroupIndex:   2,
		Title:        "Ship",
		Progress:     40,
		Tags:         []string{"a", "b"},
		SubtaskIDs:   []string{"s1"},
		TimestampDue: &due,
	}

	data, err := encodeTaskEntity(task, 7)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"EventTimestamp":"7","EventTimestamp@odata.type":"Edm.Int64"`) {
		t.Fatalf("expected an Int64 event timestamp, got %s", data)
	}
	if !strings.Contains(string(data), `"Tags":"[\"a\",\"b\"]"`) {
		t.Fatalf("expected tags stored as a JSON string, got %s", data)
	}
	got, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "t1" || got.WorkspaceID != "ws-1" || got.GroupIndex != 2 {
		t.Fatalf("unexpected keys: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "b" || len(got.Categories) != 0 || got.Categories == nil {
		t.Fatalf("unexpected slices: %+v", got)
	}
	if got.TimestampDue == nil || !got.TimestampDue.Equal(due) {
		t.Fatalf("unexpected due date: %v", got.TimestampDue)
	}
}

func TestDecodeTaskEntityRejectsBadSlices(t *testing.T) {
	if _, err := decodeTaskEntity([]byte(`{"RowKey":"t1","Tags":"not-json"}`)); err == nil {
		t.Fatal("expected error for malformed tags")
	}
}

func TestPartitionFilter(t *testing.T) {
	if got := partitionFilter("ws'1", ""); got != "PartitionKey eq 'ws''1'" {
		t.Fatalf("unexpected filter: %s", got)
	}
	if got := partitionFilter("ws", "l1"); got != "PartitionKey eq 'ws' and ListId eq 'l1'" {
		t.Fatalf("unexpected filter: %s", got)
	}
}

func taskChange(t *testing.T, id string, ts int64, task domain.Task) domain.Change {
	t.Helper()
	item, err := domain.NewChangeItem(domain.EntityTask, task.ID, task)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	return domain.Change{ID: id, EntityType: domain.EntityTask, Op: domain.OpUpdate, Items: []domain.ChangeItem{item}, Timestamp: ts}
}

func taskTombstone(t *testing.T, id string, ts int64, taskID string) domain.Change {
	t.Helper()
	item, err := domain.NewTombstoneItem(domain.EntityTask, taskID)
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	return domain.Change{ID: id, EntityType: domain.EntityTask, Op: domain.OpDelete, Items: []domain.ChangeItem{item}, Timestamp: ts}
}

func TestApplyChangesWritesPayloadsAndTombstones(t *testing.T) {
	tasks, groups, lists := newFakeTable(), newFakeTable(), newFakeTable()
	store := &Storage{taskTable: tasks, groupTable: groups, listTable: lists}

	groupGone, err := domain.NewTombstoneItem(domain.EntityGroup, "g1")
	if err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	listItem, err := domain.NewChangeItem(domain.EntityList, "l1", domain.TodoList{ID: "l1", Title: "Work", IsActive: true})
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	changes := []domain.Change{
		taskChange(t, "c1", 10, domain.Task{ID: "t1", ListID: "l1", Title: "Ship"}),
		{ID: "c2", EntityType: domain.EntityGroup, Op: domain.OpDelete, Items: []domain.ChangeItem{groupGone, listItem}, Timestamp: 11},
	}

	if err := store.ApplyChanges(context.Background(), testSession, changes); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ent, ok := tasks.taskRow(t, "ws-1", "t1")
	if !ok || ent.Title != "Ship" || ent.EventTimestamp != 10 || ent.Deleted {
		t.Fatalf("unexpected task row: %+v", ent)
	}
	if len(lists.rows) != 1 {
		t.Fatalf("expected list row, got %d", len(lists.rows))
	}
	var gone tombstoneEntity
	if err := sonic.Unmarshal(groups.rows["ws-1/g1"].data, &gone); err != nil {
		t.Fatalf("decode tombstone: %v", err)
	}
	if !gone.Deleted || gone.EventTimestamp != 11 {
		t.Fatalf("expected tombstone at 11, got %+v", gone)
	}
}

func TestApplyChangesKeepsNewestWrite(t *testing.T) {
	tasks := newFakeTable()
	store := &Storage{taskTable: tasks}
	ctx := context.Background()

	renamed := taskChange(t, "c2", 2, domain.Task{ID: "t1", ListID: "l1", Title: "renamed"})
	original := taskChange(t, "c1", 1, domain.Task{ID: "t1", ListID: "l1", Title: "original"})
	for _, ch := range []domain.Change{renamed, original, renamed} {
		if err := store.ApplyChanges(ctx, testSession, []domain.Change{ch}); err != nil {
			t.Fatalf("apply %s: %v", ch.ID, err)
		}
	}

	ent, _ := tasks.taskRow(t, "ws-1", "t1")
	if ent.Title != "renamed" || ent.EventTimestamp != 2 {
		t.Fatalf("late or repeated changes must not overwrite the newest, got %+v", ent)
	}
	if tasks.writes != 1 {
		t.Fatalf("expected a single write, got %d", tasks.writes)
	}
}

func TestApplyChangesDeletedRowStaysDeleted(t *testing.T) {
	tasks := newFakeTable()
	store := &Storage{taskTable: tasks}
	ctx := context.Background()

	steps := []domain.Change{
		taskChange(t, "c2", 2, domain.Task{ID: "t1", ListID: "l1", Title: "renamed"}),
		taskTombstone(t, "c3", 3, "t1"),
		taskChange(t, "c1", 1, domain.Task{ID: "t1", ListID: "l1", Title: "original"}),
		taskTombstone(t, "c5", 5, "t2"),
		taskChange(t, "c4", 4, domain.Task{ID: "t2", ListID: "l1", Title: "never seen"}),
	}
	for _, ch := range steps {
		if err := store.ApplyChanges(ctx, testSession, []domain.Change{ch}); err != nil {
			t.Fatalf("apply %s: %v", ch.ID, err)
		}
	}

	for _, id := range []string{"t1", "t2"} {
		if ent, ok := tasks.taskRow(t, "ws-1", id); !ok || !ent.Deleted {
			t.Fatalf("expected %s to remain deleted, got %+v", id, ent)
		}
	}
	got, err := store.FetchTasks(ctx, testSession, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("deleted tasks must not be read back, got %+v", got)
	}
}

func TestApplyChangesRetriesConcurrentWrite(t *testing.T) {
	tasks := newFakeTable()
	store := &Storage{taskTable: tasks}
	ctx := context.Background()

	if err := store.ApplyChanges(ctx, testSession, []domain.Change{taskChange(t, "c1", 1, domain.Task{ID: "t1", Title: "first"})}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	newer, err := encodeTaskEntity(domain.Task{ID: "t1", WorkspaceID: "ws-1", Title: "newest"}, 5)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tasks.beforeWrite = func(f *fakeTable) { f.store("ws-1/t1", newer) }

	if err := store.ApplyChanges(ctx, testSession, []domain.Change{taskChange(t, "c3", 3, domain.Task{ID: "t1", Title: "middle"})}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ent, _ := tasks.taskRow(t, "ws-1", "t1")
	if ent.Title != "newest" || ent.EventTimestamp != 5 {
		t.Fatalf("expected the concurrent newer write to win, got %+v", ent)
	}
}

func TestApplyChangesSurfacesWriteErrors(t *testing.T) {
	tasks := newFakeTable()
	tasks.writeErr = errors.New("throttled")
	store := &Storage{taskTable: tasks}

	err := store.ApplyChanges(context.Background(), testSession, []domain.Change{taskTombstone(t, "c1", 1, "t1")})
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("expected write failure to surface, got %v", err)
	}
}

func TestFetchTasksSkipsTombstones(t *testing.T) {
	tasks := newFakeTable()
	store := &Storage{taskTable: tasks}
	ctx := context.Background()
	changes := []domain.Change{
		taskChange(t, "c1", 1, domain.Task{ID: "a", ListID: "l1", Title: "keep"}),
		taskChange(t, "c2", 2, domain.Task{ID: "b", ListID: "l1", Title: "drop"}),
		taskTombstone(t, "c3", 3, "b"),
	}
	if err := store.ApplyChanges(ctx, testSession, changes); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := store.FetchTasks(ctx, testSession, "l1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" || got[0].WorkspaceID != "ws-1" {
		t.Fatalf("unexpected tasks: %+v", got)
	}
}

func TestApplyChangesRejectsUnknownEntities(t *testing.T) {
	store := &Storage{}
	item := domain.ChangeItem{EntityType: "widget", EntityID: "w1", Data: []byte(`{}`)}

	if err := store.ApplyChanges(context.Background(), testSession, []domain.Change{{ID: "c1", Items: []domain.ChangeItem{item}}}); err == nil {
		t.Fatal("expected error for unknown entity type")
	}
	if err := store.ApplyChanges(context.Background(), domain.Session{}, []domain.Change{{ID: "c1", Items: []domain.ChangeItem{item}}}); err == nil {
		t.Fatal("expected error without workspace")
	}
}
