package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"mindspace-board/domain"
)

const (
	defaultQueueConcurrency = 4
	queuePerCPU             = 10
	maxQueueConcurrency     = 64
)

// Names holds the table and queue names used by Storage.
type Names struct {
	TasksTable    string
	GroupsTable   string
	ListsTable    string
	SettingsTable string
	ChangeQueue   string
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

type tableClient interface {
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
}

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	taskTable        tableClient
	groupTable       tableClient
	listTable        tableClient
	settingsTable    *aztables.Client
	changeQueue      queueClient
	queueConcurrency int
}

// New creates a Storage instance from the given connection string.
func New(connStr string, names Names) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	s := &Storage{
		taskTable:        svc.NewClient(names.TasksTable),
		groupTable:       svc.NewClient(names.GroupsTable),
		listTable:        svc.NewClient(names.ListsTable),
		settingsTable:    svc.NewClient(names.SettingsTable),
		queueConcurrency: queueConcurrencyForCPU(goruntime.NumCPU()),
	}
	if names.ChangeQueue != "" {
		cq, err := azqueue.NewQueueClientFromConnectionString(connStr, names.ChangeQueue, &queueClientOptions)
		if err != nil {
			return nil, err
		}
		s.changeQueue = cq
	}
	return s, nil
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu < 1 {
		return defaultQueueConcurrency
	}
	return min(cpu*queuePerCPU, maxQueueConcurrency)
}

// entityKeys mirrors the table keys without the service managed Timestamp.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const edmInt64 = "Edm.Int64"

// entityVersion orders writes to one row. A deleted entity stays behind as a
// tombstone row so that an older write arriving later cannot recreate it.
type entityVersion struct {
	EventTimestamp     int64  `json:"EventTimestamp,string"`
	EventTimestampType string `json:"EventTimestamp@odata.type"`
	Deleted            bool   `json:"Deleted,omitempty"`
}

func versionAt(ts int64) entityVersion {
	return entityVersion{EventTimestamp: ts, EventTimestampType: edmInt64}
}

type tombstoneEntity struct {
	entityKeys
	entityVersion
}

type taskEntity struct {
	entityKeys
	entityVersion
	UserID       string `json:"UserId,omitempty"`
	ListID       string `json:"ListId"`
	GroupID      string `json:"GroupId"`
	GroupIndex   int    `json:"GroupIndex"`
	Index        int    `json:"Index"`
	ParentTaskID string `json:"ParentTaskId"`
	SubtaskIDs   string `json:"SubtaskIds"`
	Title        string `json:"Title"`
	Description  string `json:"Description"`
	Status       string `json:"Status"`
	Priority     string `json:"Priority"`
	Difficulty   string `json:"Difficulty"`
	Progress     int    `json:"Progress"`
	Assignee     string `json:"Assignee"`
	Tags         string `json:"Tags"`
	Categories   string `json:"Categories"`
	IsPinned     bool   `json:"IsPinned"`
	IsCompleted  bool   `json:"IsCompleted"`
	Due          string `json:"Due"`
	CreatedAt    string `json:"CreatedAt"`
}

type groupEntity struct {
	entityKeys
	entityVersion
	UserID    string `json:"UserId,omitempty"`
	ListID    string `json:"ListId"`
	Title     string `json:"Title"`
	Index     int    `json:"Index"`
	CreatedAt string `json:"CreatedAt"`
}

type listEntity struct {
	entityKeys
	entityVersion
	UserID    string `json:"UserId,omitempty"`
	Title     string `json:"Title"`
	IsActive  bool   `json:"IsActive"`
	CreatedAt string `json:"CreatedAt"`
}

// FetchTasks retrieves the tasks of the workspace, limited to listID when set.
func (s *Storage) FetchTasks(ctx context.Context, sess domain.Session, listID string) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := listEntities(ctx, s.taskTable, partitionFilter(sess.WorkspaceID, listID), func(data []byte) error {
		t, err := decodeTaskEntity(data)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FetchGroups retrieves the group definitions of the workspace, limited to
// listID when set.
func (s *Storage) FetchGroups(ctx context.Context, sess domain.Session, listID string) ([]domain.Group, error) {
	groups := []domain.Group{}
	err := listEntities(ctx, s.groupTable, partitionFilter(sess.WorkspaceID, listID), func(data []byte) error {
		g, err := decodeGroupEntity(data)
		if err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// FetchLists retrieves every todo list of the workspace.
func (s *Storage) FetchLists(ctx context.Context, sess domain.Session) ([]domain.TodoList, error) {
	lists := []domain.TodoList{}
	err := listEntities(ctx, s.listTable, partitionFilter(sess.WorkspaceID, ""), func(data []byte) error {
		l, err := decodeListEntity(data)
		if err != nil {
			return err
		}
		lists = append(lists, l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lists, nil
}

func listEntities(ctx context.Context, table tableClient, filter string, fn func([]byte) error) error {
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if isTombstone(e) {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func isTombstone(data []byte) bool {
	node, err := sonic.Get(data, "Deleted")
	if err != nil {
		return false
	}
	deleted, err := node.Bool()
	return err == nil && deleted
}

func partitionFilter(workspaceID, listID string) string {
	filter := "PartitionKey eq " + odataString(workspaceID)
	if listID != "" {
		filter += " and ListId eq " + odataString(listID)
	}
	return filter
}

func odataString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:           ent.RowKey,
		WorkspaceID:  ent.PartitionKey,
		UserID:       ent.UserID,
		ListID:       ent.ListID,
		GroupID:      ent.GroupID,
		GroupIndex:   ent.GroupIndex,
		Index:        ent.Index,
		ParentTaskID: ent.ParentTaskID,
		Title:        ent.Title,
		Description:  ent.Description,
		Status:       ent.Status,
		Priority:     ent.Priority,
		Difficulty:   ent.Difficulty,
		Progress:     domain.ClampProgress(ent.Progress),
		Assignee:     ent.Assignee,
		IsPinned:     ent.IsPinned,
		IsCompleted:  ent.IsCompleted,
		CreatedAt:    parseTime(ent.CreatedAt),
	}
	var err error
	if t.SubtaskIDs, err = decodeStrings(ent.SubtaskIDs); err != nil {
		return domain.Task{}, err
	}
	if t.Tags, err = decodeStrings(ent.Tags); err != nil {
		return domain.Task{}, err
	}
	if t.Categories, err = decodeStrings(ent.Categories); err != nil {
		return domain.Task{}, err
	}
	if due := parseTime(ent.Due); !due.IsZero() {
		t.TimestampDue = &due
	}
	return t, nil
}

func encodeTaskEntity(t domain.Task, ts int64) ([]byte, error) {
	ent := taskEntity{
		entityKeys:    entityKeys{PartitionKey: t.WorkspaceID, RowKey: t.ID},
		entityVersion: versionAt(ts),
		UserID:       t.UserID,
		ListID:       t.ListID,
		GroupID:      t.GroupID,
		GroupIndex:   t.GroupIndex,
		Index:        t.Index,
		ParentTaskID: t.ParentTaskID,
		SubtaskIDs:   encodeStrings(t.SubtaskIDs),
		Title:        t.Title,
		Description:  t.Description,
		Status:       t.Status,
		Priority:     t.Priority,
		Difficulty:   t.Difficulty,
		Progress:     t.Progress,
		Assignee:     t.Assignee,
		Tags:         encodeStrings(t.Tags),
		Categories:   encodeStrings(t.Categories),
		IsPinned:     t.IsPinned,
		IsCompleted:  t.IsCompleted,
		CreatedAt:    formatTime(t.CreatedAt),
	}
	if t.TimestampDue != nil {
		ent.Due = formatTime(*t.TimestampDue)
	}
	return sonic.Marshal(ent)
}

func decodeGroupEntity(data []byte) (domain.Group, error) {
	var ent groupEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Group{}, err
	}
	return domain.Group{
		ID:          ent.RowKey,
		WorkspaceID: ent.PartitionKey,
		UserID:      ent.UserID,
		ListID:      ent.ListID,
		Title:       ent.Title,
		Index:       ent.Index,
		CreatedAt:   parseTime(ent.CreatedAt),
	}, nil
}

func encodeGroupEntity(g domain.Group, ts int64) ([]byte, error) {
	return sonic.Marshal(groupEntity{
		entityKeys:    entityKeys{PartitionKey: g.WorkspaceID, RowKey: g.ID},
		entityVersion: versionAt(ts),
		UserID:        g.UserID,
		ListID:        g.ListID,
		Title:         g.Title,
		Index:         g.Index,
		CreatedAt:     formatTime(g.CreatedAt),
	})
}

func encodeListEntity(l domain.TodoList, ts int64) ([]byte, error) {
	return sonic.Marshal(listEntity{
		entityKeys:    entityKeys{PartitionKey: l.WorkspaceID, RowKey: l.ID},
		entityVersion: versionAt(ts),
		UserID:        l.UserID,
		Title:         l.Title,
		IsActive:      l.IsActive,
		CreatedAt:     formatTime(l.CreatedAt),
	})
}

func decodeListEntity(data []byte) (domain.TodoList, error) {
	var ent listEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.TodoList{}, err
	}
	return domain.TodoList{
		ID:          ent.RowKey,
		WorkspaceID: ent.PartitionKey,
		UserID:      ent.UserID,
		Title:       ent.Title,
		IsActive:    ent.IsActive,
		GroupIDs:    []string{},
		CreatedAt:   parseTime(ent.CreatedAt),
	}, nil
}

func decodeStrings(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := sonic.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := sonic.Marshal(v)
	return string(data)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeSettingsEntity(data []byte) (domain.Settings, error) {
	var raw struct {
		TasksPerGroup *int  `json:"TasksPerGroup"`
		ShowDoneTasks *bool `json:"ShowDoneTasks"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return domain.Settings{}, err
	}
	s := domain.DefaultSettings()
	if raw.TasksPerGroup != nil && *raw.TasksPerGroup >= 0 {
		s.TasksPerGroup = *raw.TasksPerGroup
	}
	if raw.ShowDoneTasks != nil {
		s.ShowDoneTasks = *raw.ShowDoneTasks
	}
	return s, nil
}

// FetchSettings returns the stored settings of userID, or the defaults when
// none were saved.
func (s *Storage) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	ent, err := s.settingsTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.DefaultSettings(), nil
		}
		return domain.Settings{}, err
	}
	return decodeSettingsEntity(ent.Value)
}

// EnqueueChanges sends one queue message per change. Messages are sent
// concurrently up to the configured limit; the first error is returned.
// Without a change queue the changes are written to the tables directly.
func (s *Storage) EnqueueChanges(ctx context.Context, sess domain.Session, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	if s.changeQueue == nil {
		return s.ApplyChanges(ctx, sess, changes)
	}
	workers := s.queueConcurrency
	if workers < 1 {
		workers = 1
	}
	workers = min(workers, len(changes))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan domain.Change)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ch := range jobs {
				if err := s.enqueueChange(ctx, sess, ch); err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}
	sent := 0
	for _, ch := range changes {
		select {
		case jobs <- ch:
			sent++
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	if sent < len(changes) {
		return ctx.Err()
	}
	return nil
}

func (s *Storage) enqueueChange(ctx context.Context, sess domain.Session, ch domain.Change) error {
	env := domain.ChangeEnvelope{WorkspaceID: sess.WorkspaceID, UserID: sess.UserID, Change: ch}
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.changeQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// ApplyChanges writes the items of changes to the workspace partition of their
// tables. Each row keeps the timestamp of the change that last wrote it, and
// an item whose change is not newer than that is skipped, so changes may
// arrive late, twice or out of order. Tombstones replace the row with a
// deleted marker carrying the same timestamp.
func (s *Storage) ApplyChanges(ctx context.Context, sess domain.Session, changes []domain.Change) error {
	for _, ch := range changes {
		for _, item := range ch.Items {
			if err := s.applyItem(ctx, sess.WorkspaceID, ch.Timestamp, item); err != nil {
				return fmt.Errorf("apply %s %s: %w", item.EntityType, item.EntityID, err)
			}
		}
	}
	return nil
}

const maxWriteAttempts = 5

var errWriteConflict = errors.New("concurrent write")

func (s *Storage) applyItem(ctx context.Context, workspaceID string, ts int64, item domain.ChangeItem) error {
	if workspaceID == "" {
		return errors.New("missing workspace id")
	}
	var (
		table   tableClient
		payload []byte
		err     error
	)
	switch item.EntityType {
	case domain.EntityTask:
		table = s.taskTable
		if !item.Deleted {
			var t domain.Task
			if err = sonic.Unmarshal(item.Data, &t); err == nil {
				t.WorkspaceID = workspaceID
				payload, err = encodeTaskEntity(t, ts)
			}
		}
	case domain.EntityGroup:
		table = s.groupTable
		if !item.Deleted {
			var g domain.Group
			if err = sonic.Unmarshal(item.Data, &g); err == nil {
				g.WorkspaceID = workspaceID
				payload, err = encodeGroupEntity(g, ts)
			}
		}
	case domain.EntityList:
		table = s.listTable
		if !item.Deleted {
			var l domain.TodoList
			if err = sonic.Unmarshal(item.Data, &l); err == nil {
				l.WorkspaceID = workspaceID
				payload, err = encodeListEntity(l, ts)
			}
		}
	default:
		return fmt.Errorf("unknown entity type %q", item.EntityType)
	}
	if err != nil {
		return err
	}
	if item.Deleted {
		v := versionAt(ts)
		v.Deleted = true
		payload, err = sonic.Marshal(tombstoneEntity{
			entityKeys:    entityKeys{PartitionKey: workspaceID, RowKey: item.EntityID},
			entityVersion: v,
		})
		if err != nil {
			return err
		}
	}

	for range maxWriteAttempts {
		err = writeIfNewer(ctx, table, workspaceID, item.EntityID, ts, payload)
		if !errors.Is(err, errWriteConflict) {
			return err
		}
	}
	return err
}

// writeIfNewer replaces the row with payload unless the stored row was written
// by a change at or after ts. The write is conditioned on the ETag read, or
// on the row still being absent, and reports errWriteConflict when another
// writer got there first.
func writeIfNewer(ctx context.Context, table tableClient, pk, rk string, ts int64, payload []byte) error {
	resp, err := table.GetEntity(ctx, pk, rk, nil)
	switch {
	case isStatus(err, http.StatusNotFound):
		_, err = table.AddEntity(ctx, payload, nil)
		if isStatus(err, http.StatusConflict) {
			return errWriteConflict
		}
		return err
	case err != nil:
		return err
	}

	var stored entityVersion
	if err := sonic.Unmarshal(resp.Value, &stored); err != nil {
		return fmt.Errorf("decode stored version: %w", err)
	}
	if ts <= stored.EventTimestamp {
		return nil
	}
	etag := resp.ETag
	_, err = table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if isStatus(err, http.StatusPreconditionFailed) || isStatus(err, http.StatusNotFound) {
		return errWriteConflict
	}
	return err
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
