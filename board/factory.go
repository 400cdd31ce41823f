package board

import (
	"time"

	"github.com/google/uuid"

	"mindspace-board/domain"
)

// Task defaults applied by NewTask.
const (
	DefaultStatus     = "todo"
	DefaultPriority   = "medium"
	DefaultDifficulty = "medium"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// IDGenerator returns a fresh entity id.
type IDGenerator func() string

// NewID returns a random UUID string.
func NewID() string {
	return uuid.NewString()
}

// TaskInput is the caller supplied part of a new task.
type TaskInput struct {
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	ListID       string     `json:"listId,omitempty"`
	GroupID      string     `json:"groupId,omitempty"`
	ParentTaskID string     `json:"parentTaskId,omitempty"`
	Status       string     `json:"status,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	Difficulty   string     `json:"difficulty,omitempty"`
	Progress     int        `json:"progress,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Categories   []string   `json:"categories,omitempty"`
	IsPinned     bool       `json:"isPinned,omitempty"`
	TimestampDue *time.Time `json:"timestampDue,omitempty"`
}

// NewTask stamps a task with the session identity and fills defaults. The
// ordering fields are left for the engine to assign.
func NewTask(s domain.Session, in TaskInput, id string, now time.Time) domain.Task {
	t := domain.Task{
		ID:           id,
		WorkspaceID:  s.WorkspaceID,
		UserID:       s.UserID,
		ListID:       in.ListID,
		GroupID:      in.GroupID,
		GroupIndex:   domain.UnsetIndex,
		ParentTaskID: in.ParentTaskID,
		SubtaskIDs:   []string{},
		Title:        in.Title,
		Description:  in.Description,
		Status:       orDefault(in.Status, DefaultStatus),
		Priority:     orDefault(in.Priority, DefaultPriority),
		Difficulty:   orDefault(in.Difficulty, DefaultDifficulty),
		Progress:     domain.ClampProgress(in.Progress),
		Assignee:     in.Assignee,
		Tags:         append([]string{}, in.Tags...),
		Categories:   append([]string{}, in.Categories...),
		IsPinned:     in.IsPinned,
		CreatedAt:    now.UTC(),
	}
	if in.TimestampDue != nil {
		due := *in.TimestampDue
		t.TimestampDue = &due
	}
	return t
}

// NewGroup stamps a group definition with the session identity.
func NewGroup(s domain.Session, listID, title, id string, index int, now time.Time) domain.Group {
	return domain.Group{
		ID:          id,
		WorkspaceID: s.WorkspaceID,
		UserID:      s.UserID,
		ListID:      listID,
		Title:       title,
		Index:       index,
		CreatedAt:   now.UTC(),
	}
}

// NewList stamps a todo list with the session identity.
func NewList(s domain.Session, title, id string, now time.Time) domain.TodoList {
	return domain.TodoList{
		ID:          id,
		WorkspaceID: s.WorkspaceID,
		UserID:      s.UserID,
		Title:       title,
		GroupIDs:    []string{},
		CreatedAt:   now.UTC(),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
