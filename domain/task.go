package domain

import "time"

// UnsetIndex marks a GroupIndex that has not been assigned yet.
const UnsetIndex = -1

// Task represents a single board item. GroupID is empty when the task has no
// group; such tasks are shown in the Uncategorized bucket of their list.
type Task struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspaceId"`
	UserID       string     `json:"userId,omitempty"`
	ListID       string     `json:"listId"`
	GroupID      string     `json:"groupId,omitempty"`
	GroupIndex   int        `json:"groupIndex"`
	Index        int        `json:"index"`
	ParentTaskID string     `json:"parentTaskId,omitempty"`
	SubtaskIDs   []string   `json:"subtaskIds"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	Difficulty   string     `json:"difficulty"`
	Progress     int        `json:"progress"`
	Assignee     string     `json:"assignee,omitempty"`
	Tags         []string   `json:"tags"`
	Categories   []string   `json:"categories"`
	IsPinned     bool       `json:"isPinned"`
	IsCompleted  bool       `json:"isCompleted"`
	TimestampDue *time.Time `json:"timestampDue,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// HasGroupIndex reports whether the intra-group position is set.
func (t *Task) HasGroupIndex() bool {
	return t.GroupIndex > UnsetIndex
}

// IsSubtask reports whether the task hangs under a parent task.
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != ""
}

// Clone returns a deep copy so callers never share slices or the due time
// with canonical state.
func (t Task) Clone() Task {
	t.SubtaskIDs = cloneStrings(t.SubtaskIDs)
	t.Tags = cloneStrings(t.Tags)
	t.Categories = cloneStrings(t.Categories)
	if t.TimestampDue != nil {
		due := *t.TimestampDue
		t.TimestampDue = &due
	}
	return t
}

// TaskPatch carries a shallow partial update for a task. Nil fields are left
// untouched; slice fields replace the whole slice. Ordering fields are not
// part of the patch: they only change through move and reorder operations.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Status       *string    `json:"status,omitempty"`
	Priority     *string    `json:"priority,omitempty"`
	Difficulty   *string    `json:"difficulty,omitempty"`
	Progress     *int       `json:"progress,omitempty"`
	Assignee     *string    `json:"assignee,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	Categories   *[]string  `json:"categories,omitempty"`
	SubtaskIDs   *[]string  `json:"subtaskIds,omitempty"`
	IsPinned     *bool      `json:"isPinned,omitempty"`
	IsCompleted  *bool      `json:"isCompleted,omitempty"`
	TimestampDue *time.Time `json:"timestampDue,omitempty"`
	ClearDue     bool       `json:"clearDue,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil &&
		p.Difficulty == nil && p.Progress == nil && p.Assignee == nil && p.Tags == nil &&
		p.Categories == nil && p.SubtaskIDs == nil && p.IsPinned == nil && p.IsCompleted == nil &&
		p.TimestampDue == nil && !p.ClearDue
}

// Apply merges the patch into t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Difficulty != nil {
		t.Difficulty = *p.Difficulty
	}
	if p.Progress != nil {
		t.Progress = ClampProgress(*p.Progress)
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.Tags != nil {
		t.Tags = cloneStrings(*p.Tags)
	}
	if p.Categories != nil {
		t.Categories = cloneStrings(*p.Categories)
	}
	if p.SubtaskIDs != nil {
		t.SubtaskIDs = cloneStrings(*p.SubtaskIDs)
	}
	if p.IsPinned != nil {
		t.IsPinned = *p.IsPinned
	}
	if p.IsCompleted != nil {
		t.IsCompleted = *p.IsCompleted
	}
	if p.ClearDue {
		t.TimestampDue = nil
	} else if p.TimestampDue != nil {
		due := *p.TimestampDue
		t.TimestampDue = &due
	}
}

// ClampProgress keeps progress inside 0..100.
func ClampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
