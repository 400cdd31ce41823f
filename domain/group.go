package domain

import "time"

// UncategorizedGroupID identifies the synthetic bucket holding tasks without
// a (valid) group.
const UncategorizedGroupID = "uncategorized"

// UncategorizedTitle is the display title of the synthetic bucket.
const UncategorizedTitle = "Uncategorized"

// Group is a kanban column definition inside a todo list. Its members are
// never stored here; they are derived from the tasks on every read.
type Group struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId,omitempty"`
	ListID      string    `json:"listId"`
	Title       string    `json:"title"`
	Index       int       `json:"index"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TodoList is the top-level task container. GroupIDs is filled on read from
// the groups that belong to the list.
type TodoList struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId,omitempty"`
	Title       string    `json:"title"`
	IsActive    bool      `json:"isActive"`
	GroupIDs    []string  `json:"groupIds"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session is the ambient identity used to stamp new records.
type Session struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// Key returns a stable identifier for caches and registries.
func (s Session) Key() string {
	return s.WorkspaceID + "/" + s.UserID
}
