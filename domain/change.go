package domain

import "github.com/bytedance/sonic"

// Entity types carried by change records.
const (
	EntityTask  = "task"
	EntityGroup = "group"
	EntityList  = "list"
)

// Change operations.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpMove     = "move"
	OpReorder  = "reorder"
	OpActivate = "activate"
)

// Change is the write-behind record produced by exactly one logical mutation.
// A move or reorder touches several entities, so their payloads travel
// together as items of the same change.
type Change struct {
	// ID doubles as the idempotency key once the change leaves the engine.
	ID         string       `json:"id"`
	EntityType string       `json:"entityType"`
	Op         string       `json:"op"`
	Items      []ChangeItem `json:"items"`
	Timestamp  int64        `json:"timestamp"`
}

// ChangeItem holds the full payload of one entity, or a tombstone when Deleted.
type ChangeItem struct {
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Deleted    bool                   `json:"deleted,omitempty"`
	Data       sonic.NoCopyRawMessage `json:"data"`
}

// Tombstone is the payload queued for a removed entity.
type Tombstone struct {
	ID      string `json:"id"`
	Deleted bool   `json:"_deleted"`
}

// NewChangeItem encodes v as the payload of an item.
func NewChangeItem(entityType, id string, v any) (ChangeItem, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return ChangeItem{}, err
	}
	return ChangeItem{EntityType: entityType, EntityID: id, Data: data}, nil
}

// NewTombstoneItem encodes a deletion marker for id.
func NewTombstoneItem(entityType, id string) (ChangeItem, error) {
	item, err := NewChangeItem(entityType, id, Tombstone{ID: id, Deleted: true})
	if err != nil {
		return ChangeItem{}, err
	}
	item.Deleted = true
	return item, nil
}

// ChangeEnvelope wraps a change with the session that produced it.
type ChangeEnvelope struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Change      Change `json:"change"`
}
