package api

import (
	"errors"
	"io"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"mindspace-board/board"
	"mindspace-board/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

var errInvalidBody = errors.New("invalid body")

type errorResponse struct {
	Error string `json:"error"`
}

type boardResponse struct {
	Groups       []board.OrderedGroup `json:"groups"`
	Lists        []domain.TodoList    `json:"lists"`
	ActiveListID string               `json:"activeListId"`
	Settings     domain.Settings      `json:"settings"`
}

type columnsResponse struct {
	Field   string         `json:"field"`
	Columns []board.Column `json:"columns"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type moveTaskRequest struct {
	SourceGroupID string `json:"sourceGroupId"`
	DestGroupID   string `json:"destGroupId"`
	Index         int    `json:"index"`
}

type reorderTasksRequest struct {
	TaskIDs   []string `json:"taskIds"`
	FromIndex int      `json:"fromIndex"`
	ToIndex   int      `json:"toIndex"`
}

type createGroupRequest struct {
	ListID string `json:"listId"`
	Title  string `json:"title"`
}

type titleRequest struct {
	Title string `json:"title"`
}

// reorderGroupsRequest accepts either a full id order or explicit
// {id, order} entries.
type reorderGroupsRequest struct {
	IDs   []string           `json:"ids,omitempty"`
	Order []board.GroupOrder `json:"order,omitempty"`
}

type activeListRequest struct {
	ListID string `json:"listId"`
}

type groupsResponse struct {
	Groups []domain.Group `json:"groups"`
}

type listsResponse struct {
	Lists        []domain.TodoList `json:"lists"`
	ActiveListID string            `json:"activeListId"`
}

// decodeBody reads at most maxBodySize bytes of JSON into v, rejecting
// unknown fields.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}
