package board

import "errors"

// Errors returned by ordering and boundary operations. Lookups of unknown ids
// are not errors; they report false instead.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrNotInSourceGroup   = errors.New("task is not a member of the source group")
	ErrIndexOutOfRange    = errors.New("index out of range")
	ErrDuplicateTask      = errors.New("task listed more than once")
	ErrListNotFound       = errors.New("list not found")
	ErrParentNotFound     = errors.New("parent task not found")
	ErrEmptyTitle         = errors.New("title cannot be empty")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrLastList           = errors.New("cannot remove the last list")
	ErrFetcherUnavailable = errors.New("no fetcher configured")
	ErrChangeDropped      = errors.New("change could not be encoded")
)
