package board

import (
	"time"

	"mindspace-board/domain"
)

// ViewOptions drives GetFilteredGroups. A SortField replaces the positional
// ordering inside each group; pinned tasks lead either way.
type ViewOptions struct {
	SearchTerm   string
	Filters      []Filter
	ActiveListID string
	SortField    string
	Direction    Direction
}

// GetFilteredGroups filters the top-level tasks, groups them and orders each
// group for display. The inputs are never modified.
func GetFilteredGroups(tasks []domain.Task, groups []domain.Group, opts ViewOptions, now time.Time) []OrderedGroup {
	top := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.IsSubtask() {
			top = append(top, t.Clone())
		}
	}
	filtered := FilterTasks(top, FilterOptions{
		SearchTerm:   opts.SearchTerm,
		Filters:      opts.Filters,
		ActiveListID: opts.ActiveListID,
	}, now)

	out := BuildGroups(filtered, groups, opts.ActiveListID)
	for i := range out {
		if opts.SortField != "" {
			SortTasks(out[i].Tasks, opts.SortField, opts.Direction)
		} else {
			sortForView(out[i].Tasks)
		}
		out[i].TaskIDs = taskIDs(out[i].Tasks)
	}
	return out
}
