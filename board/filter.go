package board

import (
	"strconv"
	"strings"
	"time"

	"mindspace-board/domain"
)

// Due-date buckets understood by the timestampDue filter.
const (
	DueOverdue  = "overdue"
	DueToday    = "today"
	DueThisWeek = "this-week"
	DueNextWeek = "next-week"
	DueUpcoming = "upcoming"
	DueNone     = "none"
)

// Filter is a single field predicate.
type Filter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// FilterOptions defines which tasks to include. An empty ActiveListID keeps
// tasks of every list.
type FilterOptions struct {
	SearchTerm   string
	Filters      []Filter
	ActiveListID string
}

// FilterTasks returns tasks matching the list scope, the search term and all
// filters (AND logic). now anchors the due-date buckets.
func FilterTasks(tasks []domain.Task, opts FilterOptions, now time.Time) []domain.Task {
	result := make([]domain.Task, 0, len(tasks))
	for i := range tasks {
		if matchesFilter(&tasks[i], opts, now) {
			result = append(result, tasks[i])
		}
	}
	return result
}

func matchesFilter(t *domain.Task, opts FilterOptions, now time.Time) bool {
	if opts.ActiveListID != "" && t.ListID != opts.ActiveListID {
		return false
	}
	if opts.SearchTerm != "" && !matchesSearch(t, opts.SearchTerm) {
		return false
	}
	for _, f := range opts.Filters {
		if !matchesPredicate(t, f, now) {
			return false
		}
	}
	return true
}

// matchesSearch performs case-insensitive substring matching across title,
// description, tags and categories.
func matchesSearch(t *domain.Task, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(t.Title), q) {
		return true
	}
	if strings.Contains(strings.ToLower(t.Description), q) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	for _, c := range t.Categories {
		if strings.Contains(strings.ToLower(c), q) {
			return true
		}
	}
	return false
}

// matchesPredicate ignores filters with an empty value or an unknown field.
func matchesPredicate(t *domain.Task, f Filter, now time.Time) bool {
	if f.Value == "" {
		return true
	}
	switch f.Field {
	case "title":
		return containsFold(t.Title, f.Value)
	case "description":
		return containsFold(t.Description, f.Value)
	case "status":
		return strings.EqualFold(t.Status, f.Value)
	case "priority":
		return strings.EqualFold(t.Priority, f.Value)
	case "difficulty":
		return strings.EqualFold(t.Difficulty, f.Value)
	case "assignee":
		return strings.EqualFold(t.Assignee, f.Value)
	case "tags":
		return containsStrFold(t.Tags, f.Value)
	case "categories":
		return containsStrFold(t.Categories, f.Value)
	case "isPinned":
		return matchesBool(t.IsPinned, f.Value)
	case "isCompleted":
		return matchesBool(t.IsCompleted, f.Value)
	case "timestampDue":
		return InDueBucket(t.TimestampDue, f.Value, now)
	}
	return true
}

func matchesBool(v bool, raw string) bool {
	want, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v == want
}

// InDueBucket reports whether due falls into bucket relative to the local
// midnight of now. Weeks start on Sunday. Tasks without a due date only match
// the none bucket; unknown buckets match everything.
func InDueBucket(due *time.Time, bucket string, now time.Time) bool {
	if due == nil {
		return bucket == DueNone || !knownBucket(bucket)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tomorrow := today.AddDate(0, 0, 1)
	nextWeek := today.AddDate(0, 0, 7-int(today.Weekday()))
	weekAfter := nextWeek.AddDate(0, 0, 7)
	d := due.In(now.Location())

	switch bucket {
	case DueOverdue:
		return d.Before(today)
	case DueToday:
		return !d.Before(today) && d.Before(tomorrow)
	case DueThisWeek:
		return !d.Before(today) && d.Before(nextWeek)
	case DueNextWeek:
		return !d.Before(nextWeek) && d.Before(weekAfter)
	case DueUpcoming:
		return !d.Before(today)
	case DueNone:
		return false
	}
	return true
}

func knownBucket(bucket string) bool {
	switch bucket {
	case DueOverdue, DueToday, DueThisWeek, DueNextWeek, DueUpcoming, DueNone:
		return true
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func containsStrFold(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
