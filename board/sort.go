package board

import (
	"sort"
	"strings"
	"time"

	"mindspace-board/domain"
)

// Direction of a sort.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// ParseDirection maps "desc"/"descending" to Descending and anything else to
// Ascending.
func ParseDirection(s string) Direction {
	switch strings.ToLower(s) {
	case "desc", "descending":
		return Descending
	}
	return Ascending
}

var priorityRank = map[string]int{"low": 0, "medium": 1, "high": 2, "urgent": 3}

var difficultyRank = map[string]int{"easy": 0, "medium": 1, "hard": 2}

// SortTasks sorts tasks in place by field. Pinned tasks always come first;
// the direction only applies within the pinned and unpinned partitions.
// Unknown fields keep the current order apart from pinning.
func SortTasks(tasks []domain.Task, field string, dir Direction) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := &tasks[i], &tasks[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		c := compareField(a, b, field)
		if dir == Descending {
			c = -c
		}
		return c < 0
	})
}

// sortForView orders the members of a filtered group: pinned first, then the
// stored position, then the due date.
func sortForView(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := &tasks[i], &tasks[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if positionLess(a, b) {
			return true
		}
		if positionLess(b, a) {
			return false
		}
		return compareTime(a.TimestampDue, b.TimestampDue) < 0
	})
}

func compareField(a, b *domain.Task, field string) int {
	switch field {
	case "title":
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	case "status":
		return strings.Compare(a.Status, b.Status)
	case "priority":
		return compareRanked(priorityRank, a.Priority, b.Priority)
	case "difficulty":
		return compareRanked(difficultyRank, a.Difficulty, b.Difficulty)
	case "progress":
		return compareInt(a.Progress, b.Progress)
	case "assignee":
		return strings.Compare(strings.ToLower(a.Assignee), strings.ToLower(b.Assignee))
	case "createdAt":
		ca, cb := a.CreatedAt, b.CreatedAt
		return compareTime(nonZero(&ca), nonZero(&cb))
	case "timestampDue":
		return compareTime(a.TimestampDue, b.TimestampDue)
	case "index":
		return compareInt(a.Index, b.Index)
	case "groupIndex":
		return compareInt(a.GroupIndex, b.GroupIndex)
	}
	return 0
}

// compareRanked orders known values by rank and unknown values after them,
// alphabetically.
func compareRanked(rank map[string]int, a, b string) int {
	ra, okA := rank[strings.ToLower(a)]
	rb, okB := rank[strings.ToLower(b)]
	switch {
	case okA && okB:
		return compareInt(ra, rb)
	case okA:
		return -1
	case okB:
		return 1
	}
	return strings.Compare(a, b)
}

// compareTime treats a nil time as the maximum.
func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

func nonZero(t *time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return t
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
