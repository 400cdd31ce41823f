package board

import "mindspace-board/domain"

// UpdateQueue records changes in mutation order until they are drained.
type UpdateQueue struct {
	changes []domain.Change
}

// Enqueue appends a change.
func (q *UpdateQueue) Enqueue(c domain.Change) {
	q.changes = append(q.changes, c)
}

// Len returns the number of pending changes.
func (q *UpdateQueue) Len() int {
	return len(q.changes)
}

// Pending returns a copy of the pending changes without draining them.
func (q *UpdateQueue) Pending() []domain.Change {
	out := make([]domain.Change, len(q.changes))
	copy(out, q.changes)
	return out
}

// Drain removes and returns up to max changes, oldest first. A max of zero or
// less drains everything.
func (q *UpdateQueue) Drain(max int) []domain.Change {
	n := len(q.changes)
	if max > 0 && max < n {
		n = max
	}
	out := make([]domain.Change, n)
	copy(out, q.changes[:n])
	rest := make([]domain.Change, len(q.changes)-n)
	copy(rest, q.changes[n:])
	q.changes = rest
	return out
}

// Requeue puts changes back at the head of the queue, keeping their order.
func (q *UpdateQueue) Requeue(changes []domain.Change) {
	if len(changes) == 0 {
		return
	}
	merged := make([]domain.Change, 0, len(changes)+len(q.changes))
	merged = append(merged, changes...)
	q.changes = append(merged, q.changes...)
}
