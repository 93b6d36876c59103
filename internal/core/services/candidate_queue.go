package services

import "screenlink/internal/core/domain"

// candidateQueue holds remote candidates that arrived before the remote
// description was applied. Order of arrival is preserved.
type candidateQueue struct {
	items []domain.ICECandidate
	limit int
}

func newCandidateQueue(limit int) *candidateQueue {
	return &candidateQueue{limit: limit}
}

// Push appends c and reports false when a limit is set and reached. A zero
// limit never refuses.
func (q *candidateQueue) Push(c domain.ICECandidate) bool {
	if q.limit > 0 && len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// Drain returns the queued candidates and empties the queue.
func (q *candidateQueue) Drain() []domain.ICECandidate {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) Len() int {
	return len(q.items)
}
