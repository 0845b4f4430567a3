package evidence

import (
	"container/heap"

	"github.com/Veraticus/psan/internal/model"
)

// lookup waits for the token stream to reach target.
type lookup struct {
	kind   model.EvidenceType
	source int
	target int
}

// lookupQueue is a min-heap ordered by target, then source.
type lookupQueue []lookup

func (q lookupQueue) Len() int { return len(q) }

func (q lookupQueue) Less(i, j int) bool {
	if q[i].target != q[j].target {
		return q[i].target < q[j].target
	}
	return q[i].source < q[j].source
}

func (q lookupQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *lookupQueue) Push(x any) { *q = append(*q, x.(lookup)) }

func (q *lookupQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *lookupQueue) push(l lookup) { heap.Push(q, l) }

func (q *lookupQueue) pop() lookup { return heap.Pop(q).(lookup) }

func (q lookupQueue) peek() lookup { return q[0] }

// minSource returns the lowest source among pending lookups.
func (q lookupQueue) minSource() int {
	lowest := q[0].source
	for _, l := range q[1:] {
		if l.source < lowest {
			lowest = l.source
		}
	}
	return lowest
}
