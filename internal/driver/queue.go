package driver

import (
	"container/heap"

	"github.com/limiquantix/vmplacer/internal/domain"
)

type itemKind int

const (
	itemArrival itemKind = iota
	itemTaskDone
	itemMigrationDone
	itemStateChangeDone
	itemMemoryWarning
	itemSLAWarning
	itemTick
)

type item struct {
	at      domain.Time
	seq     uint64
	kind    itemKind
	task    domain.Task
	vm      domain.VMID
	machine domain.MachineID
}

// itemHeap orders by time, then by insertion so same-time events keep their order.
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type queue struct {
	items itemHeap
	seq   uint64
	ticks int
}

func (q *queue) push(it item) {
	q.seq++
	it.seq = q.seq
	if it.kind == itemTick {
		q.ticks++
	}
	heap.Push(&q.items, it)
}

func (q *queue) pop() item {
	it := heap.Pop(&q.items).(item)
	if it.kind == itemTick {
		q.ticks--
	}
	return it
}

// work reports whether anything other than periodic ticks is scheduled.
func (q *queue) work() bool { return q.items.Len() > q.ticks }
