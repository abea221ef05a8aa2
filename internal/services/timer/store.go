package timer

import (
	"container/heap"
	"time"
)

// store is the dual-indexed set of live records: a min-heap ordered by
// (deadline, seq) and a map keyed by id. A record is present in both views or
// in neither.
//
// store does no locking of its own; the Service mutex guards every call.
type store struct {
	heap deadlineHeap
	byID map[uint64]*record
	seq  uint64
}

func newStore() *store {
	return &store{byID: map[uint64]*record{}}
}

func (st *store) insert(r *record) {
	st.seq++
	r.seq = st.seq
	st.byID[r.id] = r
	heap.Push(&st.heap, r)
}

// removeByID deletes the record from both views. It reports whether the id
// was present.
func (st *store) removeByID(id uint64) bool {
	r, ok := st.byID[id]
	if !ok {
		return false
	}
	delete(st.byID, id)
	heap.Remove(&st.heap, r.heapIdx)
	return true
}

// popExpired removes and returns every record with deadline <= now, in
// deadline order (ties in insertion order).
func (st *store) popExpired(now time.Time) []*record {
	var out []*record
	for st.heap.Len() > 0 {
		top := st.heap[0]
		if top.deadline.After(now) {
			break
		}
		r := heap.Pop(&st.heap).(*record)
		delete(st.byID, r.id)
		out = append(out, r)
	}
	return out
}

// earliest reports the soonest deadline, if any record is pending.
func (st *store) earliest() (time.Time, bool) {
	if st.heap.Len() == 0 {
		return time.Time{}, false
	}
	return st.heap[0].deadline, true
}

func (st *store) get(id uint64) (*record, bool) {
	r, ok := st.byID[id]
	return r, ok
}

func (st *store) size() int { return len(st.byID) }

func (st *store) clear() {
	st.heap = nil
	st.byID = map[uint64]*record{}
}

// deadlineHeap orders records by deadline, then by insertion sequence so
// equal deadlines pop in schedule order.
type deadlineHeap []*record

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *deadlineHeap) Push(x any) {
	r := x.(*record)
	r.heapIdx = len(*h)
	*h = append(*h, r)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIdx = -1
	*h = old[:n-1]
	return r
}
