package healthcheck

import (
	"container/heap"
	"math/rand/v2"
	"time"

	"github.com/Sh00ty/network-lb/internal/healthcheck/strategies"
	"github.com/Sh00ty/network-lb/internal/models"
)

var _ heap.Interface = (*timeBasedHeap)(nil)

type target struct {
	ref        models.BackendRef
	spec       models.CheckSpec
	strategy   strategies.Strategy
	nextInvoke time.Time
	index      int
}

// invokeHeap orders targets by their next invocation, the index map keeps
// add and remove logarithmic.
type invokeHeap struct {
	items timeBasedHeap
	index map[models.BackendRef]*target
}

func newInvokeHeap() *invokeHeap {
	return &invokeHeap{index: make(map[models.BackendRef]*target)}
}

func (h *invokeHeap) len() int {
	return len(h.items)
}

func (h *invokeHeap) get(ref models.BackendRef) (*target, bool) {
	t, ok := h.index[ref]
	return t, ok
}

func (h *invokeHeap) push(t *target) {
	h.index[t.ref] = t
	heap.Push(&h.items, t)
}

func (h *invokeHeap) remove(ref models.BackendRef) bool {
	t, ok := h.index[ref]
	if !ok {
		return false
	}
	delete(h.index, ref)
	heap.Remove(&h.items, t.index)
	return true
}

func (h *invokeHeap) refs() []models.BackendRef {
	result := make([]models.BackendRef, 0, len(h.index))
	for ref := range h.index {
		result = append(result, ref)
	}
	return result
}

// top returns the earliest target or nil.
func (h *invokeHeap) top() *target {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// popDue reschedules every target due at now and returns them.
func (h *invokeHeap) popDue(now time.Time) []*target {
	var due []*target
	for len(h.items) > 0 && !h.items[0].nextInvoke.After(now) {
		t := h.items[0]
		due = append(due, t)
		t.nextInvoke = now.Add(t.spec.Interval)
		heap.Fix(&h.items, 0)
	}
	return due
}

func addIntervalWithJitter(now time.Time, interval time.Duration) time.Time {
	return now.Add(jit(interval))
}

func jit(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Uint64N(uint64(interval)))
}

type timeBasedHeap []*target

func (t timeBasedHeap) Len() int {
	return len(t)
}

func (t timeBasedHeap) Less(i, j int) bool {
	return t[i].nextInvoke.Before(t[j].nextInvoke)
}

func (t timeBasedHeap) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timeBasedHeap) Push(x any) {
	item := x.(*target)
	item.index = len(*t)
	*t = append(*t, item)
}

func (t *timeBasedHeap) Pop() any {
	old := *t
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*t = old[:n-1]
	return item
}
