package reactor

import (
	"container/heap"
	"time"
)

// Timer is a scheduled callback owned by one Reactor.
type Timer struct {
	r        *Reactor
	when     time.Time
	period   time.Duration
	fn       func()
	index    int
	seq      uint64
	canceled bool
}

// Cancel marks the timer inert. A cycle timer stops repeating.
// It reports whether the timer was still pending.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.canceled || t.index < 0 {
		return false
	}
	t.canceled = true
	heap.Remove(&t.r.timers, t.index)
	return true
}

// Pending reports whether the timer is still scheduled.
func (t *Timer) Pending() bool {
	if t == nil {
		return false
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return !t.canceled && t.index >= 0
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
