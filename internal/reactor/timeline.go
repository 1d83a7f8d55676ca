package reactor

import (
	"container/heap"
	"time"
)

// ScheduleEntry groups every pollable registration due at the same tick.
type ScheduleEntry struct {
	Due   Tick
	regs  []*registration
	index int // position in entryHeap
}

// Len returns the number of services in the entry.
func (e *ScheduleEntry) Len() int {
	return len(e.regs)
}

// entryHeap is a min-heap of entries ordered by due tick.
type entryHeap []*ScheduleEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].Due < h[j].Due }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*ScheduleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timeline is the ascending due-tick -> entry mapping. It is owned by the
// loop goroutine and never locked.
type timeline struct {
	entries map[Tick]*ScheduleEntry
	order   entryHeap
	size    int
}

func newTimeline() *timeline {
	return &timeline{entries: make(map[Tick]*ScheduleEntry)}
}

// insert schedules reg at due, moving it out of its current entry first.
func (tl *timeline) insert(reg *registration, due Tick) {
	if reg.scheduled {
		tl.remove(reg)
	}

	e, ok := tl.entries[due]
	if !ok {
		e = &ScheduleEntry{Due: due}
		tl.entries[due] = e
		heap.Push(&tl.order, e)
	}
	e.regs = append(e.regs, reg)
	reg.due = due
	reg.scheduled = true
	tl.size++
}

// remove deletes reg from the entry its back-reference points at.
// Returns false when reg was not scheduled.
func (tl *timeline) remove(reg *registration) bool {
	if !reg.scheduled {
		return false
	}
	e := tl.entries[reg.due]
	for i, other := range e.regs {
		if other == reg {
			e.regs = append(e.regs[:i], e.regs[i+1:]...)
			break
		}
	}
	reg.scheduled = false
	tl.size--

	if len(e.regs) == 0 {
		heap.Remove(&tl.order, e.index)
		delete(tl.entries, e.Due)
	}
	return true
}

func (tl *timeline) peek() (Tick, bool) {
	if len(tl.order) == 0 {
		return 0, false
	}
	return tl.order[0].Due, true
}

// pop removes and returns the earliest entry. Its registrations are left
// unscheduled until the loop reinserts them.
func (tl *timeline) pop() *ScheduleEntry {
	if len(tl.order) == 0 {
		return nil
	}
	e := heap.Pop(&tl.order).(*ScheduleEntry)
	delete(tl.entries, e.Due)
	for _, reg := range e.regs {
		reg.scheduled = false
	}
	tl.size -= len(e.regs)
	return e
}

// Len returns the number of scheduled services.
func (tl *timeline) Len() int {
	return tl.size
}

// Scheduled describes one pollable service's position on the timeline.
type Scheduled struct {
	Name     string
	Service  PollableService
	Due      Tick
	Interval time.Duration
}

func scheduledOf(reg *registration, due Tick) Scheduled {
	return Scheduled{Name: reg.name, Service: reg.pollable, Due: due, Interval: reg.interval}
}
