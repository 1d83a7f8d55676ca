package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

type commandKind int

const (
	cmdSchedule commandKind = iota
	cmdUnschedule
)

type command struct {
	kind commandKind
	reg  *registration
	due  Tick // cmdSchedule only, fixed when Add ran
}

// commandQueue is an unbounded FIFO of timeline mutations with a single
// consumer, the loop goroutine. push never blocks, so registration calls are
// safe from inside a Poll.
type commandQueue struct {
	mu   sync.Mutex
	q    *queue.Queue
	wake chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		q:    queue.New(),
		wake: make(chan struct{}, 1),
	}
}

// push signals wake under the lock, so a pending wake always has a queued
// command behind it.
func (c *commandQueue) push(cmd command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.q.Add(cmd)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drain consumes the pending wake signal and returns every queued command in
// arrival order.
func (c *commandQueue) drain() []command {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.wake:
	default:
	}
	if c.q.Length() == 0 {
		return nil
	}
	out := make([]command, 0, c.q.Length())
	for c.q.Length() > 0 {
		out = append(out, c.q.Remove().(command))
	}
	return out
}
