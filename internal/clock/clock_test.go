package clock

import (
	"testing"
	"time"
)

func TestRealClock_NowIsMonotonic(t *testing.T) {
	c := NewRealClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		if next.Before(prev) {
			t.Fatalf("Now() went backwards: %v after %v", next, prev)
		}
		prev = next
	}
}

func TestRealClock_AfterFuncFires(t *testing.T) {
	c := NewRealClock()
	fired := make(chan struct{})

	timer := c.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc callback never ran")
	}
	if timer.Stop() {
		t.Error("Stop() after firing should return false")
	}
}

func TestRealClock_StopPreventsCallback(t *testing.T) {
	c := NewRealClock()
	fired := make(chan struct{}, 1)

	timer := c.AfterFunc(50*time.Millisecond, func() { fired <- struct{}{} })
	if !timer.Stop() {
		t.Fatal("Stop() before firing should return true")
	}

	select {
	case <-fired:
		t.Error("callback ran after Stop()")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSince(t *testing.T) {
	c := NewRealClock()
	start := c.Now()
	time.Sleep(5 * time.Millisecond)

	if got := Since(c, start); got < 5*time.Millisecond {
		t.Errorf("Since() = %v, want >= 5ms", got)
	}
}

func TestOr(t *testing.T) {
	if _, ok := Or(nil).(*RealClock); !ok {
		t.Error("Or(nil) should fall back to RealClock")
	}

	custom := NewRealClock()
	if Or(custom) != Clock(custom) {
		t.Error("Or(c) should return c unchanged")
	}
}
