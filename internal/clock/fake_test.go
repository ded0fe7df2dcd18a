package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	if got := len(order); got != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("after 2s fired %v, want [a b]", order)
	}
	c.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("after 3s fired %v, want [a b c]", order)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_CallbackSchedulesWithinAdvance(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(500 * time.Millisecond)
	if count != 0 {
		t.Fatalf("count = %d before deadline", count)
	}
	c.Advance(500 * time.Millisecond)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	// Timers scheduled from a callback are relative to the advanced time.
	c.Advance(10 * time.Second)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	c.Advance(time.Second)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestFake_NextDeadline(t *testing.T) {
	c := NewFake(epoch)
	if _, ok := c.NextDeadline(); ok {
		t.Fatal("expected no pending deadline")
	}
	c.AfterFunc(5*time.Second, func() {})
	c.AfterFunc(2*time.Second, func() {})
	d, ok := c.NextDeadline()
	if !ok || d != 2*time.Second {
		t.Fatalf("NextDeadline = %v, %v; want 2s, true", d, ok)
	}
}

func TestFake_WaitForTimers(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})
	go func() {
		c.WaitForTimers(1)
		close(done)
	}()
	c.AfterFunc(time.Second, func() {})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTimers did not return")
	}
}

func TestReal_AfterFunc(t *testing.T) {
	fired := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
