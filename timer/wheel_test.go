package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	w := NewWheel()
	var fired int32
	w.After(10*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("expected callback to have fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	w := NewWheel()
	var fired int32
	h := w.After(20*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	h.Cancel()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Errorf("expected cancelled callback not to fire")
	}
}

func TestRescheduleStaleFirstFireIsNoop(t *testing.T) {
	w := NewWheel()
	var count int32
	h := w.After(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	h2 := w.Reschedule(h, 30*time.Millisecond, func() {
		atomic.AddInt32(&count, 10)
	})
	_ = h2
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&count) != 10 {
		t.Errorf("expected only the rescheduled callback to fire, count=%d", count)
	}
}

func TestStopCancelsAll(t *testing.T) {
	w := NewWheel()
	var fired int32
	w.After(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	w.After(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	w.Stop()
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Errorf("expected no callbacks to fire after Stop, got %d", fired)
	}
}
