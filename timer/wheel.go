// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timer implements the monotonic-clock scheduled-task facility
// spec.md §2 item 7 calls for, used by reliability, dedup and observe.
//
// Handles carry a generation counter (spec.md §9 Design Notes) so a
// cancel racing a just-fired callback, or a reschedule racing a stale
// firing, is safe: a callback which fires after it was cancelled or
// superseded observes a generation mismatch and becomes a no-op. This is
// the same defensive idiom as the teacher's cmd/proxy.go, which guards a
// time.AfterFunc callback with an atomic "already processed" flag so a
// late-firing timer can't double-send an ACK.
package timer

import (
	"sync"
	"time"
)

// Handle references a single scheduled callback. The zero Handle is not
// valid; obtain one from Wheel.After/Wheel.At.
type Handle struct {
	wheel *Wheel
	id    uint64
}

// Cancel stops handle's callback from firing, if it hasn't already. Safe to
// call multiple times and safe to call after the callback has already run.
func (h Handle) Cancel() {
	if h.wheel == nil {
		return
	}
	h.wheel.cancel(h.id)
}

type entry struct {
	timer *time.Timer
}

// Wheel is a simple generation-counted scheduler backed by time.AfterFunc;
// "wheel" names the §9 Design Notes concept, not a bucketed timing-wheel
// data structure, which spec.md's scale does not call for.
type Wheel struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
}

// NewWheel builds an empty Wheel.
func NewWheel() *Wheel {
	return &Wheel{entries: make(map[uint64]*entry)}
}

// After schedules fn to run after d, returning a Handle that can cancel it.
func (w *Wheel) After(d time.Duration, fn func()) Handle {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	e := &entry{}
	w.entries[id] = e
	w.mu.Unlock()

	e.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		current, ok := w.entries[id]
		stale := !ok || current != e
		if ok {
			delete(w.entries, id)
		}
		w.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
	return Handle{wheel: w, id: id}
}

// At schedules fn to run at the given monotonic deadline.
func (w *Wheel) At(deadline time.Time, fn func()) Handle {
	return w.After(time.Until(deadline), fn)
}

func (w *Wheel) cancel(id uint64) {
	w.mu.Lock()
	e, ok := w.entries[id]
	if ok {
		delete(w.entries, id)
	}
	w.mu.Unlock()
	if ok {
		e.timer.Stop()
	}
}

// Reschedule cancels handle (if still pending) and schedules fn after d,
// returning the new Handle. This is the cancel-and-reschedule operation
// §9 Design Notes calls out as needing generation-counter safety: because
// the old handle's id is retired under the wheel's lock before the new one
// is allocated, a callback that was already in flight for the old id
// cannot be confused with the new schedule.
func (w *Wheel) Reschedule(h Handle, d time.Duration, fn func()) Handle {
	h.Cancel()
	return w.After(d, fn)
}

// Stop cancels every pending callback. Intended for endpoint shutdown.
func (w *Wheel) Stop() {
	w.mu.Lock()
	entries := w.entries
	w.entries = make(map[uint64]*entry)
	w.mu.Unlock()
	for _, e := range entries {
		e.timer.Stop()
	}
}
