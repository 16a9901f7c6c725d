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

// Package dedup implements spec.md §4.3's InboundDeduplicator: suppressing
// repeated (remote, message id) deliveries and replaying the cached
// piggybacked response for idempotent duplicates.
//
// Grounded on the mutex-guarded-map idiom used throughout the teacher
// (coap_observe.go's Observations.obs/accessTokens maps under a single
// sync.Mutex).
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/hollowtree-io/coapendpoint/timer"
)

// Entry is spec.md §3's DedupEntry.
type Entry struct {
	FirstSeen       time.Time
	StoredResponse  []byte // the cached piggybacked ACK wire bytes, if any
	HasStoredResponse bool
}

// Table is spec.md §4.3's InboundDeduplicator.
type Table struct {
	lifetime time.Duration
	wheel    *timer.Wheel

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable builds a Table aging entries out after lifetime (EXCHANGE_LIFETIME).
func NewTable(lifetime time.Duration) *Table {
	return &Table{
		lifetime: lifetime,
		wheel:    timer.NewWheel(),
		entries:  make(map[string]*Entry),
	}
}

func key(remote string, messageID uint16) string {
	return fmt.Sprintf("%s#%d", remote, messageID)
}

// MessageIDLive satisfies ids.LiveChecker: a dedup entry still covering id
// means the allocator must skip it.
func (t *Table) MessageIDLive(remote string, id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key(remote, id)]
	return ok
}

// Observe performs the atomic lookup-then-insert spec.md §4.3's concurrency
// contract requires. It reports whether (remote, messageID) was already
// present (a duplicate) and, if so, any cached response bytes recorded by
// StoreResponse for the first delivery.
func (t *Table) Observe(remote string, messageID uint16) (duplicate bool, cached []byte, hasCached bool) {
	k := key(remote, messageID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[k]; ok {
		return true, e.StoredResponse, e.HasStoredResponse
	}

	e := &Entry{FirstSeen: time.Now()}
	t.entries[k] = e
	t.wheel.After(t.lifetime, func() {
		t.mu.Lock()
		delete(t.entries, k)
		t.mu.Unlock()
	})
	return false, nil, false
}

// StoreResponse records the piggybacked ACK wire bytes produced for the
// first delivery of (remote, messageID), so a later duplicate can replay
// byte-identical bytes (spec.md §8's idempotence law). No-op if the entry
// has already aged out.
func (t *Table) StoreResponse(remote string, messageID uint16, response []byte) {
	k := key(remote, messageID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[k]; ok {
		e.StoredResponse = response
		e.HasStoredResponse = true
	}
}

// Stop halts the aging reaper. Intended for endpoint shutdown.
func (t *Table) Stop() {
	t.wheel.Stop()
}
