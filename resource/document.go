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

// Package resource provides an example Resource: an in-memory JSON
// document exposing spec.md §9's flattened capability set (serialize,
// etag, max_age, is_observable, notification_type) in place of the
// AbstractWebservice/ObservableWebservice inheritance chain it replaces.
//
// Grounded on cmd/proxy/proxy.go's gjson.GetBytes/sjson.SetBytes pattern
// for locating and rewriting a JSON field in place (here, bumping an
// embedded "rev" counter on every Put), and on content for JSON<->CBOR
// conversion so the document can serve both application/json (50) and
// application/cbor (60).
package resource

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/content"
	"github.com/hollowtree-io/coapendpoint/observe"
)

// Snapshot is a point-in-time, atomically sampled rendering of a Document
// in one content format; it satisfies observe.Snapshot's field shape.
type Snapshot = observe.Snapshot

// Document is an example observable Resource: a single JSON object kept
// in memory, version-stamped by a "rev" field bumped on every Put.
type Document struct {
	codec  *content.Codec
	maxAge time.Duration

	mu   sync.RWMutex
	json []byte

	confirmablePolicy observe.ConfirmablePolicy
	onChange          func(map[uint16]Snapshot)
}

// NewDocument builds a Document seeded with initial JSON bytes (must be a
// JSON object; "rev" is added/overwritten). onChange, if non-nil, is
// invoked after every Put with a fresh snapshot set — wire it directly to
// (*observe.Registry).NotifyStatusChanged.
func NewDocument(initial []byte, maxAge time.Duration, onChange func(map[uint16]Snapshot)) (*Document, error) {
	seeded, err := sjson.SetBytes(initial, "rev", 0)
	if err != nil {
		return nil, fmt.Errorf("resource: seeding rev field: %w", err)
	}
	return &Document{
		codec:    content.NewCodec(true),
		maxAge:   maxAge,
		json:     seeded,
		onChange: onChange,
	}, nil
}

// Put replaces the document body, bumps "rev", and (if onChange is set)
// publishes a fresh snapshot set for every content format this resource
// serves, per spec.md §4.5 step 1's `status_changed` signal.
func (d *Document) Put(body []byte) error {
	d.mu.Lock()
	nextRev := gjson.GetBytes(d.json, "rev").Int() + 1
	withRev, err := sjson.SetBytes(body, "rev", nextRev)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("resource: setting rev field: %w", err)
	}
	d.json = withRev
	snapshots := d.snapshotsLocked()
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(snapshots)
	}
	return nil
}

// Rev reports the document's current "rev" counter, read back out of the
// stored JSON (rather than mirrored in a separate field) so it can never
// drift from what Serialize actually returns.
func (d *Document) Rev() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return gjson.GetBytes(d.json, "rev").Int()
}

// snapshotsLocked builds one Snapshot per content format this resource
// serves, sampling bytes/etag/content-format together under the same lock
// so they can never tear across a notification (spec.md §3's Resource
// status consistency invariant).
func (d *Document) snapshotsLocked() map[uint16]Snapshot {
	etag := etagFor(d.json)
	cborBytes, err := d.codec.JSONToCBOR(d.json)
	out := map[uint16]Snapshot{
		content.FormatJSON: {ContentFormat: content.FormatJSON, Bytes: append([]byte{}, d.json...), ETag: etag, MaxAge: d.maxAge},
	}
	if err == nil {
		out[content.FormatCBOR] = Snapshot{ContentFormat: content.FormatCBOR, Bytes: cborBytes, ETag: etag, MaxAge: d.maxAge}
	}
	return out
}

func etagFor(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:8]
}

// Serialize implements the `serialize(content_format) -> bytes | none`
// capability of spec.md §9.
func (d *Document) Serialize(format uint16) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch format {
	case content.FormatJSON:
		return append([]byte{}, d.json...), true
	case content.FormatCBOR:
		b, err := d.codec.JSONToCBOR(d.json)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// ETag implements the `etag(content_format) -> bytes` capability.
func (d *Document) ETag(format uint16) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return etagFor(d.json)
}

// MaxAge implements the `max_age() -> duration` capability.
func (d *Document) MaxAge() time.Duration { return d.maxAge }

// IsObservable implements the `is_observable() -> bool` capability. A
// Document is always observable; resources that are sometimes observable
// (e.g. gated by access control) would compute this per call instead.
func (d *Document) IsObservable() bool { return true }

// NotificationType implements the `notification_type(remote, token) ->
// CON|NON` capability by delegating to a pluggable policy, matching
// spec.md §4.5 step 3's `is_confirmable(remote, token)`.
func (d *Document) NotificationType(remote string, token coap.Token) coap.Type {
	if d.confirmablePolicy != nil && d.confirmablePolicy(remote, token) {
		return coap.Confirmable
	}
	return coap.NonConfirmable
}

// SetConfirmablePolicy overrides the default always-NON policy.
func (d *Document) SetConfirmablePolicy(p observe.ConfirmablePolicy) {
	d.confirmablePolicy = p
}
