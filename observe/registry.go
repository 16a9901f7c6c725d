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

// Package observe implements spec.md §4.5's ObservationRegistry: the
// server-side table of active RFC 7641 observations, notification
// sequencing, heartbeat refresh, and the three cancellation paths that
// don't originate at the registry's own API (RST, TransmissionTimeout,
// heartbeat emission failure).
//
// Grounded on coap_observe.go's Observations type: the registrationID
// keying scheme (here reduced to remote+token, since path selection
// belongs to the resource dispatcher, not the registry), addRegistration/
// removeRegistration/getRegistration under a single mutex, and the RFC
// 7641 §3.6 note about RST cancellation kept below on Registry.ResetReceived.
// Rewritten away from the teacher's HTTP long-polling model (longPoll,
// next http.Handler) toward the Resource-snapshot model, since HTTP mapping
// is an explicit non-goal here.
package observe

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/reliability"
	"github.com/hollowtree-io/coapendpoint/timer"
)

// serialMask keeps notification_serial within RFC 7641's 24-bit range.
const serialMask = 0x00FFFFFF

// Fresher implements RFC 7641 §3.4's ordering test: does v2 supersede v1?
// Exported so a client-side receiver (or a test) can apply the same
// arithmetic the registry's monotonic generator is built to satisfy.
func Fresher(v1, v2 uint32) bool {
	v1 &= serialMask
	v2 &= serialMask
	const half = serialMask/2 + 1
	if v1 < v2 && v2-v1 < half {
		return true
	}
	if v1 > v2 && v1-v2 > half {
		return true
	}
	return false
}

func nextSerial(v uint32) uint32 {
	return (v + 1) & serialMask
}

// Sender is the outbound collaborator notifications are written through.
// *reliability.Manager satisfies this directly.
type Sender interface {
	SendConfirmable(msg *coap.Message, remote string) (reliability.TransferHandle, error)
	SendNonconfirmable(msg *coap.Message, remote string) error
}

// IDAllocator assigns message ids to outbound notifications.
// *ids.Allocator satisfies this directly.
type IDAllocator interface {
	NextMessageID(remote string) uint16
}

// ConfirmablePolicy decides whether a regular (non-heartbeat) notification
// for (remote, token) should be sent Confirmable. Heartbeats are always
// Confirmable, per spec.md §4.5 step 7. The default policy always answers
// false (NON), matching "default NON for load".
type ConfirmablePolicy func(remote string, token coap.Token) bool

func defaultPolicy(string, coap.Token) bool { return false }

// Snapshot is spec.md §3's Resource status, sampled atomically by the
// resource so etag/max-age/content-bytes never tear across a notification.
type Snapshot struct {
	ContentFormat uint16
	Bytes         []byte
	ETag          []byte
	MaxAge        time.Duration
}

// Observation is spec.md §3's Observation record.
type Observation struct {
	Remote        string
	Token         coap.Token
	ContentFormat uint16
	EtagsKnown    map[string]bool
	LastMessageID uint16
	Serial        uint32
	Confirmable   bool // type of the most recently sent notification

	// HandleID is an opaque correlation id distinct from the wire Token, so
	// logs and application code can name this observation without parsing
	// token bytes (the same layering reliability.TransferHandle uses).
	HandleID uuid.UUID

	heartbeat timer.Handle
}

func key(remote string, token coap.Token) string {
	return remote + "\x00" + string(token)
}

func etagKey(etag []byte) string { return string(etag) }

// Registry is spec.md §4.5's ObservationRegistry.
type Registry struct {
	sender  Sender
	ids     IDAllocator
	policy  ConfirmablePolicy
	heartbeatInterval time.Duration
	wheel   *timer.Wheel
	logger  coap.Logger

	// disposed is set once by Shutdown and checked by Register, so no
	// observation is admitted after shutdown, per spec.md §9's Open
	// Question resolution: the flag stands in for the source's
	// permanently-held write lock, without blocking every other registry
	// call forever.
	disposed atomic.Bool

	mu    sync.RWMutex
	table map[string]*Observation

	snapMu sync.Mutex
	snaps  map[uint16]Snapshot

	notifyMu   sync.Mutex
	pending    map[uint16]Snapshot
	processing bool

	activeGauge      prometheus.Gauge
	notificationsCtr prometheus.Counter
	heartbeatFailCtr prometheus.Counter
}

// NewRegistry builds a Registry. policy may be nil (defaultPolicy applies).
func NewRegistry(sender Sender, ids IDAllocator, heartbeatInterval time.Duration, policy ConfirmablePolicy, logger coap.Logger) *Registry {
	if policy == nil {
		policy = defaultPolicy
	}
	if logger == nil {
		logger = coap.NopLogger
	}
	return &Registry{
		sender:            sender,
		ids:               ids,
		policy:            policy,
		heartbeatInterval: heartbeatInterval,
		wheel:             timer.NewWheel(),
		logger:            logger,
		table:             make(map[string]*Observation),
		snaps:             make(map[uint16]Snapshot),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coap_observations_active",
			Help: "Number of currently registered Observe relationships.",
		}),
		notificationsCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_observe_notifications_sent_total",
			Help: "Total Observe notifications sent across all observations.",
		}),
		heartbeatFailCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coap_observe_heartbeat_failures_total",
			Help: "Total heartbeat notifications that could not be sent for lack of a snapshot.",
		}),
	}
}

// Collectors exposes the registry's metrics so the caller can register
// them with a prometheus.Registerer of its choosing.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.activeGauge, r.notificationsCtr, r.heartbeatFailCtr}
}

// Register admits a new observation. Per spec.md §4.5 this must be called
// AFTER the initial response (carrying initialSerial as its Observe value)
// has been queued. knownETags lists the ETag option values the requesting
// GET already carried (RFC 7252 §5.10.6 allows repeating ETag on a GET to
// list cached representations); they seed Observation.EtagsKnown so a
// later notification whose snapshot matches one can answer the bodyless
// 2.03 Valid spec.md §4.5 step 4 calls for instead of always sending 2.05
// Content.
func (r *Registry) Register(remote string, token coap.Token, contentFormat uint16, initialSerial uint32, knownETags ...[]byte) {
	if r.disposed.Load() {
		return
	}
	etags := make(map[string]bool, len(knownETags))
	for _, e := range knownETags {
		etags[etagKey(e)] = true
	}
	obs := &Observation{
		Remote:        remote,
		Token:         append(coap.Token{}, token...),
		ContentFormat: contentFormat,
		EtagsKnown:    etags,
		Serial:        initialSerial,
		HandleID:      uuid.New(),
	}
	k := key(remote, token)

	r.mu.Lock()
	r.table[k] = obs
	r.mu.Unlock()

	r.activeGauge.Inc()
	r.scheduleHeartbeat(k, obs)
}

// Reason names why an observation was torn down (spec.md §4.5).
type Reason string

const (
	ReasonExplicit        Reason = "explicit-deregister"
	ReasonReset           Reason = "reset"
	ReasonTimeout         Reason = "transmission-timeout"
	ReasonResourceGone    Reason = "resource-shutdown"
	ReasonHeartbeatFailed Reason = "heartbeat-failed"
	ReasonShutdown        Reason = "endpoint-shutdown"
	ReasonNoSnapshot      Reason = "content-format-unavailable"
)

// Deregister removes the observation for (remote, token), if present.
func (r *Registry) Deregister(remote string, token coap.Token, reason Reason) {
	k := key(remote, token)
	r.mu.Lock()
	obs, ok := r.table[k]
	if ok {
		delete(r.table, k)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	obs.heartbeat.Cancel()
	r.activeGauge.Dec()
	r.logger.Printf("observe: deregistered remote=%s token=%s reason=%s", remote, token, reason)
}

// ShutdownResource deregisters every observation held against a resource
// whose content formats are listed in formats, per spec.md §4.5's
// "resource shutdown" trigger.
func (r *Registry) ShutdownResource(formats []uint16) {
	want := make(map[uint16]bool, len(formats))
	for _, f := range formats {
		want[f] = true
	}
	r.mu.RLock()
	var victims []*Observation
	for _, obs := range r.table {
		if want[obs.ContentFormat] {
			victims = append(victims, obs)
		}
	}
	r.mu.RUnlock()
	for _, obs := range victims {
		r.Deregister(obs.Remote, obs.Token, ReasonResourceGone)
	}
}

// Shutdown is spec.md §7's Shutdown trigger: every outstanding observation
// is sent a 4.04 Not Found NON and removed, and the registry stops
// accepting new registrations thereafter. Safe to call more than once.
func (r *Registry) Shutdown() {
	if !r.disposed.CAS(false, true) {
		return
	}
	r.mu.Lock()
	victims := make([]*Observation, 0, len(r.table))
	for _, obs := range r.table {
		victims = append(victims, obs)
	}
	r.table = make(map[string]*Observation)
	r.mu.Unlock()

	for _, obs := range victims {
		obs.heartbeat.Cancel()
		r.activeGauge.Dec()
		msg := &coap.Message{Code: coap.NotFound, Token: obs.Token}
		msg.MessageID = r.ids.NextMessageID(obs.Remote)
		_ = r.sender.SendNonconfirmable(msg, obs.Remote)
		r.logger.Printf("observe: deregistered remote=%s token=%s reason=%s", obs.Remote, obs.Token, ReasonShutdown)
	}
	r.wheel.Stop()
}

// --- reliability.EventSink -------------------------------------------------
//
// Registry satisfies reliability.EventSink so it can observe the fate of
// its own Confirmable notifications without the router needing to know
// about it; endpoint.New hands it to reliability.Manager wrapped in a
// reliability.FanOut.

func (r *Registry) MessageIDAssigned(remote string, token coap.Token, messageID uint16) {
	r.withObservation(remote, token, func(obs *Observation) {
		obs.LastMessageID = messageID
	})
}

func (r *Registry) EmptyAckReceived(remote string, token coap.Token, messageID uint16) {}

// ResetReceived cancels the observation: RFC 7641 §3.6 treats an RST
// matching a notification's message id as the client walking away.
func (r *Registry) ResetReceived(remote string, token coap.Token, messageID uint16) {
	r.Deregister(remote, token, ReasonReset)
}

func (r *Registry) TransmissionSucceeded(remote string, token coap.Token, messageID uint16) {
	r.withObservation(remote, token, func(obs *Observation) {
		r.rescheduleHeartbeat(key(remote, token), obs)
	})
}

// TransmissionTimeout cancels the observation per RFC 7641 §4.5.
func (r *Registry) TransmissionTimeout(remote string, token coap.Token, messageID uint16) {
	r.Deregister(remote, token, ReasonTimeout)
}

func (r *Registry) withObservation(remote string, token coap.Token, fn func(*Observation)) {
	r.mu.RLock()
	obs, ok := r.table[key(remote, token)]
	r.mu.RUnlock()
	if ok {
		fn(obs)
	}
}

// --- notification pipeline -------------------------------------------------

// NotifyStatusChanged is the resource's `status_changed` signal, carrying
// one sampled Snapshot per content format it serves. Concurrent calls
// coalesce: each call replaces the pending snapshot set, a pass already in
// flight stops before its next observer once a newer set is pending, and
// the next pass sends the latest set to every observation, per spec.md
// §4.5's "Concurrency between update bursts".
func (r *Registry) NotifyStatusChanged(snapshots map[uint16]Snapshot) {
	r.snapMu.Lock()
	for cf, s := range snapshots {
		r.snaps[cf] = s
	}
	r.snapMu.Unlock()

	r.notifyMu.Lock()
	r.pending = snapshots
	if r.processing {
		r.notifyMu.Unlock()
		return
	}
	r.processing = true
	r.notifyMu.Unlock()
	go r.drain()
}

func (r *Registry) drain() {
	for {
		r.notifyMu.Lock()
		snap := r.pending
		r.pending = nil
		if snap == nil {
			r.processing = false
			r.notifyMu.Unlock()
			return
		}
		r.notifyMu.Unlock()
		r.buildAndSend(snap)
	}
}

func (r *Registry) buildAndSend(snapshots map[uint16]Snapshot) {
	r.mu.RLock()
	targets := make([]*Observation, 0, len(r.table))
	for _, obs := range r.table {
		targets = append(targets, obs)
	}
	r.mu.RUnlock()

	for _, obs := range targets {
		r.notifyMu.Lock()
		superseded := r.pending != nil
		r.notifyMu.Unlock()
		if superseded {
			// a newer snapshot set is pending; drain's next pass sends it
			// to every observation, this one included.
			return
		}
		snap, ok := snapshots[obs.ContentFormat]
		if !ok {
			r.sendErrorNotification(obs)
			r.Deregister(obs.Remote, obs.Token, ReasonNoSnapshot)
			continue
		}
		r.sendNotification(obs, snap)
	}
}

func (r *Registry) sendErrorNotification(obs *Observation) {
	msg := &coap.Message{
		Code:  coap.NotFound, // 4.00-class: spec.md §4.5 step 2 only specifies the class
		Token: obs.Token,
	}
	msg.MessageID = r.ids.NextMessageID(obs.Remote)
	_ = r.sender.SendNonconfirmable(msg, obs.Remote)
}

func (r *Registry) sendNotification(obs *Observation, snap Snapshot) {
	r.mu.Lock()
	obs.Serial = nextSerial(obs.Serial)
	serial := obs.Serial
	r.mu.Unlock()

	known := obs.EtagsKnown[etagKey(snap.ETag)]
	msg := &coap.Message{Token: obs.Token}
	// ETag (4) before Observe (6): wire.Encode requires ascending option
	// numbers and SetObserve appends.
	if len(snap.ETag) > 0 {
		msg.Options = msg.Options.Add(coap.OptionETag, snap.ETag)
	}
	msg.SetObserve(serial)
	if known {
		msg.Code = coap.Valid
	} else {
		msg.Code = coap.Content
		msg.Payload = snap.Bytes
	}
	msg.MessageID = r.ids.NextMessageID(obs.Remote)

	confirmable := r.policy(obs.Remote, obs.Token)
	r.mu.Lock()
	obs.Confirmable = confirmable
	r.mu.Unlock()

	var err error
	if confirmable {
		_, err = r.sender.SendConfirmable(msg, obs.Remote)
	} else {
		err = r.sender.SendNonconfirmable(msg, obs.Remote)
	}
	if err != nil {
		r.logger.Printf("observe: notification to %s failed: %s", obs.Remote, err)
		return
	}
	r.notificationsCtr.Inc()
}

// --- heartbeat --------------------------------------------------------------

func (r *Registry) scheduleHeartbeat(k string, obs *Observation) {
	obs.heartbeat = r.wheel.After(r.heartbeatInterval, func() { r.fireHeartbeat(k) })
}

func (r *Registry) rescheduleHeartbeat(k string, obs *Observation) {
	obs.heartbeat = r.wheel.Reschedule(obs.heartbeat, r.heartbeatInterval, func() { r.fireHeartbeat(k) })
}

// fireHeartbeat emits a Confirmable notification carrying the last known
// snapshot for the observation's content format, per spec.md §4.5 step 7.
// If no snapshot has ever been produced for that content format, the
// heartbeat cannot be built; the observation is deregistered (trigger e).
func (r *Registry) fireHeartbeat(k string) {
	r.mu.RLock()
	obs, ok := r.table[k]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.snapMu.Lock()
	snap, hasSnap := r.snaps[obs.ContentFormat]
	r.snapMu.Unlock()

	if !hasSnap {
		r.heartbeatFailCtr.Inc()
		r.Deregister(obs.Remote, obs.Token, ReasonHeartbeatFailed)
		return
	}

	r.mu.Lock()
	obs.Serial = nextSerial(obs.Serial)
	serial := obs.Serial
	r.mu.Unlock()

	msg := &coap.Message{Code: coap.Content, Token: obs.Token, Payload: snap.Bytes}
	msg.SetObserve(serial)
	msg.MessageID = r.ids.NextMessageID(obs.Remote)

	if _, err := r.sender.SendConfirmable(msg, obs.Remote); err != nil {
		r.heartbeatFailCtr.Inc()
		r.logger.Printf("observe: heartbeat send to %s failed: %s", obs.Remote, err)
		return
	}
	r.notificationsCtr.Inc()
}

// Stop cancels every pending heartbeat timer. Intended for endpoint
// shutdown.
func (r *Registry) Stop() {
	r.wheel.Stop()
}
