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

// Package reliability implements spec.md §4.2's OutboundReliability: the
// per (remote, message id) retransmission state machine for Confirmable
// sends.
//
// Grounded on other_examples' dustin/go-coap Retransmitter (a map of
// in-flight messages keyed by "remote#messageID", one goroutine per
// message racing an ack channel against time.After, doubling the timeout
// on each retry) and Lobaro/coap-go's Interaction.RoundTrip (piggyback vs.
// separate-response branching, ack/reset validated against message id
// before token).
package reliability

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/timer"
)

// State is a TransmissionRecord's lifecycle state (spec.md §3).
type State uint8

const (
	Waiting State = iota
	Acked
	Rejected
	Expired
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Acked:
		return "Acked"
	case Rejected:
		return "Rejected"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool { return s != Waiting }

// Transport is the socket-plumbing collaborator spec.md §1 treats as
// external: write the wire bytes for msg to remote.
type Transport interface {
	WriteMessage(msg *coap.Message, remote string) error
}

// EventSink receives the lifecycle events spec.md §4.2 enumerates.
// ObservationRegistry is the canonical subscriber (it must cancel an
// observation on TransmissionTimeout, per RFC 7641 §4.5).
type EventSink interface {
	MessageIDAssigned(remote string, token coap.Token, messageID uint16)
	EmptyAckReceived(remote string, token coap.Token, messageID uint16)
	ResetReceived(remote string, token coap.Token, messageID uint16)
	TransmissionSucceeded(remote string, token coap.Token, messageID uint16)
	TransmissionTimeout(remote string, token coap.Token, messageID uint16)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) MessageIDAssigned(string, coap.Token, uint16)    {}
func (NopSink) EmptyAckReceived(string, coap.Token, uint16)     {}
func (NopSink) ResetReceived(string, coap.Token, uint16)        {}
func (NopSink) TransmissionSucceeded(string, coap.Token, uint16) {}
func (NopSink) TransmissionTimeout(string, coap.Token, uint16)  {}

// FanOut forwards every EventSink callback to each of its members, in
// order, since Manager only ever holds a single EventSink. endpoint.New
// uses it to deliver events to the ObservationRegistry.
type FanOut []EventSink

func (f FanOut) MessageIDAssigned(remote string, token coap.Token, messageID uint16) {
	for _, s := range f {
		s.MessageIDAssigned(remote, token, messageID)
	}
}
func (f FanOut) EmptyAckReceived(remote string, token coap.Token, messageID uint16) {
	for _, s := range f {
		s.EmptyAckReceived(remote, token, messageID)
	}
}
func (f FanOut) ResetReceived(remote string, token coap.Token, messageID uint16) {
	for _, s := range f {
		s.ResetReceived(remote, token, messageID)
	}
}
func (f FanOut) TransmissionSucceeded(remote string, token coap.Token, messageID uint16) {
	for _, s := range f {
		s.TransmissionSucceeded(remote, token, messageID)
	}
}
func (f FanOut) TransmissionTimeout(remote string, token coap.Token, messageID uint16) {
	for _, s := range f {
		s.TransmissionTimeout(remote, token, messageID)
	}
}

// Record is the TransmissionRecord of spec.md §3, one per outbound CON
// awaiting resolution.
type Record struct {
	Message *coap.Message
	Remote  string

	attempt atomic.Int32
	state   atomic.Uint32 // State

	mu          sync.Mutex
	nextFireAt  time.Time
	handle      timer.Handle
	baseTimeout time.Duration // the randomized attempt-0 timeout; doubled on each retry
}

func (r *Record) State() State { return State(r.state.Load()) }
func (r *Record) Attempt() int { return int(r.attempt.Load()) }

// TransferHandle lets the application cancel a pending confirmable send
// (spec.md §4.2's `cancel(handle)`). It also carries an opaque HandleID
// (a google/uuid value distinct from the wire Token) so application code
// and logs can name an in-flight exchange without parsing token bytes —
// the same layering gomcp and kubernaut use for internal correlation ids
// over a protocol-level identifier.
type TransferHandle struct {
	key      string
	handleID uuid.UUID
	mgr      *Manager
}

// Cancel moves the record to Rejected; no further retries are scheduled.
// Already-sent datagrams are not retracted (spec.md §5).
func (h TransferHandle) Cancel() {
	h.mgr.cancel(h.key)
}

// HandleID returns the handle's opaque correlation id. The zero
// TransferHandle (e.g. one returned alongside a non-nil error) has a nil
// UUID.
func (h TransferHandle) HandleID() uuid.UUID {
	return h.handleID
}

// Manager is spec.md §4.2's OutboundReliability.
type Manager struct {
	cfg       Config
	transport Transport
	sink      EventSink
	wheel     *timer.Wheel
	logger    coap.Logger

	mu      sync.Mutex
	records map[string]*Record
}

// Config is the subset of coap.Config reliability needs, decoupled so this
// package doesn't import the root package's Config type directly (avoiding
// a dependency on fields it doesn't use).
type Config struct {
	ACKTimeout       time.Duration
	ACKRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
}

// NewManager builds a Manager. sink may be NopSink{} if nothing needs the
// lifecycle events.
func NewManager(cfg Config, transport Transport, sink EventSink, logger coap.Logger) *Manager {
	if logger == nil {
		logger = coap.NopLogger
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		wheel:     timer.NewWheel(),
		logger:    logger,
		records:   make(map[string]*Record),
	}
}

func key(remote string, messageID uint16) string {
	return fmt.Sprintf("%s#%d", remote, messageID)
}

// MessageIDLive reports whether (remote, id) still has a non-terminal or
// recently-terminal record, satisfying ids.LiveChecker.
func (m *Manager) MessageIDLive(remote string, id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key(remote, id)]
	return ok
}

// SendConfirmable inserts a record, sends attempt 0, and schedules the
// first retry, per spec.md §4.2.
func (m *Manager) SendConfirmable(msg *coap.Message, remote string) (TransferHandle, error) {
	msg.Type = coap.Confirmable
	k := key(remote, msg.MessageID)
	rec := &Record{Message: msg, Remote: remote}

	m.mu.Lock()
	if existing, ok := m.records[k]; ok && !existing.State().terminal() {
		m.mu.Unlock()
		return TransferHandle{}, fmt.Errorf("reliability: (remote, message id) already has a live record: %s", k)
	}
	m.records[k] = rec
	m.mu.Unlock()

	m.sink.MessageIDAssigned(remote, msg.Token, msg.MessageID)

	if err := m.transport.WriteMessage(msg, remote); err != nil {
		m.logger.Printf("reliability: initial send to %s failed: %s", remote, err)
		return TransferHandle{}, err
	}

	timeout := m.initialTimeout()
	rec.mu.Lock()
	rec.baseTimeout = timeout
	rec.nextFireAt = time.Now().Add(timeout)
	rec.handle = m.wheel.After(timeout, func() { m.onTimeout(k) })
	rec.mu.Unlock()

	return TransferHandle{key: k, handleID: uuid.New(), mgr: m}, nil
}

// SendNonconfirmable is a one-shot transmission; no record is kept.
func (m *Manager) SendNonconfirmable(msg *coap.Message, remote string) error {
	msg.Type = coap.NonConfirmable
	return m.transport.WriteMessage(msg, remote)
}

func (m *Manager) initialTimeout() time.Duration {
	factor := m.cfg.ACKRandomFactor
	if factor < 1 {
		factor = 1
	}
	u := 1 + rand.Float64()*(factor-1)
	return time.Duration(float64(m.cfg.ACKTimeout) * u)
}

func (m *Manager) onTimeout(k string) {
	m.mu.Lock()
	rec, ok := m.records[k]
	m.mu.Unlock()
	if !ok || rec.State().terminal() {
		return
	}

	attempt := rec.attempt.Inc()
	if int(attempt) > m.cfg.MaxRetransmit {
		m.resolve(k, rec, Expired)
		m.sink.TransmissionTimeout(rec.Remote, rec.Message.Token, rec.Message.MessageID)
		return
	}

	if err := m.transport.WriteMessage(rec.Message, rec.Remote); err != nil {
		m.logger.Printf("reliability: retransmit %d to %s failed: %s", attempt, rec.Remote, err)
	}

	rec.mu.Lock()
	// double the base timeout once per attempt already made (RFC 7252 §4.8).
	next := rec.baseTimeout
	for i := 0; i < int(attempt); i++ {
		next *= 2
	}
	rec.nextFireAt = time.Now().Add(next)
	rec.handle = m.wheel.After(next, func() { m.onTimeout(k) })
	rec.mu.Unlock()
}

// ObserveInboundAckOrRST resolves or cancels the matching record when an
// empty ACK/RST, or a piggybacked ACK, is observed inbound. Matching is by
// (remote, message id) only, per spec.md §4.2; a token mismatch on a
// piggybacked ACK is logged but does not block resolution.
func (m *Manager) ObserveInboundAckOrRST(remote string, messageID uint16, msgType coap.Type, piggybackedToken coap.Token) {
	k := key(remote, messageID)
	m.mu.Lock()
	rec, ok := m.records[k]
	m.mu.Unlock()
	if !ok {
		return
	}
	if rec.State().terminal() {
		return
	}

	if piggybackedToken != nil && !piggybackedToken.Equal(rec.Message.Token) {
		m.logger.Printf("reliability: piggybacked ACK token %s does not match outstanding token %s for mid=%d (resolving anyway: message id matched)",
			piggybackedToken, rec.Message.Token, messageID)
	}

	switch msgType {
	case coap.Reset:
		m.resolve(k, rec, Rejected)
		m.sink.ResetReceived(remote, rec.Message.Token, messageID)
	case coap.Acknowledgement:
		m.resolve(k, rec, Acked)
		if piggybackedToken == nil {
			m.sink.EmptyAckReceived(remote, rec.Message.Token, messageID)
		}
		m.sink.TransmissionSucceeded(remote, rec.Message.Token, messageID)
	}
}

// cancel is the application-initiated cancel of spec.md §4.2, reached
// through TransferHandle.Cancel.
func (m *Manager) cancel(k string) {
	m.mu.Lock()
	rec, ok := m.records[k]
	m.mu.Unlock()
	if !ok || rec.State().terminal() {
		return
	}
	m.resolve(k, rec, Rejected)
}

// resolve moves rec to a terminal state and schedules its removal from the
// index after the deduplication window (spec.md §3's "removed from the
// index only after a hold period equal to the deduplication window").
func (m *Manager) resolve(k string, rec *Record, s State) {
	rec.state.Store(uint32(s))
	rec.mu.Lock()
	rec.handle.Cancel()
	rec.mu.Unlock()
	m.wheel.After(m.cfg.ExchangeLifetime, func() {
		m.mu.Lock()
		delete(m.records, k)
		m.mu.Unlock()
	})
}

// Stop cancels every pending retransmission timer. Intended for endpoint
// shutdown.
func (m *Manager) Stop() {
	m.wheel.Stop()
}
