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

// Package dispatch implements spec.md §4.4's ResponseDispatcher: token ->
// PendingRequest correlation for the client role, including separate
// responses and orphan handling.
//
// Grounded on Lobaro/coap-go's Interactions (token-keyed table under a
// mutex, validateToken/validateMessageId helpers) and Interaction.RoundTrip's
// piggyback-vs-separate-response branching.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/timer"
)

// Callback is invoked exactly once per PendingRequest: with the resolving
// response, or with a *coap.Error (NoResponse) on expiry.
type Callback func(resp *coap.Message, err error)

// Pending is spec.md §3's PendingRequest.
type Pending struct {
	Remote                   string
	Token                    coap.Token
	MessageID                uint16
	Callback                 Callback
	CreatedAt                time.Time
	SeparateResponseExpected bool

	handle timer.Handle
}

// ResetSender is consulted for orphan CON responses (unknown token):
// spec.md §4.4 requires answering with RST.
type ResetSender interface {
	SendReset(remote string, messageID uint16)
}

// Dispatcher is spec.md §4.4's ResponseDispatcher.
type Dispatcher struct {
	lifetime time.Duration
	wheel    *timer.Wheel
	resets   ResetSender
	logger   coap.Logger

	mu      sync.Mutex
	pending map[string]*Pending // key = remote + "\x00" + token
	byMID   map[string]string   // remote#messageID -> pending key, for empty-ACK correlation
}

// NewDispatcher builds a Dispatcher. resets may be nil, in which case
// orphan CON responses are merely logged.
func NewDispatcher(lifetime time.Duration, resets ResetSender, logger coap.Logger) *Dispatcher {
	if logger == nil {
		logger = coap.NopLogger
	}
	return &Dispatcher{
		lifetime: lifetime,
		wheel:    timer.NewWheel(),
		resets:   resets,
		logger:   logger,
		pending:  make(map[string]*Pending),
		byMID:    make(map[string]string),
	}
}

func key(remote string, token coap.Token) string {
	return remote + "\x00" + string(token)
}

func midKey(remote string, messageID uint16) string {
	return fmt.Sprintf("%s#%d", remote, messageID)
}

// TokenLive satisfies ids.LiveChecker.
func (d *Dispatcher) TokenLive(remote string, token []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key(remote, token)]
	return ok
}

// RegisterRequest records a PendingRequest before the outbound transmission
// it corresponds to is sent. messageID is the request's own message id,
// recorded so a later empty ACK (which carries no token of its own, per
// RFC 7252 §3) can still be correlated back to this entry.
func (d *Dispatcher) RegisterRequest(remote string, token coap.Token, messageID uint16, cb Callback) {
	k := key(remote, token)
	mk := midKey(remote, messageID)
	p := &Pending{Remote: remote, Token: token, MessageID: messageID, Callback: cb, CreatedAt: time.Now()}
	d.mu.Lock()
	d.pending[k] = p
	d.byMID[mk] = k
	d.mu.Unlock()

	p.handle = d.wheel.After(d.lifetime, func() {
		d.mu.Lock()
		cur, ok := d.pending[k]
		if ok && cur == p {
			delete(d.pending, k)
			delete(d.byMID, mk)
		}
		d.mu.Unlock()
		if ok && cur == p {
			cb(nil, coap.NewError(coap.NoResponse, remote, token, nil))
		}
	})
}

// AckSeparateByMessageID flips a pending entry to separate-response-expected
// on an inbound empty ACK, per spec.md §4.4. The caller (router) is still
// responsible for forwarding the ACK itself to OutboundReliability.
func (d *Dispatcher) AckSeparateByMessageID(remote string, messageID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.byMID[midKey(remote, messageID)]
	if !ok {
		return
	}
	if p, ok := d.pending[k]; ok {
		p.SeparateResponseExpected = true
	}
}

// Resolve looks up the pending request for (remote, token), invokes its
// callback exactly once, and removes the entry. For an unknown token it
// answers an orphan response: RST for a CON, silent drop for a NON,
// per spec.md §4.4.
func (d *Dispatcher) Resolve(remote string, resp *coap.Message) {
	k := key(remote, resp.Token)
	d.mu.Lock()
	p, ok := d.pending[k]
	if ok {
		delete(d.pending, k)
		delete(d.byMID, midKey(remote, p.MessageID))
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Printf("dispatch: orphan response from %s token=%s", remote, resp.Token)
		if resp.Type == coap.Confirmable && d.resets != nil {
			d.resets.SendReset(remote, resp.MessageID)
		}
		return
	}

	p.handle.Cancel()
	p.Callback(resp, nil)
}

// Stop cancels every pending expiry timer. Intended for endpoint shutdown.
func (d *Dispatcher) Stop() {
	d.wheel.Stop()
}
