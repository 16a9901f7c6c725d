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

// Package router implements spec.md §4.6's MessageRouter: the single
// logical arbiter that serializes admission of inbound and outbound
// messages across ids, reliability, dedup, dispatch and observe.
//
// The piggyback-vs-separate-response race is grounded on
// cmd/proxy/proxy.go's listenAndServeDTLS: a time.AfterFunc armed for
// waitACK racing an atomic "already processed" flag against the in-flight
// handler, generalized here from "always ACK after a fixed wait" to
// spec.md §4.6's "encode as ACK if the handler finishes within
// ACK_TIMEOUT/2, otherwise send a bare ACK now and the eventual response
// separately". The bounded worker pool uses golang.org/x/sync/semaphore.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/dedup"
	"github.com/hollowtree-io/coapendpoint/dispatch"
	"github.com/hollowtree-io/coapendpoint/ids"
	"github.com/hollowtree-io/coapendpoint/reliability"
	"github.com/hollowtree-io/coapendpoint/wire"
)

// Socket is the raw-datagram collaborator the router writes encoded
// messages to and reads them from; spec.md §1 treats the socket as an
// external collaborator.
type Socket interface {
	WriteTo(b []byte, remote string) error
}

// Handler answers an inbound request. traceID is an opaque per-exchange
// correlation id (an xid.ID rendered as a string) a handler can fold into
// its own logging.
type Handler func(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error)

// Router is spec.md §4.6's MessageRouter + Endpoint.
type Router struct {
	socket  Socket
	codec   wire.Codec
	ids     *ids.Allocator
	rel     *reliability.Manager
	dedup   *dedup.Table
	disp    *dispatch.Dispatcher
	logger  coap.Logger

	handlerMu sync.RWMutex
	handler   Handler

	ackHalfTimeout time.Duration
	sem            *semaphore.Weighted
}

// Config bundles the tunables Router needs out of coap.Config, so this
// package doesn't depend on the whole config surface.
type Config struct {
	ACKTimeout     time.Duration
	WorkerPoolSize int64
}

// New builds a Router wiring the already-constructed leaf components
// together. handler serves inbound requests (class 0); it may be nil for
// an endpoint that only ever originates requests.
func New(cfg Config, socket Socket, codec wire.Codec, idAlloc *ids.Allocator, rel *reliability.Manager, dedupTable *dedup.Table, disp *dispatch.Dispatcher, handler Handler, logger coap.Logger) *Router {
	if logger == nil {
		logger = coap.NopLogger
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 32
	}
	return &Router{
		socket:         socket,
		codec:          codec,
		ids:            idAlloc,
		rel:            rel,
		dedup:          dedupTable,
		disp:           disp,
		handler:        handler,
		logger:         logger,
		ackHalfTimeout: cfg.ACKTimeout / 2,
		sem:            semaphore.NewWeighted(poolSize),
	}
}

// --- outbound ---------------------------------------------------------------

// SendRequest is the client-role entry point: assigns a message id if
// absent, registers the response correlation, and transmits Confirmable
// or NonConfirmable per msg.Type.
func (r *Router) SendRequest(ctx context.Context, msg *coap.Message, remote string, cb dispatch.Callback) error {
	if msg.MessageID == 0 {
		msg.MessageID = r.ids.NextMessageID(remote)
	}
	r.disp.RegisterRequest(remote, msg.Token, msg.MessageID, cb)

	if msg.Type == coap.Confirmable {
		_, err := r.rel.SendConfirmable(msg, remote)
		return err
	}
	return r.rel.SendNonconfirmable(msg, remote)
}

// WriteMessage implements reliability.Transport: encode and hand to the
// socket. Also satisfies the write half of dispatch.ResetSender's needs.
func (r *Router) WriteMessage(msg *coap.Message, remote string) error {
	b, err := r.codec.Encode(msg)
	if err != nil {
		return err
	}
	return r.socket.WriteTo(b, remote)
}

// SendReset implements dispatch.ResetSender: answer an orphan response
// with a bare RST, bypassing OutboundReliability (an RST is never itself
// retransmitted).
func (r *Router) SendReset(remote string, messageID uint16) {
	msg := &coap.Message{Type: coap.Reset, Code: coap.Empty, MessageID: messageID}
	if err := r.WriteMessage(msg, remote); err != nil {
		r.logger.Printf("router: failed to send RST to %s: %s", remote, err)
	}
}

// sendEmptyAck writes a bare ACK and, if it encodes cleanly, caches it in
// the dedup table so a retransmitted duplicate of the same request
// replays the same bytes instead of triggering a second handler run.
func (r *Router) sendEmptyAck(remote string, messageID uint16) {
	msg := &coap.Message{Type: coap.Acknowledgement, Code: coap.Empty, MessageID: messageID}
	b, err := r.codec.Encode(msg)
	if err != nil {
		r.logger.Printf("router: failed to encode empty ACK to %s: %s", remote, err)
		return
	}
	r.dedup.StoreResponse(remote, messageID, b)
	if err := r.socket.WriteTo(b, remote); err != nil {
		r.logger.Printf("router: failed to send empty ACK to %s: %s", remote, err)
	}
}

// rejectBadOption answers an inbound message carrying an option not
// meaningful for its code with 4.02 Bad Option, per spec.md §7. A CON
// reuses the request's message id (an implicit piggybacked ACK) and is
// cached so a retransmitted duplicate replays the same bytes; a NON is
// answered in kind with a freshly allocated message id.
func (r *Router) rejectBadOption(msg *coap.Message, remote string) {
	resp := &coap.Message{Code: coap.BadOption, Token: msg.Token}
	if msg.IsConfirmable() {
		resp.Type = coap.Acknowledgement
		resp.MessageID = msg.MessageID
	} else {
		resp.Type = coap.NonConfirmable
		resp.MessageID = r.ids.NextMessageID(remote)
	}
	b, err := r.codec.Encode(resp)
	if err != nil {
		r.logger.Printf("router: failed to encode bad-option response to %s: %s", remote, err)
		return
	}
	if msg.IsConfirmable() {
		r.dedup.StoreResponse(remote, msg.MessageID, b)
	}
	if err := r.socket.WriteTo(b, remote); err != nil {
		r.logger.Printf("router: failed to write bad-option response to %s: %s", remote, err)
	}
}

// --- inbound ------------------------------------------------------------

// HandleDatagram is the socket's read-loop callback: decode, dedup, and
// route by code class, per spec.md §4.6.
func (r *Router) HandleDatagram(raw []byte, remote string) {
	msg, err := r.codec.Decode(raw)
	if err != nil {
		r.logger.Printf("router: dropping undecodable datagram from %s: %s", remote, err)
		// a malformed CON is still answered with a Reset, using the header
		// wire.Decode recovered.
		if msg != nil && msg.IsConfirmable() {
			r.SendReset(remote, msg.MessageID)
		}
		return
	}

	switch {
	case msg.IsEmpty():
		r.rel.ObserveInboundAckOrRST(remote, msg.MessageID, msg.Type, nil)
		if msg.Type == coap.Acknowledgement {
			// an empty ACK (as opposed to a piggybacked one) announces the
			// server chose the separate-response path for this exchange;
			// flip the pending client-side entry so a later response
			// carrying the original token still resolves, per spec.md §4.4.
			r.disp.AckSeparateByMessageID(remote, msg.MessageID)
		}

	case msg.Code.IsRequest():
		r.handleRequest(msg, remote)

	case msg.Code.IsResponse():
		r.handleResponse(msg, remote)

	default:
		r.logger.Printf("router: unroutable code %v from %s", msg.Code, remote)
	}
}

func (r *Router) handleResponse(msg *coap.Message, remote string) {
	dup, cached, hasCached := r.dedup.Observe(remote, msg.MessageID)
	if dup {
		if hasCached {
			_ = r.socket.WriteTo(cached, remote)
		}
		return
	}

	if msg.Type == coap.Acknowledgement {
		// a piggybacked response resolves the outstanding TransmissionRecord too.
		r.rel.ObserveInboundAckOrRST(remote, msg.MessageID, msg.Type, msg.Token)
	} else if msg.Type == coap.Confirmable {
		// separate response arriving as its own CON: ack it, unreliably, now.
		r.sendEmptyAck(remote, msg.MessageID)
	}

	r.disp.Resolve(remote, msg)
}

func (r *Router) handleRequest(msg *coap.Message, remote string) {
	dup, cached, hasCached := r.dedup.Observe(remote, msg.MessageID)
	if dup {
		switch {
		case hasCached:
			_ = r.socket.WriteTo(cached, remote)
		case msg.IsConfirmable():
			// the original is still being handled and has no cached response
			// yet; spec.md §4.3 still requires acking a CON duplicate, NON
			// duplicates are dropped silently.
			r.sendEmptyAck(remote, msg.MessageID)
		}
		return
	}

	if _, ok := coap.ValidateOptions(msg.Code, msg.Options); !ok {
		// spec.md §7's OptionNotMeaningful: an option not admitted for this
		// code (per spec.md §6's is_meaningful predicate) answers 4.02 Bad
		// Option instead of reaching the handler.
		r.rejectBadOption(msg, remote)
		return
	}

	if r.currentHandler() == nil {
		return
	}

	if !r.sem.TryAcquire(1) {
		r.logger.Printf("router: worker pool saturated, dropping request from %s", remote)
		return
	}
	go r.serve(msg, remote)
}

// SetHandler replaces the handler serving inbound requests. It exists so a
// composition root (see endpoint.New) can build a Router before the
// handler it will serve - which may itself depend on pieces the Router
// owns, such as an observe.Registry - is ready. Safe to call concurrently
// with HandleDatagram.
func (r *Router) SetHandler(handler Handler) {
	r.handlerMu.Lock()
	r.handler = handler
	r.handlerMu.Unlock()
}

func (r *Router) currentHandler() Handler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.handler
}

// serve runs the handler, racing the piggyback window per spec.md §4.6:
// if the handler answers within ackHalfTimeout, the response is encoded
// as the ACK itself (same message id); otherwise a bare empty ACK is sent
// immediately (armed by the AfterFunc below) and the eventual answer
// becomes a separate response carrying a fresh message id.
func (r *Router) serve(msg *coap.Message, remote string) {
	defer r.sem.Release(1)

	traceID := xid.New().String()
	ctx := context.Background()

	var mu sync.Mutex
	answered := false
	ackSent := false

	var timer *time.Timer
	if msg.IsConfirmable() {
		timer = time.AfterFunc(r.ackHalfTimeout, func() {
			mu.Lock()
			already := answered
			if !already {
				ackSent = true
			}
			mu.Unlock()
			if !already {
				r.sendEmptyAck(remote, msg.MessageID)
			}
		})
	}

	resp, err := r.currentHandler()(ctx, traceID, msg, remote)

	mu.Lock()
	answered = true
	piggyback := msg.IsConfirmable() && !ackSent
	mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		r.logger.Printf("router[%s]: handler error for %s: %s", traceID, remote, err)
		return
	}
	if resp == nil {
		return
	}
	resp.Token = msg.Token

	if piggyback {
		resp.Type = coap.Acknowledgement
		resp.MessageID = msg.MessageID
		b, encErr := r.codec.Encode(resp)
		if encErr != nil {
			r.logger.Printf("router[%s]: failed to encode piggybacked response: %s", traceID, encErr)
			return
		}
		r.dedup.StoreResponse(remote, msg.MessageID, b)
		if err := r.socket.WriteTo(b, remote); err != nil {
			r.logger.Printf("router[%s]: failed to write response to %s: %s", traceID, remote, err)
		}
		return
	}

	// separate response: a fresh exchange, correlated by token rather than
	// by reusing the request's message id.
	resp.MessageID = r.ids.NextMessageID(remote)
	if resp.Type == coap.Confirmable {
		if _, sendErr := r.rel.SendConfirmable(resp, remote); sendErr != nil {
			r.logger.Printf("router[%s]: failed to send separate CON response to %s: %s", traceID, remote, sendErr)
		}
		return
	}
	resp.Type = coap.NonConfirmable
	if sendErr := r.rel.SendNonconfirmable(resp, remote); sendErr != nil {
		r.logger.Printf("router[%s]: failed to send separate NON response to %s: %s", traceID, remote, sendErr)
	}
}
