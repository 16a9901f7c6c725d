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

// Package endpoint is the composition root spec.md §1 calls the Endpoint:
// it wires ids, dedup, dispatch, reliability, observe and router into one
// running CoAP endpoint over a udptransport.Socket, the way
// cmd/proxy/proxy.go's RunProxyServer wires the teacher's own pieces
// together from a single Config.
package endpoint

import (
	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/dedup"
	"github.com/hollowtree-io/coapendpoint/dispatch"
	"github.com/hollowtree-io/coapendpoint/ids"
	"github.com/hollowtree-io/coapendpoint/observe"
	"github.com/hollowtree-io/coapendpoint/reliability"
	"github.com/hollowtree-io/coapendpoint/router"
	"github.com/hollowtree-io/coapendpoint/udptransport"
	"github.com/hollowtree-io/coapendpoint/wire"
)

// liveChecker composes dedup's Message-ID liveness, reliability's
// TransmissionRecord liveness, and dispatch's Token liveness into the
// single ids.LiveChecker the allocator needs, per spec.md §4.1's
// no-reissue-while-live contract ("still referenced by a live
// TransmissionRecord or DedupEntry").
type liveChecker struct {
	dedup *dedup.Table
	rel   *reliability.Manager
	disp  *dispatch.Dispatcher
}

func (l liveChecker) MessageIDLive(remote string, id uint16) bool {
	return l.dedup.MessageIDLive(remote, id) || l.rel.MessageIDLive(remote, id)
}
func (l liveChecker) TokenLive(remote string, token []byte) bool {
	return l.disp.TokenLive(remote, token)
}

// forwardingTransport and forwardingResets close the construction-order
// cycle between router (which needs a live reliability.Manager and
// dispatch.Dispatcher before it exists) and those two collaborators (which
// need to call back into the not-yet-built router to write bytes and send
// resets). Both simply forward to whatever *router.Router target ends up
// holding once New returns - the same deferred-binding idiom
// router/router_test.go uses for its own fake transport.
type forwardingTransport struct{ target **router.Router }

func (f forwardingTransport) WriteMessage(msg *coap.Message, remote string) error {
	return (*f.target).WriteMessage(msg, remote)
}

type forwardingResets struct{ target **router.Router }

func (f forwardingResets) SendReset(remote string, messageID uint16) {
	(*f.target).SendReset(remote, messageID)
}

// Endpoint bundles every layer spec.md §4 names, running over one UDP
// socket.
type Endpoint struct {
	Socket   *udptransport.Socket
	Router   *router.Router
	Registry *observe.Registry
	Ids      *ids.Allocator

	dedup *dedup.Table
	disp  *dispatch.Dispatcher
	rel   *reliability.Manager
}

// New binds addr, wires every layer per cfg, and returns a ready Endpoint;
// call Serve to start reading datagrams. handler answers inbound requests
// (see router.Handler); it may be nil for a client-only endpoint.
func New(addr string, cfg *coap.Config, handler router.Handler) (*Endpoint, error) {
	if cfg == nil {
		cfg = coap.NewConfig()
	}
	logger := cfg.Logger

	sock, err := udptransport.Listen(addr, logger)
	if err != nil {
		return nil, err
	}

	var r *router.Router
	dedupTable := dedup.NewTable(cfg.ExchangeLifetime)
	disp := dispatch.NewDispatcher(cfg.ExchangeLifetime, forwardingResets{target: &r}, logger)

	var registry *observe.Registry
	rel := reliability.NewManager(reliability.Config{
		ACKTimeout:       cfg.ACKTimeout,
		ACKRandomFactor:  cfg.ACKRandomFactor,
		MaxRetransmit:    cfg.MaxRetransmit,
		ExchangeLifetime: cfg.ExchangeLifetime,
	}, forwardingTransport{target: &r}, lazySink{get: func() reliability.EventSink {
		if registry == nil {
			return reliability.NopSink{}
		}
		// a FanOut of one today; the seam additional sinks (e.g. a
		// metrics-only EventSink) would join without reliability needing
		// to grow a multi-subscriber API of its own.
		return reliability.FanOut{registry}
	}}, logger)

	idAlloc := ids.NewAllocator(liveChecker{dedup: dedupTable, rel: rel, disp: disp})

	registry = observe.NewRegistry(rel, idAlloc, cfg.HeartbeatInterval, nil, logger)

	r = router.New(router.Config{
		ACKTimeout:     cfg.ACKTimeout,
		WorkerPoolSize: cfg.WorkerPoolSize,
	}, sock, wire.DefaultCodec{}, idAlloc, rel, dedupTable, disp, handler, logger)

	return &Endpoint{
		Socket:   sock,
		Router:   r,
		Registry: registry,
		Ids:      idAlloc,
		dedup:    dedupTable,
		disp:     disp,
		rel:      rel,
	}, nil
}

// lazySink defers to get() on every call, so reliability.Manager can be
// constructed before the observe.Registry that will receive its events.
type lazySink struct{ get func() reliability.EventSink }

func (l lazySink) MessageIDAssigned(remote string, token coap.Token, messageID uint16) {
	l.get().MessageIDAssigned(remote, token, messageID)
}
func (l lazySink) EmptyAckReceived(remote string, token coap.Token, messageID uint16) {
	l.get().EmptyAckReceived(remote, token, messageID)
}
func (l lazySink) ResetReceived(remote string, token coap.Token, messageID uint16) {
	l.get().ResetReceived(remote, token, messageID)
}
func (l lazySink) TransmissionSucceeded(remote string, token coap.Token, messageID uint16) {
	l.get().TransmissionSucceeded(remote, token, messageID)
}
func (l lazySink) TransmissionTimeout(remote string, token coap.Token, messageID uint16) {
	l.get().TransmissionTimeout(remote, token, messageID)
}

// Serve runs the socket read loop until it is closed. Run it in its own
// goroutine; Close unblocks it.
func (e *Endpoint) Serve() error {
	return e.Socket.Serve(e.Router.HandleDatagram)
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() string {
	return e.Socket.LocalAddr().String()
}

// Close shuts down the socket and every aging/retry goroutine the
// endpoint owns.
func (e *Endpoint) Close() error {
	e.dedup.Stop()
	e.disp.Stop()
	e.rel.Stop()
	e.Registry.Shutdown()
	return e.Socket.Close()
}
