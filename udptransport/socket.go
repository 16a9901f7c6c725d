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

// Package udptransport supplies the router.Socket collaborator spec.md §1
// treats as external: a plain net.UDPConn read loop handing datagrams to
// router.Router.HandleDatagram, and the WriteTo half it needs in return.
//
// The teacher listens for CoAP over DTLS via pion/dtls and go-coap/v2/net;
// since this endpoint re-implements the wire codec and message-exchange
// core itself rather than wrapping go-coap, session-layer security (DTLS)
// is out of scope here (spec.md Non-goals exclude security/session-layer
// concerns) and the socket underneath is a bare net.UDPConn - standard
// library, since no example repo in the pack supplies a UDP packet-conn
// abstraction of its own to reach for instead.
package udptransport

import (
	"errors"
	"fmt"
	"net"

	coap "github.com/hollowtree-io/coapendpoint"
)

// Handler is what HandleDatagram looks like from the outside: decode and
// route one inbound datagram from remote.
type Handler func(raw []byte, remote string)

// Socket wraps a *net.UDPConn, satisfying router.Socket and driving a
// Handler off its read loop.
type Socket struct {
	conn   *net.UDPConn
	logger coap.Logger
}

// Listen opens a UDP socket at addr (e.g. ":5683").
func Listen(addr string, logger coap.Logger) (*Socket, error) {
	if logger == nil {
		logger = coap.NopLogger
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: listening on %s: %w", addr, err)
	}
	return &Socket{conn: conn, logger: logger}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// WriteTo implements router.Socket.
func (s *Socket) WriteTo(b []byte, remote string) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return fmt.Errorf("udptransport: resolving remote %s: %w", remote, err)
	}
	_, err = s.conn.WriteToUDP(b, addr)
	return err
}

// Serve reads datagrams until the socket is closed, handing each one to
// handler on the calling goroutine (the caller's handler - typically
// router.Router.HandleDatagram - is expected to return quickly, spawning
// its own worker for slow request handling as router.serve already does).
func (s *Socket) Serve(handler Handler) error {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Printf("udptransport: read error: %s", err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		handler(datagram, remote.String())
	}
}

// Close closes the underlying socket, unblocking a running Serve call.
func (s *Socket) Close() error {
	return s.conn.Close()
}
