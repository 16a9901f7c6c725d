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

// Package logadapter wraps a *logrus.Entry behind coap.Logger, the same
// pattern as cmd/proxy/proxy.go's unexported logger type (Printf delegating
// to logrus), generalized to carry structured per-exchange fields (remote,
// token, message id) rather than a single global logrus call site.
package logadapter

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	coap "github.com/hollowtree-io/coapendpoint"
)

// Adapter satisfies coap.Logger by formatting through a *logrus.Entry at
// Info level, matching cmd/proxy/proxy.go's logger.Printf.
type Adapter struct {
	entry *logrus.Entry
}

// New wraps l (or logrus.StandardLogger() if l is nil) with no extra fields.
func New(l *logrus.Logger) *Adapter {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Adapter{entry: logrus.NewEntry(l)}
}

// Printf implements coap.Logger.
func (a *Adapter) Printf(format string, v ...interface{}) {
	a.entry.Infof(format, v...)
}

// WithRemote returns an Adapter whose messages carry a "remote" field,
// for per-connection/per-exchange loggers handed to ids/reliability/dedup.
func (a *Adapter) WithRemote(remote string) *Adapter {
	return &Adapter{entry: a.entry.WithField("remote", remote)}
}

// WithToken adds a hex-encoded "token" field. Tokens are opaque per RFC 7252
// §5.3.1, so hex is the only representation worth logging.
func (a *Adapter) WithToken(token coap.Token) *Adapter {
	return &Adapter{entry: a.entry.WithField("token", hex.EncodeToString(token))}
}

// WithMessageID adds a "message_id" field.
func (a *Adapter) WithMessageID(id uint16) *Adapter {
	return &Adapter{entry: a.entry.WithField("message_id", id)}
}

// WithTraceID adds a "trace_id" field, used for the router's per-exchange
// xid.New() correlation id.
func (a *Adapter) WithTraceID(traceID string) *Adapter {
	return &Adapter{entry: a.entry.WithField("trace_id", traceID)}
}

var _ coap.Logger = (*Adapter)(nil)
var _ fmt.Stringer = (*Adapter)(nil)

// String satisfies fmt.Stringer for debugging convenience (e.g. %v in a
// higher-level log.Printf); it reports the accumulated structured fields.
func (a *Adapter) String() string {
	return fmt.Sprintf("logadapter.Adapter%v", a.entry.Data)
}
