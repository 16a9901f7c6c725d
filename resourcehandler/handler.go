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

// Package resourcehandler adapts a resource.Document into a router.Handler,
// the glue spec.md §4.5 step 3 describes as "a GET with Observe:0 invokes
// ObservationRegistry.Register, a GET with Observe:1 invokes Deregister".
// Grounded on cmd/proxy/proxy.go's forwardToLocalAddr (a closure over
// static config answering every inbound CoAP request) generalized from an
// HTTP-forwarding body to direct Document reads/writes.
package resourcehandler

import (
	"context"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/content"
	"github.com/hollowtree-io/coapendpoint/observe"
	"github.com/hollowtree-io/coapendpoint/resource"
)

// Handler serves a single resource.Document at one CoAP resource,
// including RFC 7641 Observe registration/deregistration on GET.
type Handler struct {
	doc      *resource.Document
	registry *observe.Registry
}

// New builds a Handler. registry's NotifyStatusChanged should already be
// wired as doc's onChange callback (resource.NewDocument's third argument).
func New(doc *resource.Document, registry *observe.Registry) *Handler {
	return &Handler{doc: doc, registry: registry}
}

// ServeCoAP implements router.Handler.
func (h *Handler) ServeCoAP(ctx context.Context, traceID string, req *coap.Message, remote string) (*coap.Message, error) {
	switch req.Code {
	case coap.GET:
		return h.get(req, remote), nil
	case coap.PUT, coap.POST:
		return h.put(req), nil
	default:
		return &coap.Message{Code: coap.MethodNotAllowed}, nil
	}
}

func (h *Handler) get(req *coap.Message, remote string) *coap.Message {
	format := requestedFormat(req)
	body, ok := h.doc.Serialize(format)
	if !ok {
		return &coap.Message{Code: coap.UnsupportedMediaType}
	}

	registering := false
	if observeVal, present := req.Observe(); present {
		switch observeVal {
		case 0:
			// RFC 7252 §5.10.6: a GET may repeat ETag to list representations
			// already cached by the client, so a later notification matching
			// one can answer bodyless 2.03 Valid (spec.md §4.5 step 4).
			h.registry.Register(remote, req.Token, format, 0, req.Options.GetAll(coap.OptionETag)...)
			registering = true
		case 1:
			h.registry.Deregister(remote, req.Token, observe.ReasonExplicit)
		}
	}

	// built in ascending option-number order (ETag=4, Observe=6,
	// Content-Format=12) as wire.Codec requires.
	var opts coap.Options
	opts = opts.Add(coap.OptionETag, h.doc.ETag(format))
	if registering {
		opts = opts.Add(coap.OptionObserve, nil) // SetObserve(0) encodes to nil; see message.go's encodeUint
	}
	opts = opts.Add(coap.OptionContentFormat, formatOption(format))

	return &coap.Message{Code: coap.Content, Options: opts, Payload: body}
}

func (h *Handler) put(req *coap.Message) *coap.Message {
	if err := h.doc.Put(req.Payload); err != nil {
		return &coap.Message{Code: coap.BadRequest, Payload: []byte(err.Error())}
	}
	return &coap.Message{Code: coap.Changed}
}

func requestedFormat(req *coap.Message) uint16 {
	for _, v := range req.Options.GetAll(coap.OptionAccept) {
		switch decodeOptionUint(v) {
		case content.FormatCBOR:
			return content.FormatCBOR
		case content.FormatJSON:
			return content.FormatJSON
		}
	}
	return content.FormatJSON
}

// formatOption encodes a Content-Format value in the minimal number of
// bytes RFC 7252 §3.2 requires for uint-valued options.
func formatOption(format uint16) []byte {
	switch {
	case format == 0:
		return nil
	case format < 1<<8:
		return []byte{byte(format)}
	default:
		return []byte{byte(format >> 8), byte(format)}
	}
}

func decodeOptionUint(b []byte) uint16 {
	var v uint16
	for _, c := range b {
		v = v<<8 | uint16(c)
	}
	return v
}
