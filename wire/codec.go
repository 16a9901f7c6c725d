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

// Package wire implements the RFC 7252 §3 binary message format: the
// 4-byte fixed header, token, delta-encoded TLV options in ascending
// option-number order, and the 0xFF-marked payload. This is spec.md §1's
// "assume a codec" external collaborator, given a concrete body since the
// endpoint needs to actually talk to a socket.
//
// Grounded on other_examples' dustin/go-coap Message.MarshalBinary/
// ParseMessage pair (self-contained, no client/server runtime attached)
// for the shape of a standalone marshal/unmarshal pair; the option
// delta/length nibble layout follows RFC 7252 §3.1 directly.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	coap "github.com/hollowtree-io/coapendpoint"
)

const (
	version    = 1
	optionEnd  = 0xFF
	maxTokenLen = 8
)

// Codec is the interface router.Router depends on; Encode/Decode below
// satisfy it as free functions wrapped by DefaultCodec.
type Codec interface {
	Encode(msg *coap.Message) ([]byte, error)
	Decode(b []byte) (*coap.Message, error)
}

// DefaultCodec is the RFC 7252 §3 binary codec.
type DefaultCodec struct{}

func (DefaultCodec) Encode(msg *coap.Message) ([]byte, error) { return Encode(msg) }
func (DefaultCodec) Decode(b []byte) (*coap.Message, error)   { return Decode(b) }

// Encode serializes msg into its RFC 7252 §3 wire representation.
func Encode(msg *coap.Message) ([]byte, error) {
	if len(msg.Token) > maxTokenLen {
		return nil, fmt.Errorf("wire: token length %d exceeds %d", len(msg.Token), maxTokenLen)
	}

	var buf bytes.Buffer
	first := byte(version<<6) | byte(msg.Type)<<4 | byte(len(msg.Token))
	buf.WriteByte(first)
	buf.WriteByte(byte(msg.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], msg.MessageID)
	buf.Write(mid[:])
	buf.Write(msg.Token)

	if err := encodeOptions(&buf, msg.Options); err != nil {
		return nil, err
	}

	if len(msg.Payload) > 0 {
		buf.WriteByte(optionEnd)
		buf.Write(msg.Payload)
	}
	return buf.Bytes(), nil
}

func encodeOptions(buf *bytes.Buffer, opts coap.Options) error {
	var last coap.OptionNumber
	for _, opt := range opts {
		if opt.Number < last {
			return fmt.Errorf("wire: options not in ascending order: %d after %d", opt.Number, last)
		}
		delta := uint32(opt.Number - last)
		last = opt.Number
		length := uint32(len(opt.Value))

		deltaNibble, deltaExt, deltaExtLen := nibbleFor(delta)
		lengthNibble, lengthExt, lengthExtLen := nibbleFor(length)

		buf.WriteByte(byte(deltaNibble<<4) | byte(lengthNibble))
		writeExt(buf, deltaExt, deltaExtLen)
		writeExt(buf, lengthExt, lengthExtLen)
		buf.Write(opt.Value)
	}
	return nil
}

// nibbleFor returns the 4-bit nibble value for a delta or length, and any
// extended bytes that must follow per RFC 7252 §3.1's encoding table:
// 0-12 fit directly in the nibble; 13-268 use nibble 13 plus one extended
// byte (value-13); 269-65804 use nibble 14 plus two extended bytes
// (value-269, big-endian).
func nibbleFor(v uint32) (nibble uint8, ext uint32, extLen int) {
	switch {
	case v <= 12:
		return uint8(v), 0, 0
	case v <= 268:
		return 13, v - 13, 1
	default:
		return 14, v - 269, 2
	}
}

func writeExt(buf *bytes.Buffer, ext uint32, extLen int) {
	switch extLen {
	case 1:
		buf.WriteByte(byte(ext))
	case 2:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(ext))
		buf.Write(b[:])
	}
}

// Decode parses b into a Message, per RFC 7252 §3.
//
// On any error after the 4-byte header has been read, Decode still returns
// a non-nil *Message carrying the Type/Code/MessageID it recovered from
// that header, alongside the error. spec.md §7 requires a malformed CON to
// still get a Reset, which the caller (router.HandleDatagram) can only do
// if it knows the Message ID and that the message was Confirmable -
// information that's gone once Decode returns nil on every error path.
func Decode(b []byte) (*coap.Message, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: message shorter than the 4-byte header", coap.ErrInvalidMessage)
	}
	ver := b[0] >> 6
	msg := &coap.Message{
		Type:      coap.Type((b[0] >> 4) & 0x03),
		Code:      coap.Code(b[1]),
		MessageID: binary.BigEndian.Uint16(b[2:4]),
	}
	if ver != version {
		return msg, fmt.Errorf("%w: unsupported version %d", coap.ErrInvalidMessage, ver)
	}
	tkl := int(b[0] & 0x0F)
	if tkl > maxTokenLen {
		return msg, fmt.Errorf("%w: token length %d exceeds %d", coap.ErrInvalidMessage, tkl, maxTokenLen)
	}

	rest := b[4:]
	if len(rest) < tkl {
		return msg, fmt.Errorf("%w: truncated token", coap.ErrInvalidMessage)
	}
	if tkl > 0 {
		msg.Token = append(coap.Token{}, rest[:tkl]...)
	}
	rest = rest[tkl:]

	opts, payload, err := decodeOptions(rest)
	if err != nil {
		return msg, err
	}
	msg.Options = opts
	msg.Payload = payload
	return msg, nil
}

func decodeOptions(b []byte) (coap.Options, []byte, error) {
	var opts coap.Options
	var last coap.OptionNumber

	for len(b) > 0 {
		if b[0] == optionEnd {
			rest := b[1:]
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("%w: payload marker with no payload", coap.ErrInvalidMessage)
			}
			return opts, rest, nil
		}

		deltaNibble := b[0] >> 4
		lengthNibble := b[0] & 0x0F
		b = b[1:]

		delta, b2, err := readExt(deltaNibble, b)
		if err != nil {
			return nil, nil, err
		}
		b = b2
		length, b3, err := readExt(lengthNibble, b)
		if err != nil {
			return nil, nil, err
		}
		b = b3

		number := last + coap.OptionNumber(delta)
		last = number

		if uint32(len(b)) < length {
			return nil, nil, fmt.Errorf("%w: truncated option value", coap.ErrInvalidMessage)
		}
		value := append([]byte{}, b[:length]...)
		b = b[length:]
		opts = append(opts, coap.OptionEntry{Number: number, Value: value})
	}
	return opts, nil, nil
}

func readExt(nibble byte, b []byte) (uint32, []byte, error) {
	switch nibble {
	case 15:
		return 0, nil, fmt.Errorf("%w: reserved option nibble value 15", coap.ErrInvalidMessage)
	case 13:
		if len(b) < 1 {
			return 0, nil, fmt.Errorf("%w: truncated extended option byte", coap.ErrInvalidMessage)
		}
		return uint32(b[0]) + 13, b[1:], nil
	case 14:
		if len(b) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated extended option bytes", coap.ErrInvalidMessage)
		}
		return uint32(binary.BigEndian.Uint16(b[:2])) + 269, b[2:], nil
	default:
		return uint32(nibble), b, nil
	}
}
