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

// Package content converts between JSON and CBOR payload bytes, for
// resources that want to serve RFC 7252 §12.3 content-format 50
// (application/json) and 60 (application/cbor) from a single stored
// representation.
//
// Grounded on cbor_codec.go's CBORCodec.CBORToJSON/JSONToCBOR pair
// (fxamacker/cbor/v2 for CBOR, json-iterator/go for JSON), with the
// Matrix-specific enum-key remapping (keys/enumKeys maps) and the
// gomatrixserverlib.CanonicalJSON dependency dropped — neither applies
// outside Matrix's wire format — in favor of plain cbor.CanonicalEncOptions
// for deterministic (sorted-key) output on both sides.
package content

import (
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Content-Format identifiers this package converts between (RFC 7252 §12.3).
const (
	FormatJSON uint16 = 50
	FormatCBOR uint16 = 60
)

// Codec converts a stored representation between JSON and CBOR bytes.
type Codec struct {
	canonical bool
}

// NewCodec builds a Codec. When canonical is true, JSONToCBOR produces
// RFC 7049 §3.9 canonical CBOR (sorted map keys, minimal-length integers);
// useful for deterministic test fixtures and content-addressed etags.
func NewCodec(canonical bool) *Codec {
	return &Codec{canonical: canonical}
}

// CBORToJSON converts a single CBOR-encoded value into JSON bytes.
func (c *Codec) CBORToJSON(cborBytes []byte) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.Unmarshal(cborBytes, &intermediate); err != nil {
		return nil, fmt.Errorf("content: unmarshalling cbor: %w", err)
	}
	intermediate = cborToJSONInterface(intermediate)
	return json.Marshal(intermediate)
}

// JSONToCBOR converts a single JSON-encoded value into CBOR bytes.
func (c *Codec) JSONToCBOR(jsonBytes []byte) ([]byte, error) {
	var intermediate interface{}
	if err := json.Unmarshal(jsonBytes, &intermediate); err != nil {
		return nil, fmt.Errorf("content: unmarshalling json: %w", err)
	}
	if c.canonical {
		enc, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("content: building canonical EncMode: %w", err)
		}
		return enc.Marshal(intermediate)
	}
	return cbor.Marshal(intermediate)
}

// cborToJSONInterface rewrites a generic value decoded from CBOR so JSON can
// encode it: CBOR gives back map[interface{}]interface{}, JSON requires
// string keys, so every map (including ones nested in []interface{}) is
// rebuilt as map[string]interface{} with its keys formatted via %v.
func cborToJSONInterface(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Slice:
		arr, ok := v.([]interface{})
		if !ok {
			return v
		}
		for i, el := range arr {
			arr[i] = cborToJSONInterface(el)
		}
		return arr
	case reflect.Map:
		result := make(map[string]interface{})
		m, ok := v.(map[interface{}]interface{})
		if !ok {
			return v
		}
		for k, val := range m {
			result[fmt.Sprintf("%v", k)] = cborToJSONInterface(val)
		}
		return result
	default:
		return v
	}
}
