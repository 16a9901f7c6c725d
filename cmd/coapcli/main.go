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

// Command coapcli sends one CoAP request to a coapsrv endpoint and prints
// the response. Grounded on cmd/coap/main.go's flag style (-X/-d
// shorthands, a flag.Usage examples block), adapted from an
// HTTP-over-DTLS one-shot request into a raw CoAP-over-UDP one.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/content"
	"github.com/hollowtree-io/coapendpoint/endpoint"
)

var (
	flagMethod  string
	flagData    string
	flagNon     bool
	flagTimeout time.Duration
)

func init() {
	flag.StringVar(&flagMethod, "request", "GET", "CoAP method: GET, POST, PUT or DELETE")
	flag.StringVar(&flagMethod, "X", "GET", "CoAP method (shorthand of --request)")
	flag.StringVar(&flagData, "data", "", "Request payload. If prefixed with @, the rest is a file to read the "+
		"payload from, or - to read the payload from stdin.")
	flag.StringVar(&flagData, "d", "", "Request payload (shorthand of --data)")
	flag.BoolVar(&flagNon, "non", false, "Send Non-confirmable instead of Confirmable")
	flag.DurationVar(&flagTimeout, "timeout", 5*time.Second, "How long to wait for a response")
}

func methodCode(m string) (coap.Code, error) {
	switch strings.ToUpper(m) {
	case "GET":
		return coap.GET, nil
	case "POST":
		return coap.POST, nil
	case "PUT":
		return coap.PUT, nil
	case "DELETE":
		return coap.DELETE, nil
	}
	return 0, fmt.Errorf("unknown method %q", m)
}

func readPayload() ([]byte, error) {
	switch {
	case flagData == "":
		return nil, nil
	case flagData == "-":
		return ioutil.ReadAll(os.Stdin)
	case strings.HasPrefix(flagData, "@"):
		f, err := os.Open(flagData[1:])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ioutil.ReadAll(f)
	default:
		return ioutil.ReadAll(bytes.NewBufferString(flagData))
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of coapcli:\n")
		flag.PrintDefaults()
		fmt.Println("Example:         ./coapcli -X PUT -d '{\"online\":true}' 127.0.0.1:5683")
		fmt.Println("Example (stdin): echo '{}' | ./coapcli -X POST -d - 127.0.0.1:5683")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	target := flag.Arg(0)

	code, err := methodCode(flagMethod)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", err)
		os.Exit(1)
	}
	payload, err := readPayload()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL reading payload: %s\n", err)
		os.Exit(1)
	}

	client, err := endpoint.New("0.0.0.0:0", nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to open a local socket: %s\n", err)
		os.Exit(1)
	}
	defer client.Close()
	go client.Serve()

	req := &coap.Message{
		Type:    coap.Confirmable,
		Code:    code,
		Token:   coap.Token{0x01, 0x02, 0x03, 0x04},
		Payload: payload,
	}
	if payload != nil {
		req.Options = req.Options.Add(coap.OptionContentFormat, []byte{byte(content.FormatJSON)})
	}
	if flagNon {
		req.Type = coap.NonConfirmable
	}

	responses := make(chan *coap.Message, 1)
	errs := make(chan error, 1)
	err = client.Router.SendRequest(context.Background(), req, target, func(resp *coap.Message, err error) {
		if err != nil {
			errs <- err
			return
		}
		responses <- resp
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to send request: %s\n", err)
		os.Exit(1)
	}

	select {
	case resp := <-responses:
		printResponse(resp)
	case err := <-errs:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", err)
		os.Exit(1)
	case <-time.After(flagTimeout):
		fmt.Fprintln(os.Stderr, "FATAL: timed out waiting for a response")
		os.Exit(1)
	}
}

func printResponse(resp *coap.Message) {
	fmt.Printf("%d.%02d\n", int(resp.Code)>>5, int(resp.Code)&0x1f)
	if len(resp.Payload) > 0 {
		fmt.Printf("%s\n", resp.Payload)
	}
}
