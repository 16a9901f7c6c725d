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

// Command coapsrv runs a single observable resource behind a CoAP
// endpoint. Grounded on cmd/proxy/main.go's flag parsing and the logger
// type defined alongside it in proxy.go, adapted from wrapping logrus
// directly into wrapping it via internal/logadapter.
package main

import (
	"flag"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	coap "github.com/hollowtree-io/coapendpoint"
	"github.com/hollowtree-io/coapendpoint/endpoint"
	"github.com/hollowtree-io/coapendpoint/internal/logadapter"
	"github.com/hollowtree-io/coapendpoint/resource"
	"github.com/hollowtree-io/coapendpoint/resourcehandler"
)

var (
	bindAddr      = flag.String("bind", ":5683", "The UDP address to listen for CoAP requests on")
	metricsAddr   = flag.String("metrics-addr", "", "Optional: HTTP address to serve Prometheus metrics on (e.g. :9090)")
	initialFile   = flag.String("initial", "", "Path to a JSON file seeding the resource's initial body; defaults to {}")
	maxAge        = flag.Duration("max-age", 60*time.Second, "Max-Age recorded on the resource's snapshots (responses and notifications carry no Max-Age option)")
	heartbeat     = flag.Duration("heartbeat", 24*time.Hour, "RFC 7641 observation heartbeat interval")
	ackTimeout    = flag.Duration("ack-timeout", 2*time.Second, "Base retransmission timeout (RFC 7252 ACK_TIMEOUT)")
	maxRetransmit = flag.Int("max-retransmit", 4, "Maximum number of retransmissions for a Confirmable send")
)

func main() {
	flag.Parse()

	logger := logadapter.New(logrus.StandardLogger())

	initial := []byte(`{}`)
	if *initialFile != "" {
		b, err := ioutil.ReadFile(*initialFile)
		if err != nil {
			logrus.WithError(err).Panicf("failed to read -initial file")
		}
		initial = b
	}

	cfg := coap.NewConfig(
		coap.WithACKTimeout(*ackTimeout),
		coap.WithMaxRetransmit(*maxRetransmit),
		coap.WithMaxAgeDefault(*maxAge),
		coap.WithHeartbeatInterval(*heartbeat),
		coap.WithLogger(logger),
	)

	// endpoint.New builds the observe.Registry before any handler that
	// needs it can exist, so the endpoint starts with no handler and
	// Router.SetHandler wires one in once the resource.Document (which
	// depends on the registry's NotifyStatusChanged) is ready.
	ep, err := endpoint.New(*bindAddr, cfg, nil)
	if err != nil {
		logrus.WithError(err).Panicf("failed to bind %s", *bindAddr)
	}

	doc, err := resource.NewDocument(initial, *maxAge, ep.Registry.NotifyStatusChanged)
	if err != nil {
		logrus.WithError(err).Panicf("failed to seed the resource document")
	}
	handler := resourcehandler.New(doc, ep.Registry)
	ep.Router.SetHandler(handler.ServeCoAP)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		for _, c := range ep.Registry.Collectors() {
			reg.MustRegister(c)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logrus.Infof("Serving Prometheus metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logrus.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	go func() {
		logrus.Infof("Listening for CoAP on %s", ep.LocalAddr())
		if err := ep.Serve(); err != nil {
			logrus.WithError(err).Error("endpoint stopped serving")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logrus.Infof("Shutting down")
	if err := ep.Close(); err != nil {
		logrus.WithError(err).Warn("error during shutdown")
	}
}
