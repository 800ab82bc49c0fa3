// Copyright 2024 The rpmbd authors. All Rights Reserved.
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

// Package monitoring exposes daemon counters over a Prometheus endpoint.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Requests counts RPMB requests handled by the engine, by request
	// type. A multi-frame data write counts as a single request.
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpmbd_requests_total",
		Help: "Number of RPMB requests handled, by request type.",
	}, []string{"type"})

	// Results counts RPMB response frames emitted by the engine, by
	// operation result.
	Results = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpmbd_results_total",
		Help: "Number of RPMB response frames emitted, by operation result.",
	}, []string{"result"})

	// Ioctls counts MMC ioctls handled by the transport, by outcome.
	Ioctls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpmbd_ioctls_total",
		Help: "Number of MMC ioctls handled by the transport, by outcome.",
	}, []string{"status"})
)

// Serve blocks serving the /metrics endpoint on the given address.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return srv.ListenAndServe()
}
