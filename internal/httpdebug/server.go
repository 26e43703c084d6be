// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package httpdebug is the engine's debug/stats HTTP surface, modeled
// on secondary/adminport/admin_httpd.go's httpServer: a small always-on
// listener exposing process and engine introspection, never a query
// console or wire protocol (both stay out of scope, spec.md
// Non-goals).
package httpdebug

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inmemdb/engine/internal/engine"
	"github.com/inmemdb/engine/internal/logging"
	"github.com/inmemdb/engine/internal/metrics"
)

// Server is a debug-only HTTP listener bound to a single Engine and
// Registry: /debug/spaces, /debug/stats and a Prometheus /metrics
// exposition, nothing else. There is deliberately no route that
// accepts a query or a DML request — that surface is Execute, reached
// in-process, not over HTTP.
type Server struct {
	mu   sync.Mutex
	lis  net.Listener
	srv  *http.Server
	mux  *mux.Router
	addr string
	log  logging.Tagged

	eng *engine.Engine
	reg *metrics.Registry
}

// New builds a Server serving eng/reg's introspection at addr. Start
// must be called to actually bind and accept connections, the same
// two-phase construct/start split admin_httpd.go's NewHTTPServer/Start
// use.
func New(addr string, eng *engine.Engine, reg *metrics.Registry) *Server {
	s := &Server{
		addr: addr,
		log:  logging.NewTagged("httpdebug"),
		eng:  eng,
		reg:  reg,
	}
	s.mux = mux.NewRouter()
	s.mux.HandleFunc("/debug/spaces", s.handleSpaces).Methods(http.MethodGet)
	s.mux.HandleFunc("/debug/stats", s.handleStats).Methods(http.MethodGet)
	if reg != nil {
		s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the listener and serves in its own goroutine, returning
// once the bind succeeds (or fails) rather than once serving stops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.log.Errorf("listen on %s failed: %v", s.addr, err)
		return err
	}
	s.lis = lis

	go func() {
		s.log.Infof("serving on %s", lis.Addr())
		if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("serve: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener. Outstanding requests are not waited on,
// this is a debug surface, not a durable service.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lis == nil {
		return nil
	}
	err := s.lis.Close()
	s.lis = nil
	s.log.Infof("stopped")
	return err
}
