// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package metrics is the stats surface SPEC_FULL.md adds alongside the
// core engine: counters/histograms for the online builder's scan rate
// and the VM's opcode dispatch, gauges for index sizes, and a periodic
// structured stats-line dump, the way secondary/indexer/stats_manager.go
// collects and logs IndexerStats.
package metrics

import (
	metrics "github.com/rcrowley/go-metrics"

	"github.com/inmemdb/engine/internal/vm"
)

// Registry wraps a go-metrics registry with the handful of named
// metrics this engine collects, rather than exposing the raw registry
// to every caller that wants to record or read a value.
type Registry struct {
	reg metrics.Registry

	buildScanRate metrics.Meter
	buildStalls   metrics.Counter

	opcodeDispatch metrics.Counter
	opcodeLatency  metrics.Histogram
}

// New builds an empty Registry. One Registry is meant to be shared by
// every Engine/builder/VM instance in a process, mirroring the single
// process-wide IndexerStats the teacher's stats_manager.go owns.
func New() *Registry {
	r := &Registry{reg: metrics.NewRegistry()}
	r.buildScanRate = metrics.NewMeter()
	r.buildStalls = metrics.NewCounter()
	r.opcodeDispatch = metrics.NewCounter()
	r.opcodeLatency = metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015))

	r.reg.Register("build.scan_rate", r.buildScanRate)
	r.reg.Register("build.stalls", r.buildStalls)
	r.reg.Register("vm.opcode_dispatch", r.opcodeDispatch)
	r.reg.Register("vm.opcode_latency_ns", r.opcodeLatency)
	return r
}

// BuildRecorder returns a closure suitable for internal/build.Context's
// OnTuple hook: one Mark per tuple scanned, feeding the meter's
// rate1/rate5/rate15 windows (spec.md §4.6 scan loop).
func (r *Registry) BuildRecorder() func() {
	return func() { r.buildScanRate.Mark(1) }
}

// BuildStalled records one occurrence of the builder's write-set
// conflict-retry path (spec.md §4.6 "abort conflicting writers") so a
// caller can distinguish a slow scan from a contended one.
func (r *Registry) BuildStalled() { r.buildStalls.Inc(1) }

// OpcodeRecorder returns a closure suitable for vm.VM's OnOpcode hook:
// every dispatched opcode bumps the counter and records its latency in
// nanoseconds, without the vm package needing to import this one.
func (r *Registry) OpcodeRecorder() func(vm.Opcode, int64) {
	return func(_ vm.Opcode, nanos int64) {
		r.opcodeDispatch.Inc(1)
		r.opcodeLatency.Update(nanos)
	}
}

// Each exposes every registered metric by name, the same shape
// go-metrics' own Registry.Each callback uses, for a snapshot or an
// exposition format (e.g. Prometheus) to iterate without this package
// hard-coding the metric list twice.
func (r *Registry) Each(f func(name string, metric interface{})) {
	r.reg.Each(f)
}
