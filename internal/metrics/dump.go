// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package metrics

import (
	"time"

	"github.com/couchbase/logstats"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/logging"
)

// Dumper periodically logs a structured stats line, the way
// statsManager.runStatsDumpLogger logs "PeriodicStats = %s" once per
// statsLogDumpInterval.
type Dumper struct {
	reg      *Registry
	cache    *cache.Cache
	interval time.Duration
	log      logging.Tagged

	stop chan struct{}
}

// NewDumper builds a Dumper that will read reg (and, if non-nil, size
// every index of c) once per interval once Start is called.
func NewDumper(reg *Registry, c *cache.Cache, interval time.Duration) *Dumper {
	return &Dumper{
		reg:      reg,
		cache:    c,
		interval: interval,
		log:      logging.NewTagged("metrics"),
		stop:     make(chan struct{}),
	}
}

// Start runs the dump loop in its own goroutine until Stop is called.
func (d *Dumper) Start() {
	go d.run()
}

func (d *Dumper) Stop() { close(d.stop) }

func (d *Dumper) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.dumpOnce()
		}
	}
}

func (d *Dumper) dumpOnce() {
	snap, err := d.reg.TakeSnapshot(d.cache)
	if err != nil {
		d.log.Errorf("snapshot failed: %v", err)
		return
	}
	line := logstats.NewLogStats()
	for k, v := range snap.Values.AsMap() {
		line.Set(k, v)
	}
	d.log.Infof("PeriodicStats = %s", line.String())
}
