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
	"fmt"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/space"
)

// Snapshot is a timestamped point-in-time reading of every metric this
// registry knows about, plus per-index sizes pulled live from the
// space cache (spec.md §4.4): a structpb.Struct so it can be attached
// to a diag.Error the way internal/diag does, or marshaled as JSON for
// the debug HTTP endpoint.
type Snapshot struct {
	At     *timestamppb.Timestamp
	Values *structpb.Struct
}

// TakeSnapshot reads every go-metrics value this registry owns plus a
// live Size() call against every index of every space in c, matching
// the teacher's IndexerStats.GetStats (one flat key-value map,
// "space:index" prefixed per-index entries).
func (r *Registry) TakeSnapshot(c *cache.Cache) (*Snapshot, error) {
	fields := make(map[string]interface{})

	r.Each(func(name string, metric interface{}) {
		switch m := metric.(type) {
		case metrics.Counter:
			fields[name] = float64(m.Count())
		case metrics.Meter:
			fields[name+".count"] = float64(m.Count())
			fields[name+".rate1"] = m.Rate1()
			fields[name+".rate5"] = m.Rate5()
			fields[name+".rate15"] = m.Rate15()
		case metrics.Histogram:
			fields[name+".count"] = float64(m.Count())
			fields[name+".mean"] = m.Mean()
			fields[name+".p99"] = m.Percentile(0.99)
		case metrics.Gauge:
			fields[name] = float64(m.Value())
		}
	})

	if c != nil {
		if err := collectIndexSizes(c, fields); err != nil {
			return nil, err
		}
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "metrics: building snapshot struct")
	}
	return &Snapshot{At: timestamppb.New(time.Now()), Values: s}, nil
}

// collectIndexSizes adds one "<space>:<index>.size" entry per index of
// every space currently in the cache, read live via Index.Size()
// rather than mirrored into a gauge — the cache's space set changes on
// every alter, so a fixed gauge registry would leak entries for
// dropped spaces.
func collectIndexSizes(c *cache.Cache, fields map[string]interface{}) error {
	return c.ForEach(func(sp *space.Space) error {
		for _, ix := range sp.Indexes {
			n, err := ix.Size()
			if err != nil {
				return err
			}
			fields[fmt.Sprintf("%s:%s.size", sp.Def.Name, ix.Name())] = float64(n)
		}
		return nil
	})
}
