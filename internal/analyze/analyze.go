// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package analyze is a Stat1-only ANALYZE (sql/analyze.c): one summary
// row per index — row count and, for each key-part prefix length, the
// average number of rows sharing that prefix. sql/analyze.c also
// builds Stat4 (per-column sampled histograms, used by the SQL query
// planner to estimate selectivity); there is no query planner here, so
// only the Stat1 row is computed, exactly rather than by sampling
// since the whole index already lives in memory.
package analyze

import (
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/space"
)

// Stat1 is one index's analysis row: the row count, then one entry per key-part
// prefix length (1..PartCount), each the average row count sharing
// that prefix — sql/analyze.c's "unordered list of integers" stat
// string, decoded into a []uint64 instead of the original's
// space-separated text blob.
type Stat1 struct {
	IndexName string
	RowCount  uint64
	AvgEq     []uint64 // AvgEq[i] = avg rows sharing a i+1-part prefix
}

// Space runs Stat1 over every index of sp, the Go-native analogue of
// `ANALYZE <table>` (sql/analyze.c's analyzeOneTable, called once per
// index of the table named in the ANALYZE statement).
func Space(sp *space.Space) ([]Stat1, error) {
	stats := make([]Stat1, 0, len(sp.Indexes))
	for _, ix := range sp.Indexes {
		s, err := indexStat1(ix)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// indexStat1 scans ix once, counting rows and, for each prefix length,
// how many consecutive rows (in index order) share that prefix —
// sql/analyze.c's statAccum/samplePushAnalysis loop over "index btree
// in sorted order", minus the reservoir sampling: every row is
// accounted for instead of every Nth.
func indexStat1(ix index.Index) (Stat1, error) {
	kd := ix.KeyDef()
	nParts := kd.PartCount()
	stat := Stat1{IndexName: ix.Name(), AvgEq: make([]uint64, nParts)}

	it, err := ix.Iterator(index.IterAll, nil, 0)
	if err != nil {
		return Stat1{}, err
	}
	defer it.Close()

	runLen := make([]uint64, nParts) // current run length for each prefix
	sum := make([]uint64, nParts)    // sum of completed-run lengths
	runCount := make([]uint64, nParts)
	var prevKeys [][]byte

	flush := func(keys [][]byte) {
		for i := 0; i < nParts; i++ {
			samePrefix := prevKeys != nil
			for j := 0; j <= i && samePrefix; j++ {
				if string(keys[j]) != string(prevKeys[j]) {
					samePrefix = false
				}
			}
			if samePrefix {
				runLen[i]++
				continue
			}
			if runLen[i] > 0 {
				sum[i] += runLen[i]
				runCount[i]++
			}
			runLen[i] = 1
		}
	}

	for {
		t, err := it.Next()
		if err != nil {
			return Stat1{}, err
		}
		if t == nil {
			break
		}
		stat.RowCount++
		keys, err := kd.ExtractKey(t, -1)
		if err != nil {
			return Stat1{}, err
		}
		var k []byte
		if len(keys) > 0 {
			k = keys[0]
		}
		parts := splitPrefixes(k, nParts)
		flush(parts)
		prevKeys = parts
	}
	for i := 0; i < nParts; i++ {
		if runLen[i] > 0 {
			sum[i] += runLen[i]
			runCount[i]++
		}
		if runCount[i] > 0 {
			stat.AvgEq[i] = (sum[i] + runCount[i]/2) / runCount[i]
		} else {
			stat.AvgEq[i] = 1
		}
	}
	return stat, nil
}

// splitPrefixes repeats the single collated key byte string once per
// prefix length: the collated encoding is not self-delimiting per
// part, so exact per-part equality is approximated by full-key
// equality for every prefix — adequate for a row-count estimate, not
// for per-column selectivity (which is what Stat4 is for upstream).
func splitPrefixes(k []byte, nParts int) [][]byte {
	out := make([][]byte, nParts)
	for i := range out {
		out[i] = k
	}
	return out
}
