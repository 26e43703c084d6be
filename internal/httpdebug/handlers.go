// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package httpdebug

import (
	"encoding/json"
	"net/http"

	"github.com/inmemdb/engine/internal/space"
)

// indexInfo mirrors admin_httpd.go's GetStatistics shape: a flat,
// JSON-friendly struct rather than exposing index.Index itself (whose
// vtable includes mutation methods this debug surface has no business
// calling).
type indexInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Size uint64 `json:"size"`
}

type spaceInfo struct {
	ID      uint64      `json:"id"`
	Name    string      `json:"name"`
	Arity   int         `json:"arity"`
	Indexes []indexInfo `json:"indexes"`
}

// handleSpaces lists every space currently in the engine's cache, with
// each index's live size (spec.md §4.4) — the read-only equivalent of
// the teacher's GetStatistics, scoped to schema/cardinality rather
// than request counters.
func (s *Server) handleSpaces(w http.ResponseWriter, r *http.Request) {
	var out []spaceInfo
	err := s.eng.Cache.ForEach(func(sp *space.Space) error {
		info := spaceInfo{ID: sp.Def.ID, Name: sp.Def.Name, Arity: sp.Def.Arity}
		for _, ix := range sp.Indexes {
			n, err := ix.Size()
			if err != nil {
				return err
			}
			info.Indexes = append(info.Indexes, indexInfo{Name: ix.Name(), Size: n})
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		s.log.Errorf("handleSpaces: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, out)
}

// handleStats serves a JSON rendering of the registry's latest
// snapshot (internal/metrics), the /stats equivalent of
// statsManager.handleStats in stats_manager.go, minus that handler's
// auth check — this listener is debug-only and assumed to bind
// loopback/internal addresses, never a public one.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.reg == nil {
		http.Error(w, "no metrics registry configured", http.StatusNotFound)
		return
	}
	snap, err := s.reg.TakeSnapshot(s.eng.Cache)
	if err != nil {
		s.log.Errorf("handleStats: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap.Values.AsMap())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
