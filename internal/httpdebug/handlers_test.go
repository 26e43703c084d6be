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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inmemdb/engine/internal/engine"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/metrics"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fields := []tuple.FieldDef{{Name: "id", Type: tuple.FieldUnsigned}}
	f := tuple.NewFormat(fields)
	f.MarkIndexed(0)
	kd := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: 1, Name: "widgets", Arity: 1}, f, []index.Index{pk})
	require.NoError(t, err)

	e := engine.New(nil)
	require.NoError(t, e.Cache.Replace(nil, sp))

	reg := metrics.New()
	reg.BuildStalled()
	return New("127.0.0.1:0", e, reg)
}

func TestHandleSpacesListsCacheContents(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/spaces", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var out []spaceInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "widgets", out[0].Name)
	require.Len(t, out[0].Indexes, 1)
	require.Equal(t, "primary", out[0].Indexes[0].Name)
}

func TestHandleStatsReturnsSnapshotJSON(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, float64(1), out["build.stalls"])
	require.Equal(t, float64(0), out["widgets:primary.size"])
}

func TestHandleStatsWithoutRegistryReturns404(t *testing.T) {
	s := newTestServer(t)
	s.reg = nil
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsRouteRegisteredWhenRegistryPresent(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
