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
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/build"
	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/vm"
)

func newTestSpace(t *testing.T, id uint64, name string, n int) *space.Space {
	t.Helper()
	fields := []tuple.FieldDef{{Name: "id", Type: tuple.FieldUnsigned}}
	f := tuple.NewFormat(fields)
	f.MarkIndexed(0)
	kd := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		raw, err := msgpack.Marshal([]interface{}{uint64(i)})
		require.NoError(t, err)
		tp, err := tuple.New(f, raw)
		require.NoError(t, err)
		_, err = pk.Replace(nil, tp, index.Insert)
		require.NoError(t, err)
	}
	sp, err := space.New(space.Def{ID: id, Name: name, Arity: 1}, f, []index.Index{pk})
	require.NoError(t, err)
	return sp
}

func TestOpcodeRecorderCountsDispatches(t *testing.T) {
	reg := New()
	p := &vm.Program{NMem: 1, Ops: []vm.Op{
		{Opcode: vm.OpInteger, P1: 1, P2: 1},
		{Opcode: vm.OpInteger, P1: 2, P2: 1},
		{Opcode: vm.OpHalt},
	}}
	v := vm.New(p, nil, cache.New(nil))
	v.OnOpcode = reg.OpcodeRecorder()
	require.NoError(t, v.Run())

	require.Equal(t, int64(3), reg.opcodeDispatch.Count())
	require.Equal(t, int64(3), reg.opcodeLatency.Count())
}

func TestBuildRecorderMarksScanRate(t *testing.T) {
	reg := New()
	sp := newTestSpace(t, 1, "widgets", 5)

	f := sp.Format
	kd := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	secondary, err := index.New(index.KindAVL, "by_id", kd)
	require.NoError(t, err)

	ctx := build.NewContext(sp, secondary, f, kd, true, false, 1024)
	ctx.OnTuple = reg.BuildRecorder()
	require.NoError(t, ctx.Run(nil))

	require.Equal(t, int64(5), reg.buildScanRate.Count())
}

func TestTakeSnapshotIncludesIndexSizesAndOpcodeCounters(t *testing.T) {
	reg := New()
	sp := newTestSpace(t, 1, "widgets", 3)
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	reg.buildScanRate.Mark(4)
	reg.opcodeDispatch.Inc(7)

	snap, err := reg.TakeSnapshot(c)
	require.NoError(t, err)
	fields := snap.Values.AsMap()

	require.Equal(t, float64(3), fields["widgets:primary.size"])
	require.Equal(t, float64(7), fields["vm.opcode_dispatch"])
	require.Equal(t, float64(4), fields["build.scan_rate.count"])
	require.NotNil(t, snap.At)
}

func TestBuildStalledIncrementsCounter(t *testing.T) {
	reg := New()
	reg.BuildStalled()
	reg.BuildStalled()
	require.Equal(t, int64(2), reg.buildStalls.Count())
}
