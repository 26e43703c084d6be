// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package space

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()
	fields := []tuple.FieldDef{{Name: "id", Type: tuple.FieldUnsigned}}
	f := tuple.NewFormat(fields)
	f.MarkIndexed(0)
	kd := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	sp, err := New(Def{ID: 1, Name: "widgets", Arity: 1}, f, []index.Index{pk})
	require.NoError(t, err)
	return sp
}

func newTestTuple(t *testing.T, sp *Space, id uint64) *tuple.Tuple {
	t.Helper()
	raw, err := msgpack.Marshal([]interface{}{id})
	require.NoError(t, err)
	tup, err := tuple.New(sp.Format, raw)
	require.NoError(t, err)
	return tup
}

func TestBeforeReplaceTriggerAbortsAheadOfMutation(t *testing.T) {
	sp := newTestSpace(t)
	sp.AddBeforeReplaceTrigger(func(_ *Space, old, newT *tuple.Tuple) error {
		return diag.New(diag.InternalError, "refused")
	})

	_, err := sp.Replace(nil, newTestTuple(t, sp, 1), index.Insert)
	require.Error(t, err)
	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n, "no index should have been mutated once the before-trigger refused")
}

func TestBeforeReplaceTriggerRunsAheadOfAfterTrigger(t *testing.T) {
	sp := newTestSpace(t)
	var order []string
	sp.AddBeforeReplaceTrigger(func(_ *Space, old, newT *tuple.Tuple) error {
		order = append(order, "before")
		return nil
	})
	sp.AddReplaceTrigger(func(_ *Space, old, newT *tuple.Tuple) error {
		order = append(order, "after")
		return nil
	})

	_, err := sp.Replace(nil, newTestTuple(t, sp, 1), index.Insert)
	require.NoError(t, err)
	require.Equal(t, []string{"before", "after"}, order)
}

func TestRemoveBeforeReplaceTriggerDetaches(t *testing.T) {
	sp := newTestSpace(t)
	var fired bool
	h := sp.AddBeforeReplaceTrigger(func(_ *Space, old, newT *tuple.Tuple) error {
		fired = true
		return nil
	})
	sp.RemoveBeforeReplaceTrigger(h)

	_, err := sp.Replace(nil, newTestTuple(t, sp, 1), index.Insert)
	require.NoError(t, err)
	require.False(t, fired)
}
