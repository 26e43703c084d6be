// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

func newEngineWithSpace(t *testing.T, id uint64, name string, fields []tuple.FieldDef, pkFieldNo int) (*Engine, *space.Space) {
	t.Helper()
	f := tuple.NewFormat(fields)
	f.MarkIndexed(pkFieldNo)
	kd := keydef.New([]keydef.Part{{FieldNo: pkFieldNo, Type: fields[pkFieldNo].Type}}, true)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: id, Name: name, Arity: len(fields)}, f, []index.Index{pk})
	require.NoError(t, err)

	e := New(nil)
	require.NoError(t, e.Cache.Replace(nil, sp))
	return e, sp
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestExecuteInsertThenSelectByKey(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)

	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{
		Op: OpInsert, SpaceID: sp.Def.ID,
		Tuple: mustMarshal(t, []interface{}{uint64(1), "alice"}),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := txn.New(2)
	rows, err := e.Execute(tx2, &Request{
		Op: OpSelect, SpaceID: sp.Def.ID, IndexID: 0,
		Key:      mustMarshal(t, []interface{}{uint64(1)}),
		Iterator: index.IterEQ,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var vals []interface{}
	require.NoError(t, msgpack.Unmarshal(rows[0], &vals))
	require.Equal(t, "alice", vals[1])
}

func TestExecuteInsertDuplicateKeyFails(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)

	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1)})})
	require.NoError(t, err)

	_, err = e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1)})})
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.DuplicateKey))
}

func TestExecuteReplaceOverwrites(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1), "alice"})})
	require.NoError(t, err)

	_, err = e.Execute(tx, &Request{Op: OpReplace, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1), "bob"})})
	require.NoError(t, err)

	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	row, err := sp.Primary().Min()
	require.NoError(t, err)
	val, err := row.FieldValue(1)
	require.NoError(t, err)
	require.Equal(t, "bob", val)
}

func TestExecuteDelete(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(7)})})
	require.NoError(t, err)

	_, err = e.Execute(tx, &Request{Op: OpDelete, SpaceID: sp.Def.ID, IndexID: 0, Key: mustMarshal(t, []interface{}{uint64(7)})})
	require.NoError(t, err)

	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

func TestExecuteUpdateAppliesSetAndArithmeticOps(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "counters", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "count", Type: tuple.FieldInteger},
		{Name: "label", Type: tuple.FieldString},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1), int64(10), "old"})})
	require.NoError(t, err)

	ops := mustMarshal(t, [][]interface{}{
		{"+", 1, int64(5)},
		{"=", 2, "new"},
	})
	_, err = e.Execute(tx, &Request{
		Op: OpUpdate, SpaceID: sp.Def.ID, IndexID: 0,
		Key:       mustMarshal(t, []interface{}{uint64(1)}),
		UpdateOps: ops,
	})
	require.NoError(t, err)

	row, err := sp.Primary().Min()
	require.NoError(t, err)
	vals, err := row.Values()
	require.NoError(t, err)
	require.EqualValues(t, 15, vals[1])
	require.Equal(t, "new", vals[2])
}

func TestExecuteUpdateMissingKeyFails(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{
		Op: OpUpdate, SpaceID: sp.Def.ID, IndexID: 0,
		Key:       mustMarshal(t, []interface{}{uint64(9)}),
		UpdateOps: mustMarshal(t, [][]interface{}{{"=", 0, uint64(9)}}),
	})
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.NotFound))
}

func TestExecuteUpsertInsertsWhenAbsent(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{
		Op: OpUpsert, SpaceID: sp.Def.ID, IndexID: 0,
		Key:       mustMarshal(t, []interface{}{uint64(3)}),
		Tuple:     mustMarshal(t, []interface{}{uint64(3), "fresh"}),
		UpdateOps: mustMarshal(t, [][]interface{}{{"=", 1, "unused"}}),
	})
	require.NoError(t, err)

	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	row, err := sp.Primary().Min()
	require.NoError(t, err)
	val, err := row.FieldValue(1)
	require.NoError(t, err)
	require.Equal(t, "fresh", val)
}

func TestExecuteUpsertUpdatesWhenPresent(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(3), "old"})})
	require.NoError(t, err)

	_, err = e.Execute(tx, &Request{
		Op: OpUpsert, SpaceID: sp.Def.ID, IndexID: 0,
		Key:       mustMarshal(t, []interface{}{uint64(3)}),
		Tuple:     mustMarshal(t, []interface{}{uint64(3), "ignored"}),
		UpdateOps: mustMarshal(t, [][]interface{}{{"=", 1, "updated"}}),
	})
	require.NoError(t, err)

	row, err := sp.Primary().Min()
	require.NoError(t, err)
	val, err := row.FieldValue(1)
	require.NoError(t, err)
	require.Equal(t, "updated", val)
}

func TestExecuteSelectScanRespectsLimitAndOffset(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	tx := txn.New(1)
	for i := uint64(0); i < 5; i++ {
		_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{i})})
		require.NoError(t, err)
	}

	rows, err := e.Execute(tx, &Request{
		Op: OpSelect, SpaceID: sp.Def.ID, IndexID: 0,
		Iterator: index.IterAll, Limit: 2, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	var first []interface{}
	require.NoError(t, msgpack.Unmarshal(rows[0], &first))
	require.EqualValues(t, 1, first[0])
}

func TestExecuteCallIsUnsupported(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpCall, SpaceID: sp.Def.ID, CallName: "nope"})
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.Unsupported))
}

func TestNextAutoincValueIsMonotonic(t *testing.T) {
	e, _ := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	a, err := e.NextAutoincValue(1)
	require.NoError(t, err)
	b, err := e.NextAutoincValue(1)
	require.NoError(t, err)
	require.Equal(t, a+1, b)
}

func TestDropIndexRemovesSecondary(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)
	kd := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, false)
	sec, err := index.New(index.KindAVL, "by_name", kd)
	require.NoError(t, err)
	sp.Indexes = append(sp.Indexes, sec)

	require.NoError(t, e.DropIndex(sp.Def.ID, 1))
	newSp := e.Cache.ByID(sp.Def.ID)
	require.Len(t, newSp.Indexes, 1)
}

func TestInvalidateAbortsConcurrentTransaction(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpSelect, SpaceID: sp.Def.ID, IndexID: 0, Iterator: index.IterAll})
	require.NoError(t, err)
	require.False(t, tx.Aborted())

	require.NoError(t, e.RenameTable("widgets", "gadgets"))
	require.True(t, tx.Aborted())
}

func TestCreateTriggerBeforeInsertCanAbortReplace(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)

	refused := diag.New(diag.InternalError, "no inserts allowed")
	require.NoError(t, e.CreateTrigger("guard", sp.Def.ID, TriggerBefore, EventInsert, func(_ *space.Space, old, newT *tuple.Tuple) error {
		return refused
	}))

	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1)})})
	require.Error(t, err)

	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}

func TestCreateTriggerEventMaskSkipsNonMatchingOps(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)

	var deletes int
	require.NoError(t, e.CreateTrigger("count_deletes", sp.Def.ID, TriggerAfter, EventDelete, func(_ *space.Space, old, newT *tuple.Tuple) error {
		deletes++
		return nil
	}))

	tx := txn.New(1)
	_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{uint64(1)})})
	require.NoError(t, err)
	require.Equal(t, 0, deletes)

	_, err = e.Execute(tx, &Request{Op: OpDelete, SpaceID: sp.Def.ID, IndexID: 0, Key: mustMarshal(t, []interface{}{uint64(1)})})
	require.NoError(t, err)
	require.Equal(t, 1, deletes)
}

func TestAnalyzeReportsRowCount(t *testing.T) {
	e, sp := newEngineWithSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	tx := txn.New(1)
	for i := uint64(0); i < 3; i++ {
		_, err := e.Execute(tx, &Request{Op: OpInsert, SpaceID: sp.Def.ID, Tuple: mustMarshal(t, []interface{}{i})})
		require.NoError(t, err)
	}

	stats, err := e.Analyze(sp.Def.ID)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, uint64(3), stats[0].RowCount)
	require.Equal(t, "primary", stats[0].IndexName)
}
