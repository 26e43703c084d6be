// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package fk

import (
	"testing"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func mustTuple(t *testing.T, f *tuple.Format, fields ...interface{}) *tuple.Tuple {
	t.Helper()
	raw, err := msgpack.Marshal(fields)
	require.NoError(t, err)
	tp, err := tuple.New(f, raw)
	require.NoError(t, err)
	return tp
}

func newSpace(t *testing.T, id uint64, name string, fields []tuple.FieldDef, pkFieldNo int) *space.Space {
	t.Helper()
	f := tuple.NewFormat(fields)
	kd := keydef.New([]keydef.Part{{FieldNo: pkFieldNo, Type: fields[pkFieldNo].Type}}, true)
	f.MarkIndexed(pkFieldNo)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: id, Name: name, Arity: len(fields)}, f, []index.Index{pk})
	require.NoError(t, err)
	return sp
}

func setup(t *testing.T) (*cache.Cache, *space.Space, *space.Space) {
	t.Helper()
	c := cache.New(nil)

	parent := newSpace(t, 1, "parent", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)
	require.NoError(t, c.Replace(nil, parent))

	childFields := []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "parent_id", Type: tuple.FieldUnsigned, Nullable: true},
	}
	childFormat := tuple.NewFormat(childFields)
	childFormat.MarkIndexed(0)
	childFormat.MarkIndexed(1)
	childPK, err := index.New(index.KindAVL, "primary", keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true))
	require.NoError(t, err)
	childByParent, err := index.New(index.KindAVL, "by_parent", keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldUnsigned}}, false))
	require.NoError(t, err)
	child, err := space.New(space.Def{ID: 2, Name: "child", Arity: 2}, childFormat, []index.Index{childPK, childByParent})
	require.NoError(t, err)
	require.NoError(t, c.Replace(nil, child))

	return c, parent, child
}

func TestCheckInsertRejectsMissingReference(t *testing.T) {
	c, _, child := setup(t)
	con, err := New(c, "fk_child_parent", child, 1, 0, 1, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, nil)
	require.NoError(t, err)
	defer con.Detach()

	row := mustTuple(t, child.Format, uint64(10), uint64(99))
	err = con.CheckInsert(row)
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.FieldForeignKeyFailed))
}

func TestCheckInsertAllowsExistingReference(t *testing.T) {
	c, parent, child := setup(t)
	parentRow := mustTuple(t, parent.Format, uint64(1), "alice")
	_, err := parent.Replace(nil, parentRow, index.Insert)
	require.NoError(t, err)

	con, err := New(c, "fk_child_parent", child, 1, 0, 1, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, nil)
	require.NoError(t, err)
	defer con.Detach()

	row := mustTuple(t, child.Format, uint64(10), uint64(1))
	require.NoError(t, con.CheckInsert(row))
}

func TestCheckInsertSkipsAllNullKey(t *testing.T) {
	c, _, child := setup(t)
	con, err := New(c, "fk_child_parent", child, 1, 0, 1, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, nil)
	require.NoError(t, err)
	defer con.Detach()

	row := mustTuple(t, child.Format, uint64(10), nil)
	require.NoError(t, con.CheckInsert(row))
}

func TestCheckInsertSkippedDuringRecovery(t *testing.T) {
	c, _, child := setup(t)
	con, err := New(c, "fk_child_parent", child, 1, 0, 1, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, func() bool { return true })
	require.NoError(t, err)
	defer con.Detach()

	row := mustTuple(t, child.Format, uint64(10), uint64(99))
	require.NoError(t, con.CheckInsert(row))
}

func TestCheckDeleteRejectsWhenReferenced(t *testing.T) {
	c, parent, child := setup(t)
	parentRow := mustTuple(t, parent.Format, uint64(1), "alice")
	_, err := parent.Replace(nil, parentRow, index.Insert)
	require.NoError(t, err)

	con, err := New(c, "fk_child_parent", child, 1, 0, 1, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, nil)
	require.NoError(t, err)
	defer con.Detach()

	childRow := mustTuple(t, child.Format, uint64(10), uint64(1))
	_, err = child.Replace(nil, childRow, index.Insert)
	require.NoError(t, err)

	err = con.CheckDelete(parentRow, nil)
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.ForeignKeyIntegrity))
}

func TestCheckDeleteAllowsWhenKeyPreservedByReplace(t *testing.T) {
	c, parent, child := setup(t)
	parentRow := mustTuple(t, parent.Format, uint64(1), "alice")
	_, err := parent.Replace(nil, parentRow, index.Insert)
	require.NoError(t, err)

	con, err := New(c, "fk_child_parent", child, 1, 0, 1, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, nil)
	require.NoError(t, err)
	defer con.Detach()

	childRow := mustTuple(t, child.Format, uint64(10), uint64(1))
	_, err = child.Replace(nil, childRow, index.Insert)
	require.NoError(t, err)

	renamed := mustTuple(t, parent.Format, uint64(1), "alice renamed")
	require.NoError(t, con.CheckDelete(parentRow, renamed))
}

func TestRejectsDataTemporaryForeignFromDurableLocal(t *testing.T) {
	c := cache.New(nil)
	parent := newSpace(t, 1, "parent", []tuple.FieldDef{{Name: "id", Type: tuple.FieldUnsigned}}, 0)
	parent.Def.Temporary = true
	require.NoError(t, c.Replace(nil, parent))

	child := newSpace(t, 2, "child", []tuple.FieldDef{{Name: "id", Type: tuple.FieldUnsigned}, {Name: "parent_id", Type: tuple.FieldUnsigned, Nullable: true}}, 0)
	require.NoError(t, c.Replace(nil, child))

	_, err := New(c, "fk_child_parent", child, 1, 0, 0, []Link{{LocalFieldNo: 1, ForeignField: "id"}}, nil)
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.Unsupported))
}
