// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package alter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

func newTestSpace(t *testing.T, id uint64, name string) *space.Space {
	t.Helper()
	fields := []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}
	f := tuple.NewFormat(fields)
	f.MarkIndexed(0)
	kd := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: id, Name: name, Arity: 2}, f, []index.Index{pk})
	require.NoError(t, err)
	return sp
}

func insertRow(t *testing.T, sp *space.Space, id uint64, name string) {
	t.Helper()
	raw, err := msgpack.Marshal([]interface{}{id, name})
	require.NoError(t, err)
	tup, err := tuple.New(sp.Format, raw)
	require.NoError(t, err)
	_, err = sp.Replace(nil, tup, index.Insert)
	require.NoError(t, err)
}

func TestModifySpaceRenameCommits(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets")
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	name := "gadgets"
	plan := NewPlan(sp, Normal, []AlterOp{&ModifySpace{Name: &name}})
	tx := txn.New(1)
	require.NoError(t, Run(plan, tx, c))
	require.NoError(t, tx.Commit())

	require.Nil(t, c.ByName("widgets"))
	require.NotNil(t, c.ByName("gadgets"))
	require.Equal(t, "gadgets", c.ByID(1).Def.Name)
}

func TestModifySpaceArityShrinkBelowFieldsRejected(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets")
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	arity := 1
	plan := NewPlan(sp, Normal, []AlterOp{&ModifySpace{Arity: &arity}})
	tx := txn.New(1)
	require.Error(t, Run(plan, tx, c))
}

func TestDropIndexRefusesPrimary(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets")
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	plan := NewPlan(sp, Normal, []AlterOp{&DropIndex{IID: 0}})
	tx := txn.New(1)
	require.Error(t, Run(plan, tx, c))
}

func TestAddIndexNormalRegimeBuildsAndMirrors(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets")
	insertRow(t, sp, 1, "alice")
	insertRow(t, sp, 2, "bob")
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	kd := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	plan := NewPlan(sp, Normal, []AlterOp{
		&AddIndex{IID: 1, Name: "by_name", Kind: index.KindAVL, KeyDef: kd},
	})
	tx := txn.New(1)
	require.NoError(t, Run(plan, tx, c))

	// new index already built against the pre-alter rows, reachable
	// through the shadow space before commit.
	secondary := plan.NewSpace.IndexByID(1)
	require.NotNil(t, secondary)
	found, err := secondary.FindByKey([]interface{}{"alice"}, 1)
	require.NoError(t, err)
	require.NotNil(t, found)

	// a concurrent insert against the old (still-cached) space mirrors
	// into the new index before the alter's own transaction commits.
	insertRow(t, sp, 3, "carol")
	found, err = secondary.FindByKey([]interface{}{"carol"}, 1)
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, tx.Commit())
	live := c.ByID(1)
	require.Len(t, live.Indexes, 2)
}

func TestAddIndexRollbackDetachesMirrorAndAbandonsShadow(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets")
	insertRow(t, sp, 1, "alice")
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	kd := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	plan := NewPlan(sp, Normal, []AlterOp{
		&AddIndex{IID: 1, Name: "by_name", Kind: index.KindAVL, KeyDef: kd},
	})
	tx := txn.New(1)
	require.NoError(t, Run(plan, tx, c))
	require.NoError(t, tx.Rollback())

	require.Nil(t, plan.NewSpace)
	// mirror trigger detached: a fresh insert must not panic/touch a
	// discarded index, and the cached space still has just the primary.
	insertRow(t, sp, 2, "bob")
	require.Len(t, c.ByID(1).Indexes, 1)
}

func TestModifyIndexReplacesKeyDefInPlace(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets")
	insertRow(t, sp, 1, "alice")
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	kd := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, false)
	plan := NewPlan(sp, Normal, []AlterOp{
		&ModifyIndex{IID: 0, Name: "primary", Kind: index.KindAVL, KeyDef: kd},
	})
	tx := txn.New(1)
	require.NoError(t, Run(plan, tx, c))
	require.NoError(t, tx.Commit())

	live := c.ByID(1)
	require.False(t, live.Primary().KeyDef().IsUnique)
}
