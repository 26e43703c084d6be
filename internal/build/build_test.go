// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package build

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

func newBuildTestSpace(t *testing.T) (*space.Space, *keydef.KeyDef) {
	t.Helper()
	fields := []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}
	f := tuple.NewFormat(fields)
	f.MarkIndexed(0)
	pkDef := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	pk, err := index.New(index.KindAVL, "primary", pkDef)
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: 1, Name: "widgets", Arity: 2}, f, []index.Index{pk})
	require.NoError(t, err)
	return sp, pkDef
}

func insertBuildRow(t *testing.T, sp *space.Space, id uint64, name string) {
	t.Helper()
	raw, err := msgpack.Marshal([]interface{}{id, name})
	require.NoError(t, err)
	tup, err := tuple.New(sp.Format, raw)
	require.NoError(t, err)
	_, err = sp.Replace(nil, tup, index.Insert)
	require.NoError(t, err)
}

func TestRunScansExistingRowsIntoNewIndex(t *testing.T) {
	sp, pkDef := newBuildTestSpace(t)
	insertBuildRow(t, sp, 1, "alice")
	insertBuildRow(t, sp, 2, "bob")

	byName := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	newIx, err := index.New(index.KindAVL, "by_name", byName)
	require.NoError(t, err)

	var scanned int
	ctx := NewContext(sp, newIx, sp.Format, pkDef, true, false, 1024)
	ctx.OnTuple = func() { scanned++ }
	require.NoError(t, ctx.Run(nil))
	require.Equal(t, 2, scanned)

	found, err := newIx.FindByKey([]interface{}{"alice"}, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestOnReplaceMirrorsImmediatelyWithoutCurrentStatement(t *testing.T) {
	sp, pkDef := newBuildTestSpace(t)
	insertBuildRow(t, sp, 1, "alice")

	byName := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	newIx, err := index.New(index.KindAVL, "by_name", byName)
	require.NoError(t, err)

	ctx := NewContext(sp, newIx, sp.Format, pkDef, true, false, 1024)
	require.NoError(t, ctx.Run(nil)) // alice mirrored via the scan
	ctx.Attach()
	defer ctx.Detach()

	// no CurrentStatement configured: a concurrent insert mirrors
	// straight into the new index as a best effort (build.go's
	// onReplace fallback path).
	insertBuildRow(t, sp, 2, "bob")

	found, err := newIx.FindByKey([]interface{}{"bob"}, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestOnReplaceDefersMirrorUntilBeforeCommit(t *testing.T) {
	sp, pkDef := newBuildTestSpace(t)

	byName := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	newIx, err := index.New(index.KindAVL, "by_name", byName)
	require.NoError(t, err)

	ctx := NewContext(sp, newIx, sp.Format, pkDef, true, false, 1024)
	require.NoError(t, ctx.Run(nil)) // empty scan, cursorMark stays ""
	ctx.Attach()
	defer ctx.Detach()

	tx := txn.New(1)
	stmt := tx.NewStatement()
	ctx.CurrentStatement = func() *txn.Statement { return stmt }

	insertBuildRow(t, sp, 1, "carol")

	// the write is queued in the write set, not yet visible in the new
	// index: confirmation happens at before-commit (spec.md §4.6).
	found, err := newIx.FindByKey([]interface{}{"carol"}, 1)
	require.NoError(t, err)
	require.Nil(t, found)

	require.NoError(t, tx.Commit())

	found, err = newIx.FindByKey([]interface{}{"carol"}, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestAbortConflictingWriterOnDuplicateSecondaryKey(t *testing.T) {
	sp, pkDef := newBuildTestSpace(t)

	byName := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	newIx, err := index.New(index.KindAVL, "by_name", byName)
	require.NoError(t, err)

	ctx := NewContext(sp, newIx, sp.Format, pkDef, true, false, 1024)
	require.NoError(t, ctx.Run(nil))
	ctx.Attach()
	defer ctx.Detach()

	tx1 := txn.New(1)
	stmt1 := tx1.NewStatement()
	tx2 := txn.New(2)
	stmt2 := tx2.NewStatement()

	var active *txn.Statement
	ctx.CurrentStatement = func() *txn.Statement { return active }

	active = stmt1
	insertBuildRow(t, sp, 1, "dup")
	active = stmt2
	insertBuildRow(t, sp, 2, "dup")

	require.NoError(t, tx1.Commit())
	require.True(t, tx2.Aborted())
	require.Error(t, tx2.Commit())
}

func TestOnStatementRollbackDropsUnconfirmedWrite(t *testing.T) {
	sp, pkDef := newBuildTestSpace(t)

	byName := keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, true)
	newIx, err := index.New(index.KindAVL, "by_name", byName)
	require.NoError(t, err)

	ctx := NewContext(sp, newIx, sp.Format, pkDef, true, false, 1024)
	require.NoError(t, ctx.Run(nil))
	ctx.Attach()
	defer ctx.Detach()

	tx := txn.New(1)
	stmt := tx.NewStatement()
	ctx.CurrentStatement = func() *txn.Statement { return stmt }

	insertBuildRow(t, sp, 1, "erin")
	require.NoError(t, tx.Rollback())

	found, err := newIx.FindByKey([]interface{}{"erin"}, 1)
	require.NoError(t, err)
	require.Nil(t, found)
}
