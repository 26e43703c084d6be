// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package analyze

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
)

func TestSpaceReportsOneStat1PerIndex(t *testing.T) {
	fields := []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}
	f := tuple.NewFormat(fields)
	f.MarkIndexed(0)
	pkDef := keydef.New([]keydef.Part{{FieldNo: 0, Type: tuple.FieldUnsigned}}, true)
	pk, err := index.New(index.KindAVL, "primary", pkDef)
	require.NoError(t, err)
	byName, err := index.New(index.KindAVL, "by_name", keydef.New([]keydef.Part{{FieldNo: 1, Type: tuple.FieldString}}, false))
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: 1, Name: "widgets", Arity: 2}, f, []index.Index{pk, byName})
	require.NoError(t, err)

	for i, name := range []string{"alice", "bob", "carol"} {
		raw, err := msgpack.Marshal([]interface{}{uint64(i), name})
		require.NoError(t, err)
		tup, err := tuple.New(sp.Format, raw)
		require.NoError(t, err)
		_, err = sp.Replace(nil, tup, index.Insert)
		require.NoError(t, err)
	}

	stats, err := Space(sp)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "primary", stats[0].IndexName)
	require.Equal(t, uint64(3), stats[0].RowCount)
	require.Equal(t, "by_name", stats[1].IndexName)
	require.Equal(t, uint64(3), stats[1].RowCount)
}
