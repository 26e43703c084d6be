// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package vm

import (
	"sort"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/mem"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
)

// cursorKind distinguishes what a Cursor is positioned over (spec.md
// §4.8 Cursor: index/ephemeral/pseudo/sorter).
type cursorKind int

const (
	cursorIndex cursorKind = iota
	cursorEphemeral
	cursorPseudo
	cursorSorter
)

// Cursor is one VM cursor slot. posGen ties it to the VM's cacheStatus
// generation counter (spec.md §4.8 "Cursor cache invariant"): a
// Column read is only valid for the position the cursor last moved to.
type Cursor struct {
	kind cursorKind

	sp  *space.Space // owning space, for Delete/cursor-level space ops
	ix  index.Index
	it  index.Iterator
	row *tuple.Tuple

	// ephemeral scratch space (OpenTEphemeral)
	ephKeyDef *keydef.KeyDef
	format    *tuple.Format // record format shared by ephemeral/sorter rows

	// pseudo cursor: a single register treated as a one-row cursor
	pseudoReg *mem.Mem

	// sorter cursor (SorterOpen/SorterInsert/SorterSort/SorterNext)
	sortKeyDef *keydef.KeyDef
	sortRows   []*tuple.Tuple
	sortPos    int

	posGen int64 // generation at last movement; -1 if never positioned / closed
	isOpen bool
}

func newCursor() *Cursor { return &Cursor{posGen: -1} }

// recordFormat is the tuple.Format a record built for this cursor's
// index/ephemeral rows must validate against.
func (c *Cursor) recordFormat() *tuple.Format {
	if c.sp != nil {
		return c.sp.Format
	}
	return c.format
}

// openIndex backs OpenRead/OpenWrite/ReopenIdx: both read and write
// cursors use the same in-memory index directly, since there is no
// separate read/write-set layer in this engine.
func (c *Cursor) openIndex(sp *space.Space, ix index.Index) {
	c.close()
	c.kind = cursorIndex
	c.sp = sp
	c.ix = ix
	c.isOpen = true
}

func (c *Cursor) openEphemeral(kd *keydef.KeyDef, format *tuple.Format, ix index.Index) {
	c.close()
	c.kind = cursorEphemeral
	c.ephKeyDef = kd
	c.format = format
	c.ix = ix
	c.isOpen = true
}

func (c *Cursor) openPseudo(reg *mem.Mem) {
	c.close()
	c.kind = cursorPseudo
	c.pseudoReg = reg
	c.isOpen = true
}

func (c *Cursor) openSorter(kd *keydef.KeyDef, format *tuple.Format) {
	c.close()
	c.kind = cursorSorter
	c.sortKeyDef = kd
	c.format = format
	c.isOpen = true
}

func (c *Cursor) close() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	c.row = nil
	c.isOpen = false
	c.posGen = -1
}

// seek opens a scanning iterator over the cursor's index and
// positions it at the first matching row (spec.md §4.8 Navigation:
// Rewind/Last/SeekGE/GT/LE/LT all funnel through here).
func (c *Cursor) seek(typ index.IterType, key []interface{}, partCount int, gen int64) error {
	if c.kind != cursorIndex && c.kind != cursorEphemeral {
		return diag.New(diag.InternalError, "seek on a non-index cursor")
	}
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	it, err := c.ix.Iterator(typ, key, partCount)
	if err != nil {
		return err
	}
	c.it = it
	return c.advance(gen)
}

// advance pulls the iterator's next row into the cursor (Next/Prev use
// the same underlying forward iterator since index.Iterator does not
// distinguish direction; a descending scan is requested via the
// IterType passed to seek).
func (c *Cursor) advance(gen int64) error {
	if c.it == nil {
		c.row = nil
		c.posGen = gen
		return nil
	}
	row, err := c.it.Next()
	if err != nil {
		return err
	}
	c.row = row
	c.posGen = gen
	return nil
}

// eof reports whether the cursor scan has been exhausted (no current row).
func (c *Cursor) eof() bool { return c.row == nil }

func (c *Cursor) sorterInsert(t *tuple.Tuple) {
	c.sortRows = append(c.sortRows, t)
}

func (c *Cursor) sorterSort() {
	kd := c.sortKeyDef
	sort.SliceStable(c.sortRows, func(i, j int) bool {
		cmp, _ := kd.Compare(c.sortRows[i], c.sortRows[j])
		return cmp < 0
	})
	c.sortPos = 0
}

func (c *Cursor) sorterNext(gen int64) {
	if c.sortPos < len(c.sortRows) {
		c.row = c.sortRows[c.sortPos]
		c.sortPos++
	} else {
		c.row = nil
	}
	c.posGen = gen
}
