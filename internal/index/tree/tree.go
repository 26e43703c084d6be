// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package tree implements the B+-tree index kind (spec.md §4.2): a
// block-linked structure over tuple pointers, pages allocated from a
// shared per-process slab, with the comparator dispatching through
// the owning key def. Pages here are the accounting/lifecycle unit
// (one page per block of entries) rather than a byte-packed disk page
// format, since tuples are live Go objects, not serialized records.
package tree

import (
	"math/rand"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

type page struct {
	raw        []byte
	entries    []*tuple.Tuple
	next, prev *page
}

// Tree is a block-linked B+-tree-style Index.
type Tree struct {
	name       string
	kd         *keydef.KeyDef
	alloc      *PageAllocator
	head, tail *page
	n          uint64
	maxPerPage int
}

func New(name string, kd *keydef.KeyDef, pageSize int) (*Tree, error) {
	alloc, err := NewPageAllocator(pageSize, "")
	if err != nil {
		return nil, err
	}
	maxPerPage := pageSize / 64
	if maxPerPage < 4 {
		maxPerPage = 4
	}
	return &Tree{name: name, kd: kd, alloc: alloc, maxPerPage: maxPerPage}, nil
}

func (t *Tree) Name() string           { return t.name }
func (t *Tree) KeyDef() *keydef.KeyDef { return t.kd }
func (t *Tree) Size() (uint64, error)  { return t.n, nil }

func (t *Tree) newPage() (*page, error) {
	raw, err := t.alloc.AllocPage()
	if err != nil {
		return nil, err
	}
	return &page{raw: raw}, nil
}

func (t *Tree) freePage(p *page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		t.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		t.tail = p.prev
	}
	t.alloc.FreePage(p.raw)
}

// locate returns the page holding target, and the index within it, or
// (nil, -1, nil) if not found.
func (t *Tree) locate(target *tuple.Tuple) (*page, int, error) {
	for p := t.head; p != nil; p = p.next {
		for i, e := range p.entries {
			c, err := t.kd.Compare(e, target)
			if err != nil {
				return nil, 0, err
			}
			if c == 0 {
				return p, i, nil
			}
		}
	}
	return nil, -1, nil
}

func (t *Tree) locateByKey(key []interface{}, partCount int) (*page, int, error) {
	for p := t.head; p != nil; p = p.next {
		for i, e := range p.entries {
			c, err := t.kd.CompareWithKey(e, key, partCount)
			if err != nil {
				return nil, 0, err
			}
			if c == 0 {
				return p, i, nil
			}
		}
	}
	return nil, -1, nil
}

func (t *Tree) insertEntry(newT *tuple.Tuple) error {
	// Find the insertion page: the first page whose last entry is >=
	// newT, else the tail page.
	target := t.head
	for target != nil && target.next != nil {
		last := target.entries[len(target.entries)-1]
		c, err := t.kd.Compare(last, newT)
		if err != nil {
			return err
		}
		if c >= 0 {
			break
		}
		target = target.next
	}
	if target == nil {
		p, err := t.newPage()
		if err != nil {
			return err
		}
		t.head, t.tail = p, p
		target = p
	}

	pos := 0
	for pos < len(target.entries) {
		c, err := t.kd.Compare(target.entries[pos], newT)
		if err != nil {
			return err
		}
		if c >= 0 {
			break
		}
		pos++
	}
	target.entries = append(target.entries, nil)
	copy(target.entries[pos+1:], target.entries[pos:])
	target.entries[pos] = newT
	t.n++

	if len(target.entries) > t.maxPerPage {
		return t.split(target)
	}
	return nil
}

func (t *Tree) split(p *page) error {
	mid := len(p.entries) / 2
	np, err := t.newPage()
	if err != nil {
		return err
	}
	np.entries = append(np.entries, p.entries[mid:]...)
	p.entries = p.entries[:mid:mid]

	np.next = p.next
	np.prev = p
	if p.next != nil {
		p.next.prev = np
	} else {
		t.tail = np
	}
	p.next = np
	return nil
}

func (t *Tree) removeEntry(target *tuple.Tuple) (*tuple.Tuple, error) {
	p, i, err := t.locate(target)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	removed := p.entries[i]
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	t.n--
	if len(p.entries) == 0 && (p.prev != nil || p.next != nil) {
		t.freePage(p)
	}
	return removed, nil
}

func (t *Tree) findDuplicate(newT *tuple.Tuple) (*tuple.Tuple, error) {
	if !t.kd.IsUnique {
		return nil, nil
	}
	p, i, err := t.locate(newT)
	if err != nil || p == nil {
		return nil, err
	}
	return p.entries[i], nil
}

func (t *Tree) Replace(old, newT *tuple.Tuple, mode index.Mode) (*tuple.Tuple, error) {
	var removed *tuple.Tuple

	if t.kd.IsUnique && newT != nil {
		dup, err := t.findDuplicate(newT)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			sameAsOld := old != nil && dup == old
			if mode == index.Insert && !sameAsOld {
				return nil, diag.DuplicateKeyErr(t.name, dup, newT)
			}
			removed, err = t.removeEntry(dup)
			if err != nil {
				return nil, err
			}
		} else if mode == index.Replace {
			return nil, diag.New(diag.NotFound, "no tuple with matching key for REPLACE")
		}
	}

	if old != nil && removed == nil {
		r, err := t.removeEntry(old)
		if err != nil {
			return nil, err
		}
		removed = r
	}

	if newT != nil {
		if err := t.insertEntry(newT); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

func (t *Tree) Min() (*tuple.Tuple, error) {
	if t.head == nil || len(t.head.entries) == 0 {
		return nil, nil
	}
	return t.head.entries[0], nil
}

func (t *Tree) Max() (*tuple.Tuple, error) {
	if t.tail == nil || len(t.tail.entries) == 0 {
		return nil, nil
	}
	return t.tail.entries[len(t.tail.entries)-1], nil
}

func (t *Tree) Random(seed uint32) (*tuple.Tuple, error) {
	if t.n == 0 {
		return nil, nil
	}
	r := rand.New(rand.NewSource(int64(seed)))
	target := r.Intn(int(t.n))
	i := 0
	for p := t.head; p != nil; p = p.next {
		if target < i+len(p.entries) {
			return p.entries[target-i], nil
		}
		i += len(p.entries)
	}
	return nil, nil
}

func (t *Tree) FindByKey(key []interface{}, partCount int) (*tuple.Tuple, error) {
	if !t.kd.IsUnique || partCount != t.kd.PartCount() {
		return nil, diag.New(diag.Unsupported, "FindByKey requires a unique index and full key")
	}
	p, i, err := t.locateByKey(key, partCount)
	if err != nil || p == nil {
		return nil, err
	}
	return p.entries[i], nil
}

func (t *Tree) Iterator(typ index.IterType, key []interface{}, partCount int) (index.Iterator, error) {
	items := make([]*tuple.Tuple, 0, t.n)
	for p := t.head; p != nil; p = p.next {
		items = append(items, p.entries...)
	}
	return index.NewSliceIterator(t.kd, typ, key, partCount, items)
}

func (t *Tree) Build(pk index.Index) error {
	it, err := pk.Iterator(index.IterAll, nil, 0)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		tp, err := it.Next()
		if err != nil {
			return err
		}
		if tp == nil {
			break
		}
		if err := t.insertEntry(tp); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) BeginBuild() error              { return nil }
func (t *Tree) BuildNext(tp *tuple.Tuple) error { return t.insertEntry(tp) }
func (t *Tree) EndBuild() error                 { return nil }

func (t *Tree) Close() error { return t.alloc.Close() }

// DefaultPageSize is used when an index kind factory has no explicit
// tuning (alter-space creating a new tree index, for instance).
const DefaultPageSize = 64 * 1024

func init() {
	index.Register(index.KindTree, func(name string, kd *keydef.KeyDef) (index.Index, error) {
		return New(name, kd, DefaultPageSize)
	})
}
