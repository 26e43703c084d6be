// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package rtree implements the spatial index kind (spec.md §4.2): one
// key part decoding as a 2- or 4-number array (a point or an
// axis-aligned rectangle), EQUALS/OVERLAPS/CONTAINS/BELONGS/NEIGHBOR
// queries. Entries are kept in a flat slice with MBR tests applied at
// query time rather than a balanced MBR tree, which is sufficient for
// an in-memory core of modest size and keeps the query semantics in
// §4.2 exact without node-splitting machinery.
package rtree

import (
	"math"
	"sort"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

// Rect is [xmin, ymin, xmax, ymax]; points are normalised to
// degenerate rectangles (xmin==xmax, ymin==ymax).
type Rect [4]float64

func (r Rect) overlaps(o Rect) bool {
	return r[0] <= o[2] && o[0] <= r[2] && r[1] <= o[3] && o[1] <= r[3]
}

func (r Rect) contains(o Rect) bool {
	return r[0] <= o[0] && r[1] <= o[1] && r[2] >= o[2] && r[3] >= o[3]
}

func (r Rect) equals(o Rect) bool { return r == o }

func (r Rect) center() (float64, float64) {
	return (r[0] + r[2]) / 2, (r[1] + r[3]) / 2
}

func dist(ax, ay, bx, by float64) float64 {
	dx, dy := ax-bx, ay-by
	return math.Sqrt(dx*dx + dy*dy)
}

func decodeRect(v interface{}) (Rect, error) {
	arr, ok := v.([]interface{})
	if !ok || (len(arr) != 2 && len(arr) != 4) {
		return Rect{}, diag.New(diag.InternalError, "rtree key part must decode as a 2- or 4-number array")
	}
	nums := make([]float64, len(arr))
	for i, e := range arr {
		f, ok := toFloat(e)
		if !ok {
			return Rect{}, diag.New(diag.InternalError, "rtree key part contains a non-number")
		}
		nums[i] = f
	}
	if len(nums) == 2 {
		return Rect{nums[0], nums[1], nums[0], nums[1]}, nil
	}
	return Rect{nums[0], nums[1], nums[2], nums[3]}, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

type entry struct {
	t *tuple.Tuple
	r Rect
}

// Index is the R-tree Index.
type Index struct {
	name    string
	kd      *keydef.KeyDef
	fieldNo int
	items   []entry
}

func New(name string, kd *keydef.KeyDef) (*Index, error) {
	if kd.PartCount() != 1 {
		return nil, diag.New(diag.Unsupported, "rtree index requires exactly one key part")
	}
	return &Index{name: name, kd: kd, fieldNo: kd.Parts[0].FieldNo}, nil
}

func (ix *Index) Name() string            { return ix.name }
func (ix *Index) KeyDef() *keydef.KeyDef  { return ix.kd }
func (ix *Index) Size() (uint64, error)   { return uint64(len(ix.items)), nil }

func (ix *Index) rectOf(t *tuple.Tuple) (Rect, error) {
	v, err := t.FieldValue(ix.fieldNo)
	if err != nil {
		return Rect{}, err
	}
	return decodeRect(v)
}

func (ix *Index) Min() (*tuple.Tuple, error) {
	if len(ix.items) == 0 {
		return nil, nil
	}
	return ix.items[0].t, nil
}

func (ix *Index) Max() (*tuple.Tuple, error) {
	if len(ix.items) == 0 {
		return nil, nil
	}
	return ix.items[len(ix.items)-1].t, nil
}

func (ix *Index) Random(seed uint32) (*tuple.Tuple, error) {
	if len(ix.items) == 0 {
		return nil, nil
	}
	return ix.items[int(seed)%len(ix.items)].t, nil
}

func (ix *Index) FindByKey(key []interface{}, partCount int) (*tuple.Tuple, error) {
	if !ix.kd.IsUnique {
		return nil, diag.New(diag.Unsupported, "FindByKey requires a unique rtree index")
	}
	r, err := decodeRect(key[0])
	if err != nil {
		return nil, err
	}
	for _, e := range ix.items {
		if e.r.equals(r) {
			return e.t, nil
		}
	}
	return nil, nil
}

func (ix *Index) indexOf(t *tuple.Tuple) int {
	for i, e := range ix.items {
		if e.t == t {
			return i
		}
	}
	return -1
}

func (ix *Index) Replace(old, newT *tuple.Tuple, mode index.Mode) (*tuple.Tuple, error) {
	var removed *tuple.Tuple
	if old != nil {
		if i := ix.indexOf(old); i >= 0 {
			removed = ix.items[i].t
			ix.items = append(ix.items[:i], ix.items[i+1:]...)
		} else if mode == index.Replace {
			return nil, diag.New(diag.NotFound, "no tuple with matching key for REPLACE")
		}
	}
	if newT != nil {
		r, err := ix.rectOf(newT)
		if err != nil {
			return nil, err
		}
		ix.items = append(ix.items, entry{t: newT, r: r})
	}
	return removed, nil
}

func (ix *Index) Iterator(typ index.IterType, key []interface{}, partCount int) (index.Iterator, error) {
	var probe Rect
	var err error
	if key != nil {
		probe, err = decodeRect(key[0])
		if err != nil {
			return nil, err
		}
	}

	var out []*tuple.Tuple
	switch typ {
	case index.IterAll:
		for _, e := range ix.items {
			out = append(out, e.t)
		}
	case index.IterRectEquals:
		for _, e := range ix.items {
			if e.r.equals(probe) {
				out = append(out, e.t)
			}
		}
	case index.IterOverlaps:
		for _, e := range ix.items {
			if e.r.overlaps(probe) {
				out = append(out, e.t)
			}
		}
	case index.IterContains:
		for _, e := range ix.items {
			if e.r.contains(probe) {
				out = append(out, e.t)
			}
		}
	case index.IterStrictContains:
		for _, e := range ix.items {
			if e.r.contains(probe) && !e.r.equals(probe) {
				out = append(out, e.t)
			}
		}
	case index.IterBelongs:
		for _, e := range ix.items {
			if probe.contains(e.r) {
				out = append(out, e.t)
			}
		}
	case index.IterStrictBelongs:
		for _, e := range ix.items {
			if probe.contains(e.r) && !e.r.equals(probe) {
				out = append(out, e.t)
			}
		}
	case index.IterNeighbor:
		cx, cy := probe.center()
		ordered := make([]entry, len(ix.items))
		copy(ordered, ix.items)
		sort.SliceStable(ordered, func(i, j int) bool {
			ix, iy := ordered[i].r.center()
			jx, jy := ordered[j].r.center()
			return dist(cx, cy, ix, iy) < dist(cx, cy, jx, jy)
		})
		for _, e := range ordered {
			out = append(out, e.t)
		}
	default:
		return nil, diag.Newf(diag.Unsupported, "iterator type %d not supported by rtree", typ)
	}
	return &tupleSliceIterator{items: out}, nil
}

type tupleSliceIterator struct {
	items []*tuple.Tuple
	pos   int
}

func (it *tupleSliceIterator) Next() (*tuple.Tuple, error) {
	if it.pos >= len(it.items) {
		return nil, nil
	}
	t := it.items[it.pos]
	it.pos++
	return t, nil
}
func (it *tupleSliceIterator) Close() {}

func (ix *Index) Build(pk index.Index) error {
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
		if _, err := ix.Replace(nil, tp, index.InsertOrReplace); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) BeginBuild() error { return nil }
func (ix *Index) BuildNext(tp *tuple.Tuple) error {
	_, err := ix.Replace(nil, tp, index.InsertOrReplace)
	return err
}
func (ix *Index) EndBuild() error { return nil }

func init() {
	index.Register(index.KindRTree, func(name string, kd *keydef.KeyDef) (index.Index, error) {
		return New(name, kd)
	})
}
