// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package index

import (
	"sort"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

// SliceIterator is shared iterator machinery over a slice of tuples
// that NewSliceIterator orders itself, used by the tree and AVL index
// kinds (spec.md §9:
// "shared code lives in free functions parameterised by the trait").
type SliceIterator struct {
	items []*tuple.Tuple
	pos   int
}

// NewSliceIterator orders items by kd and filters/positions them per
// typ/key/partCount, implementing the EQ/REQ/GT/GE/LT/LE contract.
func NewSliceIterator(kd *keydef.KeyDef, typ IterType, key []interface{}, partCount int, items []*tuple.Tuple) (*SliceIterator, error) {
	sorted := make([]*tuple.Tuple, len(items))
	copy(sorted, items)
	var sortErr error
	sort.SliceStable(sorted, func(i, j int) bool {
		c, err := kd.Compare(sorted[i], sorted[j])
		if err != nil {
			sortErr = err
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}

	if typ == IterAll {
		return &SliceIterator{items: sorted}, nil
	}

	cmp := func(t *tuple.Tuple) (int, error) {
		return kd.CompareWithKey(t, key, partCount)
	}

	var out []*tuple.Tuple
	switch typ {
	case IterEQ:
		for _, t := range sorted {
			c, err := cmp(t)
			if err != nil {
				return nil, err
			}
			if c == 0 {
				out = append(out, t)
			}
		}
	case IterREQ:
		for i := len(sorted) - 1; i >= 0; i-- {
			c, err := cmp(sorted[i])
			if err != nil {
				return nil, err
			}
			if c == 0 {
				out = append(out, sorted[i])
			}
		}
	case IterGT, IterGE:
		for _, t := range sorted {
			c, err := cmp(t)
			if err != nil {
				return nil, err
			}
			if c > 0 || (typ == IterGE && c == 0) {
				out = append(out, t)
			}
		}
	case IterLT, IterLE:
		for i := len(sorted) - 1; i >= 0; i-- {
			c, err := cmp(sorted[i])
			if err != nil {
				return nil, err
			}
			if c < 0 || (typ == IterLE && c == 0) {
				out = append(out, sorted[i])
			}
		}
	default:
		return nil, diag.Newf(diag.Unsupported, "iterator type %d not supported by this index kind", typ)
	}
	return &SliceIterator{items: out}, nil
}

func (it *SliceIterator) Next() (*tuple.Tuple, error) {
	if it.pos >= len(it.items) {
		return nil, nil
	}
	t := it.items[it.pos]
	it.pos++
	return t, nil
}

func (it *SliceIterator) Close() {}
