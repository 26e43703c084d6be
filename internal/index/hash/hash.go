// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package hash implements the hash index kind named in spec.md §1's
// index-type-polymorphic interface list but not detailed in §4.2 — an
// unordered unique/non-unique map keyed by the extracted key bytes, for
// O(1) point lookups with no ordering guarantee (so it only supports
// EQ/ALL iteration, not range scans).
package hash

import (
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

type Index struct {
	name    string
	kd      *keydef.KeyDef
	buckets map[string][]*tuple.Tuple
	n       uint64
}

func New(name string, kd *keydef.KeyDef) *Index {
	return &Index{name: name, kd: kd, buckets: make(map[string][]*tuple.Tuple)}
}

func (ix *Index) Name() string           { return ix.name }
func (ix *Index) KeyDef() *keydef.KeyDef { return ix.kd }
func (ix *Index) Size() (uint64, error)  { return ix.n, nil }

func (ix *Index) keyOf(t *tuple.Tuple) (string, error) {
	enc, err := ix.kd.ExtractKey(t, -1)
	if err != nil {
		return "", err
	}
	if len(enc) != 1 {
		return "", diag.New(diag.Unsupported, "hash index does not support multikey")
	}
	return string(enc[0]), nil
}

func (ix *Index) Min() (*tuple.Tuple, error) { return ix.any() }
func (ix *Index) Max() (*tuple.Tuple, error) { return ix.any() }

func (ix *Index) any() (*tuple.Tuple, error) {
	for _, bucket := range ix.buckets {
		if len(bucket) > 0 {
			return bucket[0], nil
		}
	}
	return nil, nil
}

func (ix *Index) Random(seed uint32) (*tuple.Tuple, error) {
	i := uint32(0)
	for _, bucket := range ix.buckets {
		for _, t := range bucket {
			if i == seed%uint32max(ix.n) {
				return t, nil
			}
			i++
		}
	}
	return nil, nil
}

func uint32max(n uint64) uint32 {
	if n == 0 {
		return 1
	}
	return uint32(n)
}

func (ix *Index) FindByKey(key []interface{}, partCount int) (*tuple.Tuple, error) {
	if !ix.kd.IsUnique || partCount != ix.kd.PartCount() {
		return nil, diag.New(diag.Unsupported, "FindByKey requires a unique index and full key")
	}
	enc, err := encodeProbeKey(ix.kd, key, partCount)
	if err != nil {
		return nil, err
	}
	bucket := ix.buckets[enc]
	if len(bucket) == 0 {
		return nil, nil
	}
	return bucket[0], nil
}

// encodeProbeKey re-derives the same byte encoding ExtractKey would
// produce, but from a probe key vector instead of a tuple.
func encodeProbeKey(kd *keydef.KeyDef, key []interface{}, partCount int) (string, error) {
	enc, err := kd.ExtractKeyFromValues(key[:partCount])
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func (ix *Index) Replace(old, newT *tuple.Tuple, mode index.Mode) (*tuple.Tuple, error) {
	var removed *tuple.Tuple
	if old != nil {
		k, err := ix.keyOf(old)
		if err != nil {
			return nil, err
		}
		removed = ix.removeFromBucket(k, old)
	}

	if ix.kd.IsUnique && newT != nil {
		k, err := ix.keyOf(newT)
		if err != nil {
			return nil, err
		}
		if bucket := ix.buckets[k]; len(bucket) > 0 {
			dup := bucket[0]
			sameAsOld := old != nil && dup == old
			if mode == index.Insert && !sameAsOld {
				return nil, diag.DuplicateKeyErr(ix.name, dup, newT)
			}
			if removed == nil {
				removed = dup
			}
			ix.buckets[k] = nil
			ix.n--
		} else if mode == index.Replace {
			return nil, diag.New(diag.NotFound, "no tuple with matching key for REPLACE")
		}
	}

	if newT != nil {
		k, err := ix.keyOf(newT)
		if err != nil {
			return nil, err
		}
		ix.buckets[k] = append(ix.buckets[k], newT)
		ix.n++
	}
	return removed, nil
}

func (ix *Index) removeFromBucket(k string, t *tuple.Tuple) *tuple.Tuple {
	bucket := ix.buckets[k]
	for i, e := range bucket {
		if e == t {
			ix.buckets[k] = append(bucket[:i], bucket[i+1:]...)
			ix.n--
			return e
		}
	}
	return nil
}

func (ix *Index) Iterator(typ index.IterType, key []interface{}, partCount int) (index.Iterator, error) {
	var out []*tuple.Tuple
	switch typ {
	case index.IterAll:
		for _, bucket := range ix.buckets {
			out = append(out, bucket...)
		}
	case index.IterEQ:
		k, err := encodeProbeKey(ix.kd, key, partCount)
		if err != nil {
			return nil, err
		}
		out = append(out, ix.buckets[k]...)
	default:
		return nil, diag.New(diag.Unsupported, "hash index only supports ALL and EQ iteration")
	}
	return &sliceIter{items: out}, nil
}

type sliceIter struct {
	items []*tuple.Tuple
	pos   int
}

func (it *sliceIter) Next() (*tuple.Tuple, error) {
	if it.pos >= len(it.items) {
		return nil, nil
	}
	t := it.items[it.pos]
	it.pos++
	return t, nil
}
func (it *sliceIter) Close() {}

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
	index.Register(index.KindHash, func(name string, kd *keydef.KeyDef) (index.Index, error) {
		return New(name, kd), nil
	})
}
