// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package keydef implements key defs and tuple/key comparison (spec.md
// §3 Key def, §4.1). Numeric parts compare as float64 values;
// byte-comparable key extraction is backed by collatejson; string
// comparison honours a part's collation via golang.org/x/text/collate.
package keydef

import (
	"bytes"
	"math"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/prataprc/collatejson"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

type SortOrder int

const (
	Asc SortOrder = iota
	Desc
)

// Collation names a string comparison rule; "" means byte-wise (unicode
// codepoint) comparison, anything else is a BCP-47 language tag used to
// build an x/text/collate.Collator lazily and cache it.
type Collation string

// Part is one component of a key def.
type Part struct {
	FieldNo   int
	Type      tuple.FieldType
	Collation Collation
	SortOrder SortOrder
	// Multikey marks the (at most one) part whose field is an array
	// and whose elements each contribute one index entry.
	Multikey bool
}

// KeyDef is an ordered list of parts plus uniqueness/multikey flags.
type KeyDef struct {
	Parts      []Part
	IsUnique   bool
	IsMultikey bool

	collators map[Collation]*collate.Collator
}

func New(parts []Part, isUnique bool) *KeyDef {
	if len(parts) == 0 {
		panic(diag.New(diag.InternalError, "key def part_count = 0 is forbidden for any active index"))
	}
	kd := &KeyDef{Parts: parts, IsUnique: isUnique, collators: make(map[Collation]*collate.Collator)}
	for _, p := range parts {
		if p.Multikey {
			kd.IsMultikey = true
		}
	}
	return kd
}

func (kd *KeyDef) PartCount() int { return len(kd.Parts) }

// Equal reports structural equality of two key defs (spec.md §3: "two
// key defs compare equal iff all parts compare equal").
func (kd *KeyDef) Equal(other *KeyDef) bool {
	if other == nil || len(kd.Parts) != len(other.Parts) || kd.IsUnique != other.IsUnique || kd.IsMultikey != other.IsMultikey {
		return false
	}
	for i, p := range kd.Parts {
		o := other.Parts[i]
		if p.FieldNo != o.FieldNo || p.Type != o.Type || p.Collation != o.Collation || p.SortOrder != o.SortOrder || p.Multikey != o.Multikey {
			return false
		}
	}
	return true
}

func (kd *KeyDef) collatorFor(c Collation) *collate.Collator {
	if c == "" {
		return nil
	}
	if col, ok := kd.collators[c]; ok {
		return col
	}
	tag, err := language.Parse(string(c))
	if err != nil {
		tag = language.Und
	}
	col := collate.New(tag)
	kd.collators[c] = col
	return col
}

// multikeyPartIdx returns the index into Parts of the multikey part,
// or -1 if this key def is not multikey.
func (kd *KeyDef) multikeyPartIdx() int {
	for i, p := range kd.Parts {
		if p.Multikey {
			return i
		}
	}
	return -1
}

// compareScalar orders two decoded msgpack scalars per part rules:
// numeric types cross-compare by numeric value (see compareNumeric),
// strings compare byte-wise (Compare/CompareWithKey then apply the
// part's collation), and a nil value sorts before any non-nil one.
func compareScalar(a, b interface{}, p Part) (int, error) {
	if a == nil && b == nil {
		return 0, nil
	}
	if a == nil {
		return -1, nil
	}
	if b == nil {
		return 1, nil
	}
	switch p.Type {
	case tuple.FieldString:
		as, aok := a.(string)
		bs, bok := b.(string)
		if !aok || !bok {
			return 0, diag.New(diag.InternalError, "non-string value in string key part")
		}
		return compareStrings(as, bs, p), nil
	case tuple.FieldBoolean:
		ab, _ := a.(bool)
		bb, _ := b.(bool)
		switch {
		case ab == bb:
			return 0, nil
		case !ab:
			return -1, nil
		default:
			return 1, nil
		}
	default:
		return compareNumeric(a, b)
	}
}

func compareStrings(a, b string, p Part) int {
	// collation comparisons are applied by the caller's collator if set.
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

// compareNumeric cross-compares unsigned/integer/double values by
// converting both to float64 (toFloat); a NaN on either side is an
// error.
func compareNumeric(a, b interface{}) (int, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, diag.New(diag.InternalError, "non-numeric value in numeric key part")
	}
	switch {
	case math.IsNaN(af) || math.IsNaN(bf):
		return 0, diag.New(diag.InternalError, "NaN in key comparison")
	case af < bf:
		return -1, nil
	case af > bf:
		return 1, nil
	default:
		return 0, nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func applySortOrder(cmp int, order SortOrder) int {
	if order == Desc {
		return -cmp
	}
	return cmp
}

// Compare orders two tuples by this key def's parts (spec.md §4.1).
func (kd *KeyDef) Compare(a, b *tuple.Tuple) (int, error) {
	for _, p := range kd.Parts {
		av, err := a.FieldValue(p.FieldNo)
		if err != nil {
			return 0, err
		}
		bv, err := b.FieldValue(p.FieldNo)
		if err != nil {
			return 0, err
		}
		c, err := compareScalar(av, bv, p)
		if err != nil {
			return 0, err
		}
		if col := kd.collatorFor(p.Collation); col != nil && p.Type == tuple.FieldString {
			as, _ := av.(string)
			bs, _ := bv.(string)
			c = col.CompareString(as, bs)
		}
		if c != 0 {
			return applySortOrder(c, p.SortOrder), nil
		}
	}
	return 0, nil
}

// CompareWithKey compares t's key parts against a decoded key vector,
// using only the first partCount parts (spec.md §4.1).
func (kd *KeyDef) CompareWithKey(t *tuple.Tuple, key []interface{}, partCount int) (int, error) {
	if partCount > len(kd.Parts) || partCount > len(key) {
		return 0, diag.New(diag.InternalError, "part_count exceeds key def or key length")
	}
	for i := 0; i < partCount; i++ {
		p := kd.Parts[i]
		tv, err := t.FieldValue(p.FieldNo)
		if err != nil {
			return 0, err
		}
		c, err := compareScalar(tv, key[i], p)
		if err != nil {
			return 0, err
		}
		if col := kd.collatorFor(p.Collation); col != nil && p.Type == tuple.FieldString {
			as, _ := tv.(string)
			bs, _ := key[i].(string)
			c = col.CompareString(as, bs)
		}
		if c != 0 {
			return applySortOrder(c, p.SortOrder), nil
		}
	}
	return 0, nil
}

// ExtractKey produces the msgpack-encoded key vector(s) for t.
// For a non-multikey key def, it returns exactly one entry.
// For a multikey key def with multikeyIdx == -1, it returns one entry
// per element yielded by the multikey part's array field; with
// multikeyIdx >= 0 it returns that specific element only.
func (kd *KeyDef) ExtractKey(t *tuple.Tuple, multikeyIdx int) ([][]byte, error) {
	mkPart := kd.multikeyPartIdx()
	if mkPart < 0 {
		vals := make([]interface{}, len(kd.Parts))
		for i, p := range kd.Parts {
			v, err := t.FieldValue(p.FieldNo)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		enc, err := encodeKey(vals)
		if err != nil {
			return nil, err
		}
		return [][]byte{enc}, nil
	}

	arr, err := t.FieldValue(kd.Parts[mkPart].FieldNo)
	if err != nil {
		return nil, err
	}
	elems, ok := arr.([]interface{})
	if !ok {
		return nil, diag.New(diag.InternalError, "multikey field is not an array")
	}

	build := func(elem interface{}) ([]byte, error) {
		vals := make([]interface{}, len(kd.Parts))
		for i, p := range kd.Parts {
			if i == mkPart {
				vals[i] = elem
				continue
			}
			v, err := t.FieldValue(p.FieldNo)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return encodeKey(vals)
	}

	if multikeyIdx >= 0 {
		if multikeyIdx >= len(elems) {
			return nil, diag.Newf(diag.InternalError, "multikey_idx %d out of range", multikeyIdx)
		}
		enc, err := build(elems[multikeyIdx])
		if err != nil {
			return nil, err
		}
		return [][]byte{enc}, nil
	}

	out := make([][]byte, 0, len(elems))
	for _, e := range elems {
		enc, err := build(e)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// ExtractKeyFromValues encodes an already-decoded probe key vector the
// same way ExtractKey encodes a tuple's parts, so hash-index lookups
// can match on probe keys without round-tripping through a tuple.
func (kd *KeyDef) ExtractKeyFromValues(vals []interface{}) ([]byte, error) {
	return encodeKey(vals)
}

// encodeKey produces a byte-comparable encoding of a value vector
// using collatejson, so that raw key bytes can be ordered with
// bytes.Compare wherever a caller needs that (tree page comparators,
// write-set ordering in the online index builder).
func encodeKey(vals []interface{}) ([]byte, error) {
	codec := collatejson.NewCodec(64)
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		jb, err := jsonScalar(v)
		if err != nil {
			return nil, err
		}
		enc := make([]byte, 0, len(jb)*3)
		enc, err = codec.Encode(jb, enc)
		if err != nil {
			return nil, diag.Wrap(diag.InternalError, err, "collatejson encode")
		}
		buf.Write(enc)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func jsonScalar(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if x {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case string:
		return quoteJSONString(x), nil
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil, diag.New(diag.InternalError, "unsupported scalar for key encoding")
		}
		return []byte(formatFloat(f)), nil
	}
}

func quoteJSONString(s string) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(s)+2))
	buf.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteRune(r)
	}
	buf.WriteByte('"')
	return buf.Bytes()
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return intToString(int64(f))
	}
	return floatToString(f)
}
