// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package tuple

import (
	"bytes"
	"fmt"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/vmihailenco/msgpack/v5"
)

// Tuple is an immutable, reference-counted msgpack-encoded record.
// Raw bytes are never mutated after construction; refcount stays >= 1
// while any index or cursor holds it.
type Tuple struct {
	format  *Format
	data    []byte
	offsets []int32 // cached start offset per indexed field_no, -1 if not cached
	refs    int32
}

// New validates raw as a msgpack array whose length equals the
// format's arity and wraps it as a tuple with refcount 1.
func New(format *Format, raw []byte) (*Tuple, error) {
	if len(raw) == 0 {
		return nil, diag.New(diag.InternalError, "empty tuple buffer")
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "tuple is not a msgpack array")
	}
	if n != format.Arity() {
		return nil, diag.Newf(diag.InternalError, "tuple field count %d != format arity %d", n, format.Arity())
	}

	t := &Tuple{format: format, data: raw, refs: 1}
	if len(format.IndexedField) > 0 {
		t.offsets = make([]int32, format.Arity())
		for i := range t.offsets {
			t.offsets[i] = -1
		}
		if err := t.cacheIndexedOffsets(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// cacheIndexedOffsets walks the array once, recording the byte offset
// (within data) of every field_no the format marked as indexed.
func (t *Tuple) cacheIndexedOffsets() error {
	r := bytes.NewReader(t.data)
	dec := msgpack.NewDecoder(r)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return diag.Wrap(diag.InternalError, err, "rescanning tuple array header")
	}
	for i := 0; i < n; i++ {
		pos := int32(len(t.data) - r.Len())
		if t.format.IndexedField[i] {
			t.offsets[i] = pos
		}
		if err := dec.Skip(); err != nil {
			return diag.Wrap(diag.InternalError, err, "skipping tuple field")
		}
	}
	return nil
}

func (t *Tuple) Ref() *Tuple {
	t.refs++
	return t
}

func (t *Tuple) Unref() {
	t.refs--
	if t.refs < 0 {
		panic(diag.New(diag.InternalError, "tuple refcount underflow"))
	}
	if t.refs == 0 {
		t.format.Unref()
	}
}

func (t *Tuple) Refs() int32 { return t.refs }

func (t *Tuple) Format() *Format { return t.format }

func (t *Tuple) Bytes() []byte { return t.data }

func (t *Tuple) String() string {
	vals, err := t.Values()
	if err != nil {
		return fmt.Sprintf("<tuple decode error: %v>", err)
	}
	return fmt.Sprintf("%v", vals)
}

// Values decodes the whole tuple into a []interface{}, one entry per
// field — used by diagnostics and tests, never on a hot path.
func (t *Tuple) Values() ([]interface{}, error) {
	var out []interface{}
	if err := msgpack.Unmarshal(t.data, &out); err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "decoding tuple")
	}
	return out, nil
}

// Field returns the raw msgpack-encoded slice for field_no, using the
// cached offset when available and falling back to a linear scan.
func (t *Tuple) Field(fieldNo int) ([]byte, error) {
	if fieldNo < 0 || fieldNo >= t.format.Arity() {
		return nil, diag.Newf(diag.InternalError, "field_no %d out of range", fieldNo)
	}
	if t.offsets != nil && t.offsets[fieldNo] >= 0 {
		return t.fieldAt(int(t.offsets[fieldNo]))
	}
	return t.scanField(fieldNo)
}

func (t *Tuple) fieldAt(offset int) ([]byte, error) {
	r := bytes.NewReader(t.data[offset:])
	dec := msgpack.NewDecoder(r)
	if err := dec.Skip(); err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "decoding cached field")
	}
	end := offset + (len(t.data[offset:]) - r.Len())
	return t.data[offset:end], nil
}

func (t *Tuple) scanField(fieldNo int) ([]byte, error) {
	r := bytes.NewReader(t.data)
	dec := msgpack.NewDecoder(r)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "rescanning tuple")
	}
	for i := 0; i < n; i++ {
		start := len(t.data) - r.Len()
		if err := dec.Skip(); err != nil {
			return nil, diag.Wrap(diag.InternalError, err, "skipping field")
		}
		end := len(t.data) - r.Len()
		if i == fieldNo {
			return t.data[start:end], nil
		}
	}
	return nil, diag.Newf(diag.InternalError, "field_no %d not present", fieldNo)
}

// FieldValue decodes field_no into a generic Go value (nil/int64/
// uint64/float64/string/bool/[]interface{}/map[string]interface{}).
func (t *Tuple) FieldValue(fieldNo int) (interface{}, error) {
	raw, err := t.Field(fieldNo)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "decoding field value")
	}
	return v, nil
}
