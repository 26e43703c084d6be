// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package tuple implements the msgpack-encoded tuple and its shared
// format descriptor (spec.md §3 Tuple, Tuple format; §4.1).
package tuple

import (
	"github.com/inmemdb/engine/internal/diag"
)

// FieldType is a field's declared scalar/container kind.
type FieldType int

const (
	FieldAny FieldType = iota
	FieldUnsigned
	FieldInteger
	FieldDouble
	FieldNumber
	FieldString
	FieldBoolean
	FieldArray
	FieldMap
	FieldScalar
)

// FieldDef is one entry of a space's field list.
type FieldDef struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Format is the shared, immutable descriptor for every tuple of one
// space: per-field type/nullability plus the set of field numbers that
// are part of some index, so offsets for those fields get cached at
// tuple construction (spec.md: "precomputed per-format offset map").
type Format struct {
	Fields       []FieldDef
	IndexedField map[int]bool

	refs int32
}

func NewFormat(fields []FieldDef) *Format {
	return &Format{Fields: fields, IndexedField: make(map[int]bool), refs: 1}
}

// MarkIndexed records that field_no is referenced by some key def, so
// tuples built from this format will cache its offset eagerly.
func (f *Format) MarkIndexed(fieldNo int) {
	f.IndexedField[fieldNo] = true
}

func (f *Format) Arity() int { return len(f.Fields) }

func (f *Format) Ref() *Format {
	f.refs++
	return f
}

// Unref releases one reference; returns true once refs drop to zero
// (no tuple and no space references remain, per the lifecycle note).
func (f *Format) Unref() bool {
	f.refs--
	if f.refs < 0 {
		panic(diag.New(diag.InternalError, "format refcount underflow"))
	}
	return f.refs == 0
}

func (f *Format) FieldNullable(fieldNo int) bool {
	if fieldNo < 0 || fieldNo >= len(f.Fields) {
		return true
	}
	return f.Fields[fieldNo].Nullable
}
