// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package mem implements the VM's tagged value cell, Mem (spec.md §3,
// §9). A drop helper is called from every overwrite site instead of
// relying on automatic cleanup, mirroring the need to let shallow
// copies of pointers survive a Move.
package mem

import "fmt"

type Type int

const (
	TypeNull Type = iota
	TypeInt64
	TypeUint64
	TypeDouble
	TypeBool
	TypeString
	TypeBinary
	TypeMsgpackBlob
	TypePointer
	TypeFrame
	TypeAggContext
	TypeCursorRow
)

type Flag uint8

const (
	FlagOwnsMemory Flag = 1 << iota
	FlagEphemeral
	FlagStatic
	FlagZeroBlob
	FlagSubtypeMsgpack
	FlagNullCleared
)

// Mem is one VM register.
type Mem struct {
	typ   Type
	flags Flag

	i   int64
	u   uint64
	f   float64
	b   bool
	buf []byte   // owned, ephemeral, or static backing for String/Binary/MsgpackBlob
	ptr interface{}
}

func (m *Mem) Type() Type   { return m.typ }
func (m *Mem) Flags() Flag  { return m.flags }
func (m *Mem) IsNull() bool { return m.typ == TypeNull }

func (m *Mem) HasFlag(f Flag) bool { return m.flags&f != 0 }

// drop clears any owned/ephemeral backing before the cell is
// overwritten, the explicit helper the design notes call for instead
// of a destructor.
func (m *Mem) drop() {
	if m.typ == TypeString || m.typ == TypeBinary || m.typ == TypeMsgpackBlob {
		m.buf = nil
	}
	m.ptr = nil
}

func (m *Mem) setFlags(owning bool, f Flag) {
	m.flags = f
	if owning {
		m.flags |= FlagOwnsMemory
	}
	m.checkInvariant()
}

// checkInvariant enforces "at most one memory-owning flag is set"; the
// buffer length is not checked here.
func (m *Mem) checkInvariant() {
	owning := 0
	for _, f := range []Flag{FlagOwnsMemory, FlagEphemeral, FlagStatic} {
		if m.flags&f != 0 {
			owning++
		}
	}
	if owning > 1 {
		panic(fmt.Sprintf("mem: more than one memory-owning flag set: %v", m.flags))
	}
}

func SetNull(m *Mem) {
	m.drop()
	*m = Mem{typ: TypeNull, flags: FlagNullCleared}
}

func SetInt64(m *Mem, v int64) {
	m.drop()
	*m = Mem{typ: TypeInt64, i: v}
}

func SetUint64(m *Mem, v uint64) {
	m.drop()
	*m = Mem{typ: TypeUint64, u: v}
}

func SetDouble(m *Mem, v float64) {
	m.drop()
	*m = Mem{typ: TypeDouble, f: v}
}

func SetBool(m *Mem, v bool) {
	m.drop()
	*m = Mem{typ: TypeBool, b: v}
}

// SetStringOwned copies s into an owned backing buffer.
func SetStringOwned(m *Mem, s string) {
	m.drop()
	owned := make([]byte, len(s))
	copy(owned, s)
	m.typ, m.buf = TypeString, owned
	m.setFlags(true, 0)
}

// SetStringStatic points at buf without copying; buf must outlive m.
func SetStringStatic(m *Mem, buf []byte) {
	m.drop()
	m.typ, m.buf = TypeString, buf
	m.setFlags(false, FlagStatic)
}

// SetStringEphemeral points at buf, which must not outlive the memory
// it references (e.g. a tuple field slice valid only while the tuple
// is pinned).
func SetStringEphemeral(m *Mem, buf []byte) {
	m.drop()
	m.typ, m.buf = TypeString, buf
	m.setFlags(false, FlagEphemeral)
}

func SetBinaryOwned(m *Mem, buf []byte) {
	m.drop()
	owned := make([]byte, len(buf))
	copy(owned, buf)
	m.typ, m.buf = TypeBinary, owned
	m.setFlags(true, 0)
}

func SetBinaryEphemeral(m *Mem, buf []byte) {
	m.drop()
	m.typ, m.buf = TypeBinary, buf
	m.setFlags(false, FlagEphemeral)
}

func SetMsgpackBlob(m *Mem, buf []byte, owned bool) {
	m.drop()
	m.typ = TypeMsgpackBlob
	m.flags = FlagSubtypeMsgpack
	if owned {
		b := make([]byte, len(buf))
		copy(b, buf)
		m.buf = b
		m.flags |= FlagOwnsMemory
	} else {
		m.buf = buf
		m.flags |= FlagEphemeral
	}
}

func SetPointer(m *Mem, p interface{}) {
	m.drop()
	*m = Mem{typ: TypePointer, ptr: p}
}

func SetFrame(m *Mem, frame interface{}) {
	m.drop()
	*m = Mem{typ: TypeFrame, ptr: frame}
}

func SetAggContext(m *Mem, ctx interface{}) {
	m.drop()
	*m = Mem{typ: TypeAggContext, ptr: ctx}
}

func SetCursorRow(m *Mem, row interface{}) {
	m.drop()
	*m = Mem{typ: TypeCursorRow, ptr: row}
}

func (m *Mem) Int64() int64     { return m.i }
func (m *Mem) Uint64() uint64   { return m.u }
func (m *Mem) Double() float64  { return m.f }
func (m *Mem) Bool() bool       { return m.b }
func (m *Mem) Bytes() []byte    { return m.buf }
func (m *Mem) String() string   { return string(m.buf) }
func (m *Mem) Pointer() interface{} { return m.ptr }

// Copy deep-copies src into dst (VM opcode Copy): any referenced
// buffer is always duplicated into an owned buffer, even if src was
// ephemeral or static.
func Copy(dst, src *Mem) {
	dst.drop()
	*dst = *src
	if src.typ == TypeString || src.typ == TypeBinary || src.typ == TypeMsgpackBlob {
		owned := make([]byte, len(src.buf))
		copy(owned, src.buf)
		dst.buf = owned
		dst.flags = (src.flags &^ (FlagEphemeral | FlagStatic)) | FlagOwnsMemory
	}
}

// SCopy shallow-copies src into dst (VM opcode SCopy): the backing
// buffer pointer is shared, so dst must not outlive whatever src's
// flags promise about its lifetime. This is the "preserve shallow-copy
// pointers across a Move" case the design notes call out.
func SCopy(dst, src *Mem) {
	dst.drop()
	*dst = *src
}

// Move transfers src's contents to dst and resets src to Null,
// preserving any shallow pointer rather than duplicating it.
func Move(dst, src *Mem) {
	dst.drop()
	*dst = *src
	*src = Mem{typ: TypeNull, flags: FlagNullCleared}
}
