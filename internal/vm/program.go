// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package vm

import "github.com/inmemdb/engine/internal/mem"

// Op is one jump-indexed bytecode instruction. P4 carries whatever
// operand doesn't fit P1-P3 (a key def, an affinity string, a literal
// value, a sub-Program) — its meaning is opcode-specific, mirroring
// the VDBE's own overloaded P4 union.
type Op struct {
	Opcode Opcode
	P1     int
	P2     int
	P3     int
	P4     interface{}
	P5     uint16
}

// Program is a jump-indexed instruction array plus its static operand
// pool, the unit Init/Gosub/Program address into.
type Program struct {
	Ops     []Op
	NMem    int // register file size this program expects
	NCursor int // cursor slot count
}

// frame is a saved sub-program invocation context (spec.md §4.8 "Sub-
// program frames": "a frame stores the caller's pc, opcode array,
// register array, cursors, and auxiliary-data list; on return, these
// are restored").
type frame struct {
	callerPC      int
	callerProgram *Program
	callerRegs    []mem.Mem
	callerCursors []*Cursor
	aux           []interface{}
}
