// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package vm implements the register-based bytecode interpreter
// (spec.md §4.8): an array of Mem registers, a growable cursor set, a
// jump-indexed opcode array and an inline frame stack for sub-program
// invocation. Single-threaded cooperative: it runs until a yield point
// (ResultRow, a progress-callback threshold, Halt) and never parks on
// I/O from inside an opcode (spec.md §5).
package vm

import (
	"math"
	"math/big"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"golang.org/x/time/rate"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/mem"
	"github.com/inmemdb/engine/internal/txn"
)

// ErrorAction is a DML opcode's conflict-resolution action (spec.md
// §4.8 error model). Only the actions that have observable effect at
// this layer are modeled; ABORT/FAIL otherwise just propagate the
// error to the caller, which rolls back the current statement savepoint
// via the triggers already installed on internal/txn.Txn.
type ErrorAction int

const (
	ActionAbort ErrorAction = iota
	ActionFail
	ActionIgnore
	ActionReplace
	ActionRollback
)

// Catalog is the schema-maintenance surface the introspection opcode
// group (ParseSchema2/3, RenameTable, DropTable/Index/Trigger,
// LoadAnalysis, IncMaxid, NextSequenceId, NextIdEphemeral,
// NextAutoincValue) delegates to. internal/engine owns the concrete
// implementation; a VM run against a nil Catalog treats every op in
// this group as a no-op, which is only correct for programs that never
// emit them (e.g. a pure DML program).
type Catalog interface {
	RenameTable(oldName, newName string) error
	DropTable(spaceID uint64) error
	DropIndex(spaceID uint64, iid int) error
	DropTrigger(name string) error
	ParseSchema(source string, strict bool) error
	LoadAnalysis() error
	IncMaxid() (uint64, error)
	NextSequenceId(seqID uint64) (int64, error)
	NextIdEphemeral(cur int) (int64, error)
	NextAutoincValue(spaceID uint64) (int64, error)
}

// VM is one interpreter instance over one Program.
type VM struct {
	Program *Program
	Regs    []mem.Mem
	Cursors []*Cursor

	Tx      *txn.Txn
	Cache   *cache.Cache
	Catalog Catalog

	// RowSink receives each ResultRow yield; returning an error halts
	// the VM (spec.md §5 "the VM yields only at ResultRow").
	RowSink func(row []mem.Mem) error

	// OnProgress is invoked every ProgressEvery dispatched opcodes,
	// throttled by Limiter (spec.md §4.8 "progress-callback thresholds").
	// A non-nil error return is treated as Interrupt.
	OnProgress    func() error
	ProgressEvery int64
	Limiter       *rate.Limiter

	// IsInterrupted backs the interrupt flag, polled at dispatch entry
	// once every ProgressEvery opcodes (spec.md §5
	// "jump_to_p2_and_check_for_interrupt").
	IsInterrupted func() bool

	// OnOpcode, when set, is called after every dispatched opcode with
	// its code and the wall time dispatch took, letting a caller
	// maintain opcode-dispatch counters (internal/metrics) without this
	// package importing it.
	OnOpcode func(op Opcode, nanos int64)

	Tracer opentracing.Tracer

	pc       int
	frames   []*frame
	lastCmp  int
	permute  []int
	cacheGen int64
	onceSeen map[int]bool
	agg      map[int]*aggState

	fkImmediate int
	fkDeferred  int

	steps     int64
	span      opentracing.Span
	haltedNow bool
}

// New builds a VM ready to execute p starting at pc 0 (the Init
// opcode, by convention, performs per-run setup and jumps past itself).
func New(p *Program, tx *txn.Txn, c *cache.Cache) *VM {
	n := p.NMem
	if n < len(p.Ops) {
		n = len(p.Ops)
	}
	return &VM{
		Program:       p,
		Regs:          make([]mem.Mem, n+1),
		Cursors:       make([]*Cursor, p.NCursor),
		Tx:            tx,
		Cache:         c,
		ProgressEvery: 1000,
		onceSeen:      make(map[int]bool),
		agg:           make(map[int]*aggState),
	}
}

func (v *VM) reg(i int) *mem.Mem {
	if i < 0 || i >= len(v.Regs) {
		panic(diag.Newf(diag.InternalError, "register %d out of range", i))
	}
	return &v.Regs[i]
}

func (v *VM) cursor(i int) *Cursor {
	if i < 0 || i >= len(v.Cursors) {
		panic(diag.Newf(diag.InternalError, "cursor %d out of range", i))
	}
	if v.Cursors[i] == nil {
		v.Cursors[i] = newCursor()
	}
	return v.Cursors[i]
}

// Run dispatches until Halt, an unrecovered error, or pc running past
// the end of the current program (inside a sub-program frame or not).
func (v *VM) Run() error {
	if v.Tracer != nil {
		v.span = v.Tracer.StartSpan("vm.Run")
		defer v.span.Finish()
	}
	for {
		halted, err := v.step()
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
}

func (v *VM) checkYield() error {
	v.steps++
	if v.ProgressEvery <= 0 || v.steps%v.ProgressEvery != 0 {
		return nil
	}
	if v.IsInterrupted != nil && v.IsInterrupted() {
		return diag.New(diag.Interrupt, "vm: interrupted")
	}
	if v.OnProgress == nil {
		return nil
	}
	if v.Limiter != nil && !v.Limiter.Allow() {
		return nil
	}
	if err := v.OnProgress(); err != nil {
		return diag.Wrap(diag.Interrupt, err, "vm: progress callback")
	}
	return nil
}

// step executes exactly one opcode. It returns halted=true once a Halt
// opcode (or running off the end of the program) is reached.
func (v *VM) step() (halted bool, err error) {
	if err := v.checkYield(); err != nil {
		return false, err
	}
	if v.pc < 0 || v.pc >= len(v.Program.Ops) {
		return true, nil
	}
	op := v.Program.Ops[v.pc]
	v.haltedNow = false
	start := time.Now()
	jumped, err := v.dispatch(op)
	if v.OnOpcode != nil {
		v.OnOpcode(op.Opcode, time.Since(start).Nanoseconds())
	}
	if err != nil {
		return false, err
	}
	if v.haltedNow {
		return true, nil
	}
	if !jumped {
		v.pc++
	}
	return false, nil
}

// dispatch executes op against the current frame; returns jumped=true
// if it already repositioned v.pc itself (a taken branch, Goto, Return,
// a sub-program call, ...).
func (v *VM) dispatch(op Op) (jumped bool, err error) {
	switch op.Opcode {

	// --- Control flow ---
	case OpNoop:
		return false, nil
	case OpInit:
		v.pc = op.P2
		return true, nil
	case OpGoto:
		v.pc = op.P2
		return true, nil
	case OpHalt:
		if len(v.frames) > 0 {
			v.popFrame()
			return true, nil
		}
		v.haltedNow = true
		return false, nil
	case OpHaltIfNull:
		if v.reg(op.P3).IsNull() {
			v.haltedNow = true
		}
		return false, nil
	case OpOnce:
		if v.onceSeen[op.P1] {
			v.pc = op.P2
			return true, nil
		}
		v.onceSeen[op.P1] = true
		return false, nil
	case OpIf:
		if truthy(v.reg(op.P1)) {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpIfNot:
		if !truthy(v.reg(op.P1)) {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpIsNull:
		if v.reg(op.P1).IsNull() {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpNotNull:
		if !v.reg(op.P1).IsNull() {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpIfPos:
		n, _, i, _, nerr := readNumeric(v.reg(op.P1))
		if nerr == nil && !n && i > 0 {
			if op.P3 != 0 {
				mem.SetInt64(v.reg(op.P1), i-int64(op.P3))
			}
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpIfNotZero:
		n, _, i, _, nerr := readNumeric(v.reg(op.P1))
		if nerr == nil && !n && i != 0 {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpDecrJumpZero:
		r := v.reg(op.P1)
		_, _, i, _, _ := readNumeric(r)
		i--
		mem.SetInt64(r, i)
		if i <= 0 {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpJump:
		switch {
		case v.lastCmp < 0:
			v.pc = op.P1
		case v.lastCmp == 0:
			v.pc = op.P2
		default:
			v.pc = op.P3
		}
		return true, nil

	// --- Coroutines ---
	case OpInitCoroutine:
		mem.SetInt64(v.reg(op.P1), int64(op.P3))
		v.pc = op.P2
		return true, nil
	case OpYield:
		r := v.reg(op.P1)
		target := r.Int64()
		if target == 0 {
			v.pc = op.P2
			return true, nil
		}
		mem.SetInt64(r, int64(v.pc+1))
		v.pc = int(target)
		return true, nil
	case OpEndCoroutine:
		r := v.reg(op.P1)
		caller := r.Int64()
		mem.SetInt64(r, 0)
		v.pc = int(caller)
		return true, nil
	case OpGosub:
		mem.SetInt64(v.reg(op.P1), int64(v.pc+1))
		v.pc = op.P2
		return true, nil
	case OpReturn:
		v.pc = int(v.reg(op.P1).Int64())
		return true, nil

	// --- Sub-program frames ---
	case OpProgram:
		return v.opProgram(op)
	case OpParam:
		dst := v.reg(op.P2)
		if len(v.frames) == 0 {
			return false, diag.New(diag.InternalError, "Param outside a sub-program frame")
		}
		src := &v.frames[len(v.frames)-1].callerRegs[op.P1]
		mem.Copy(dst, src)
		return false, nil

	// --- Data movement ---
	case OpInteger:
		mem.SetInt64(v.reg(op.P2), int64(op.P1))
		return false, nil
	case OpBool:
		mem.SetBool(v.reg(op.P2), op.P1 != 0)
		return false, nil
	case OpInt64:
		mem.SetInt64(v.reg(op.P2), op.P4.(int64))
		return false, nil
	case OpReal:
		mem.SetDouble(v.reg(op.P2), op.P4.(float64))
		return false, nil
	case OpString8, OpString:
		mem.SetStringOwned(v.reg(op.P2), op.P4.(string))
		return false, nil
	case OpBlob:
		mem.SetBinaryOwned(v.reg(op.P2), op.P4.([]byte))
		return false, nil
	case OpLoadPtr:
		mem.SetPointer(v.reg(op.P2), op.P4)
		return false, nil
	case OpNull:
		mem.SetNull(v.reg(op.P2))
		if op.P3 > op.P2 {
			for i := op.P2 + 1; i <= op.P3; i++ {
				mem.SetNull(v.reg(i))
			}
		}
		return false, nil
	case OpSoftNull:
		mem.SetNull(v.reg(op.P1))
		return false, nil
	case OpVariable:
		mem.Copy(v.reg(op.P2), v.reg(op.P1))
		return false, nil
	case OpMove:
		mem.Move(v.reg(op.P2), v.reg(op.P1))
		return false, nil
	case OpCopy:
		mem.Copy(v.reg(op.P2), v.reg(op.P1))
		return false, nil
	case OpSCopy:
		mem.SCopy(v.reg(op.P2), v.reg(op.P1))
		return false, nil
	case OpIntCopy:
		n, _, i, _, _ := readNumeric(v.reg(op.P1))
		if n {
			mem.SetNull(v.reg(op.P2))
		} else {
			mem.SetInt64(v.reg(op.P2), i)
		}
		return false, nil
	case OpCast:
		return false, mem.Cast(v.reg(op.P1), mem.Type(op.P2))

	// --- Arithmetic & logic ---
	case OpAdd, OpSubtract, OpMultiply, OpDivide, OpRemainder, OpBitAnd, OpBitOr, OpShiftLeft, OpShiftRight:
		return false, v.binArith(op)
	case OpAnd:
		logicAnd(v.reg(op.P3), v.reg(op.P1), v.reg(op.P2))
		return false, nil
	case OpOr:
		logicOr(v.reg(op.P3), v.reg(op.P1), v.reg(op.P2))
		return false, nil
	case OpNot:
		r := v.reg(op.P1)
		dst := v.reg(op.P2)
		if r.IsNull() {
			mem.SetNull(dst)
		} else {
			mem.SetBool(dst, !truthy(r))
		}
		return false, nil
	case OpBitNot:
		r := v.reg(op.P1)
		dst := v.reg(op.P2)
		n, _, i, _, _ := readNumeric(r)
		if n {
			mem.SetNull(dst)
		} else {
			mem.SetInt64(dst, ^i)
		}
		return false, nil
	case OpAddImm:
		r := v.reg(op.P1)
		_, _, i, _, _ := readNumeric(r)
		mem.SetInt64(r, i+int64(op.P2))
		return false, nil
	case OpMustBeInt:
		if err := mem.MustBeInt(v.reg(op.P1)); err != nil {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpRealAffinity:
		mem.RealAffinity(v.reg(op.P1))
		return false, nil

	// --- Comparison ---
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return v.compareBranch(op)
	case OpElseNotEq:
		if v.lastCmp != 0 {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpCompare:
		return false, v.opCompare(op)
	case OpPermutation:
		v.permute = op.P4.([]int)
		return false, nil
	case OpAffinity:
		return false, v.opAffinity(op)

	// --- Record assembly / disassembly ---
	case OpMakeRecord:
		return false, v.opMakeRecord(op)
	case OpColumn:
		return false, v.opColumn(op)

	// --- Cursor ---
	case OpOpenRead, OpOpenWrite, OpReopenIdx:
		return false, v.opOpenCursor(op)
	case OpOpenTEphemeral:
		return false, v.opOpenEphemeral(op)
	case OpOpenPseudo:
		v.cursor(op.P1).openPseudo(v.reg(op.P2))
		return false, nil
	case OpSorterOpen:
		spec := op.P4.(*EphemeralSpec)
		v.cursor(op.P1).openSorter(spec.KeyDef, spec.Format)
		return false, nil
	case OpClose:
		if c := v.Cursors[op.P1]; c != nil {
			c.close()
		}
		return false, nil
	case OpSIDtoPtr:
		sp := v.Cache.ByID(uint64(op.P1))
		mem.SetPointer(v.reg(op.P2), sp)
		return false, nil

	// --- Navigation ---
	case OpRewind:
		return v.opRewind(op, false)
	case OpLast:
		return v.opRewind(op, true)
	case OpNext:
		return v.opNext(op)
	case OpPrev:
		return v.opNext(op) // direction is a property of the iterator the cursor was seeked with
	case OpNextIfOpen:
		if v.Cursors[op.P1] == nil || !v.Cursors[op.P1].isOpen {
			return false, nil
		}
		return v.opNext(op)
	case OpPrevIfOpen:
		if v.Cursors[op.P1] == nil || !v.Cursors[op.P1].isOpen {
			return false, nil
		}
		return v.opNext(op)
	case OpSorterSort:
		v.cursor(op.P1).sorterSort()
		return false, nil
	case OpSorterNext:
		c := v.cursor(op.P1)
		c.sorterNext(v.bumpGen())
		if c.eof() {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpSequenceTest:
		c := v.cursor(op.P1)
		if c.eof() {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	case OpSeekGE:
		return v.opSeekCmp(op, index.IterGE)
	case OpSeekGT:
		return v.opSeekCmp(op, index.IterGT)
	case OpSeekLE:
		return v.opSeekCmp(op, index.IterLE)
	case OpSeekLT:
		return v.opSeekCmp(op, index.IterLT)
	case OpNoConflict:
		return v.opProbe(op, true, true)
	case OpNotFound:
		return v.opProbe(op, false, true)
	case OpFound:
		return v.opProbe(op, false, false)

	// --- Mutation ---
	case OpDelete:
		return false, v.opDelete(op)
	case OpIdxInsert:
		return false, v.opIdxInsert(op, index.Insert)
	case OpIdxReplace:
		return false, v.opIdxInsert(op, index.InsertOrReplace)
	case OpSorterInsert:
		c := v.cursor(op.P1)
		t, err := v.tupleFromRecord(op.P2, c.recordFormat())
		if err != nil {
			return false, err
		}
		c.sorterInsert(t)
		return false, nil
	case OpIdxDelete:
		return false, v.opIdxDelete(op)
	case OpSInsert:
		return false, v.opSInsert(op)
	case OpSReplace:
		return false, v.opSReplace(op)
	case OpSDelete:
		return false, v.opSDelete(op)
	case OpClear:
		return false, v.opClear(op)

	// --- Transaction / savepoint ---
	case OpTransactionBegin, OpTTransaction:
		return false, nil // transaction object already exists by the time a Program runs against it
	case OpTransactionCommit:
		return false, v.Tx.Commit()
	case OpTransactionRollback:
		return false, v.Tx.Rollback()
	case OpSavepoint:
		return false, v.opSavepoint(op)

	// --- Foreign-key counters ---
	case OpFkCounter:
		if op.P1 == 0 {
			v.fkImmediate += op.P2
		} else {
			v.fkDeferred += op.P2
		}
		return false, nil
	case OpFkIfZero:
		n := v.fkImmediate
		if op.P1 != 0 {
			n = v.fkDeferred
		}
		if n == 0 {
			v.pc = op.P2
			return true, nil
		}
		return false, nil

	// --- Aggregates ---
	case OpAggStep0, OpAggStep:
		return false, v.opAggStep(op)
	case OpAggFinal:
		return false, v.opAggFinal(op)

	// --- Introspection / schema maintenance ---
	case OpParseSchema2, OpParseSchema3:
		if v.Catalog == nil {
			return false, nil
		}
		return false, v.Catalog.ParseSchema(op.P4.(string), op.Opcode == OpParseSchema3)
	case OpRenameTable:
		if v.Catalog == nil {
			return false, nil
		}
		names := op.P4.([2]string)
		return false, v.Catalog.RenameTable(names[0], names[1])
	case OpDropTable:
		if v.Catalog == nil {
			return false, nil
		}
		return false, v.Catalog.DropTable(uint64(op.P1))
	case OpDropIndex:
		if v.Catalog == nil {
			return false, nil
		}
		return false, v.Catalog.DropIndex(uint64(op.P1), op.P2)
	case OpDropTrigger:
		if v.Catalog == nil {
			return false, nil
		}
		return false, v.Catalog.DropTrigger(op.P4.(string))
	case OpLoadAnalysis:
		if v.Catalog == nil {
			return false, nil
		}
		return false, v.Catalog.LoadAnalysis()
	case OpIncMaxid:
		if v.Catalog == nil {
			return false, nil
		}
		id, err := v.Catalog.IncMaxid()
		if err != nil {
			return false, err
		}
		mem.SetUint64(v.reg(op.P1), id)
		return false, nil
	case OpNextSequenceId:
		if v.Catalog == nil {
			return false, nil
		}
		next, err := v.Catalog.NextSequenceId(uint64(op.P1))
		if err != nil {
			return false, err
		}
		mem.SetInt64(v.reg(op.P2), next)
		return false, nil
	case OpNextIdEphemeral:
		if v.Catalog == nil {
			return false, nil
		}
		next, err := v.Catalog.NextIdEphemeral(op.P1)
		if err != nil {
			return false, err
		}
		mem.SetInt64(v.reg(op.P2), next)
		return false, nil
	case OpNextAutoincValue:
		if v.Catalog == nil {
			return false, nil
		}
		next, err := v.Catalog.NextAutoincValue(uint64(op.P1))
		if err != nil {
			return false, err
		}
		mem.SetInt64(v.reg(op.P2), next)
		return false, nil

	// --- Yield point ---
	case OpResultRow:
		if v.RowSink == nil {
			return false, nil
		}
		row := make([]mem.Mem, op.P2)
		copy(row, v.Regs[op.P1:op.P1+op.P2])
		return false, v.RowSink(row)

	default:
		return false, diag.Newf(diag.Unsupported, "opcode %d not implemented", op.Opcode)
	}
}

func (v *VM) bumpGen() int64 {
	v.cacheGen++
	return v.cacheGen
}

func truthy(m *mem.Mem) bool {
	switch m.Type() {
	case mem.TypeNull:
		return false
	case mem.TypeBool:
		return m.Bool()
	default:
		n, isInt, i, f, err := readNumeric(m)
		if err != nil || n {
			return false
		}
		if isInt {
			return i != 0
		}
		return f != 0
	}
}

func logicAnd(dst, a, b *mem.Mem) {
	af, an := tristate(a)
	bf, bn := tristate(b)
	if af == false && !an || bf == false && !bn {
		mem.SetBool(dst, false)
		return
	}
	if an || bn {
		mem.SetNull(dst)
		return
	}
	mem.SetBool(dst, true)
}

func logicOr(dst, a, b *mem.Mem) {
	af, an := tristate(a)
	bf, bn := tristate(b)
	if af == true && !an || bf == true && !bn {
		mem.SetBool(dst, true)
		return
	}
	if an || bn {
		mem.SetNull(dst)
		return
	}
	mem.SetBool(dst, false)
}

// tristate reads a register as a three-valued boolean: (value, isNull).
func tristate(m *mem.Mem) (bool, bool) {
	if m.IsNull() {
		return false, true
	}
	return truthy(m), false
}

// readNumeric reads m as a number, distinguishing an integral
// representation (Int64/Uint64/Bool) from a floating one (Double), so
// callers can try integer arithmetic first (spec.md §4.8: "Integer
// arithmetic first; on overflow, fall back to floating point").
func readNumeric(m *mem.Mem) (isNull, isInt bool, i int64, f float64, err error) {
	switch m.Type() {
	case mem.TypeNull:
		return true, false, 0, 0, nil
	case mem.TypeInt64:
		return false, true, m.Int64(), float64(m.Int64()), nil
	case mem.TypeUint64:
		return false, true, int64(m.Uint64()), float64(m.Uint64()), nil
	case mem.TypeDouble:
		return false, false, 0, m.Double(), nil
	case mem.TypeBool:
		var iv int64
		if m.Bool() {
			iv = 1
		}
		return false, true, iv, float64(iv), nil
	default:
		return false, false, 0, 0, diag.Newf(diag.Mismatch, "non-numeric register in arithmetic")
	}
}

func addOverflows(a, b int64) bool {
	c := a + b
	return ((a ^ c) & (b ^ c)) < 0
}

func subOverflows(a, b int64) bool {
	c := a - b
	return ((a ^ b) & (a ^ c)) < 0
}

func mulOverflows(a, b int64) (int64, bool) {
	prod := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	if !prod.IsInt64() {
		return 0, true
	}
	return prod.Int64(), false
}

// binArith implements Add/Subtract/Multiply/Divide/Remainder/BitAnd/
// BitOr/ShiftLeft/ShiftRight (spec.md §4.8 Arithmetic & logic): P1 op
// P2 into P3. Any null operand yields a null result; division and
// remainder by zero yield null rather than erroring.
func (v *VM) binArith(op Op) error {
	a := v.reg(op.P1)
	b := v.reg(op.P2)
	dst := v.reg(op.P3)

	an, aIsInt, ai, af, aerr := readNumeric(a)
	if aerr != nil {
		return aerr
	}
	bn, bIsInt, bi, bf, berr := readNumeric(b)
	if berr != nil {
		return berr
	}
	if an || bn {
		mem.SetNull(dst)
		return nil
	}

	switch op.Opcode {
	case OpAdd:
		if aIsInt && bIsInt && !addOverflows(ai, bi) {
			mem.SetInt64(dst, ai+bi)
			return nil
		}
		mem.SetDouble(dst, af+bf)
	case OpSubtract:
		if aIsInt && bIsInt && !subOverflows(ai, bi) {
			mem.SetInt64(dst, ai-bi)
			return nil
		}
		mem.SetDouble(dst, af-bf)
	case OpMultiply:
		if aIsInt && bIsInt {
			if p, overflow := mulOverflows(ai, bi); !overflow {
				mem.SetInt64(dst, p)
				return nil
			}
		}
		mem.SetDouble(dst, af*bf)
	case OpDivide:
		if aIsInt && bIsInt {
			if bi == 0 {
				mem.SetNull(dst)
				return nil
			}
			if ai%bi == 0 {
				mem.SetInt64(dst, ai/bi)
				return nil
			}
			mem.SetDouble(dst, af/bf)
			return nil
		}
		if bf == 0 {
			mem.SetNull(dst)
			return nil
		}
		q := af / bf
		if math.IsInf(q, 0) || math.IsNaN(q) {
			mem.SetNull(dst)
			return nil
		}
		mem.SetDouble(dst, q)
	case OpRemainder:
		if aIsInt && bIsInt {
			if bi == 0 {
				mem.SetNull(dst)
				return nil
			}
			mem.SetInt64(dst, ai%bi)
			return nil
		}
		if bf == 0 {
			mem.SetNull(dst)
			return nil
		}
		mem.SetDouble(dst, math.Mod(af, bf))
	case OpBitAnd:
		mem.SetInt64(dst, ai&bi)
	case OpBitOr:
		mem.SetInt64(dst, ai|bi)
	case OpShiftLeft:
		mem.SetInt64(dst, ai<<uint(bi&63))
	case OpShiftRight:
		mem.SetInt64(dst, ai>>uint(bi&63))
	}
	return nil
}

