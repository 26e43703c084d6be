// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package vm

import (
	"testing"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	_ "github.com/inmemdb/engine/internal/index/avl"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/mem"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestSpace(t *testing.T, id uint64, name string, fields []tuple.FieldDef, pkFieldNo int) *space.Space {
	t.Helper()
	f := tuple.NewFormat(fields)
	f.MarkIndexed(pkFieldNo)
	kd := keydef.New([]keydef.Part{{FieldNo: pkFieldNo, Type: fields[pkFieldNo].Type}}, true)
	pk, err := index.New(index.KindAVL, "primary", kd)
	require.NoError(t, err)
	sp, err := space.New(space.Def{ID: id, Name: name, Arity: len(fields)}, f, []index.Index{pk})
	require.NoError(t, err)
	return sp
}

func runProgram(t *testing.T, p *Program) *VM {
	t.Helper()
	tx := txn.New(1)
	v := New(p, tx, cache.New(nil))
	require.NoError(t, v.Run())
	return v
}

func TestGotoAndHalt(t *testing.T) {
	p := &Program{NMem: 1, Ops: []Op{
		{Opcode: OpGoto, P2: 2},
		{Opcode: OpInteger, P1: 99, P2: 1}, // skipped
		{Opcode: OpInteger, P1: 7, P2: 1},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.Equal(t, int64(7), v.Regs[1].Int64())
}

func TestHaltIfNull(t *testing.T) {
	p := &Program{NMem: 1, Ops: []Op{
		{Opcode: OpNull, P2: 1},
		{Opcode: OpHaltIfNull, P3: 1},
		{Opcode: OpInteger, P1: 1, P2: 2}, // unreachable
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.True(t, v.Regs[2].IsNull())
}

func TestCoroutineYieldRoundTrip(t *testing.T) {
	// reg 0: coroutine pc-swap slot.
	p := &Program{NMem: 3, Ops: []Op{
		{Opcode: OpInitCoroutine, P1: 0, P2: 1, P3: 4}, // 0: reg0 = 4 (entry), jump to 1
		{Opcode: OpYield, P1: 0, P2: 3},                // 1: first resume, enters the coroutine body at 4
		{Opcode: OpInteger, P1: 1, P2: 1},              // 2: mainline continues here after the coroutine yields back
		{Opcode: OpHalt},                                // 3
		{Opcode: OpInteger, P1: 42, P2: 2},             // 4: coroutine body
		{Opcode: OpYield, P1: 0, P2: 3},                // 5: yield back to mainline (pc 2)
		{Opcode: OpEndCoroutine, P1: 0},                // 6: (unreached in this round trip)
	}}
	v := runProgram(t, p)
	require.Equal(t, int64(1), v.Regs[1].Int64())
	require.Equal(t, int64(42), v.Regs[2].Int64())
}

func TestGosubReturn(t *testing.T) {
	p := &Program{NMem: 2, Ops: []Op{
		{Opcode: OpGosub, P1: 0, P2: 3},
		{Opcode: OpInteger, P1: 1, P2: 1},
		{Opcode: OpHalt},
		{Opcode: OpInteger, P1: 5, P2: 2}, // subroutine
		{Opcode: OpReturn, P1: 0},
	}}
	v := runProgram(t, p)
	require.Equal(t, int64(1), v.Regs[1].Int64())
	require.Equal(t, int64(5), v.Regs[2].Int64())
}

func TestProgramSubFrameIsolatesRegisters(t *testing.T) {
	sub := &Program{NMem: 2, Ops: []Op{
		{Opcode: OpInteger, P1: 123, P2: 1},
		{Opcode: OpHalt},
	}}
	p := &Program{NMem: 2, Ops: []Op{
		{Opcode: OpInteger, P1: 1, P2: 1},
		{Opcode: OpProgram, P1: 0, P2: -1, P4: sub},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.Equal(t, int64(1), v.Regs[1].Int64())
}

func TestArithmeticIntOverflowFallsBackToFloat(t *testing.T) {
	p := &Program{NMem: 3, Ops: []Op{
		{Opcode: OpInt64, P2: 1, P4: int64(1) << 62},
		{Opcode: OpInt64, P2: 2, P4: int64(1) << 62},
		{Opcode: OpAdd, P1: 1, P2: 2, P3: 0},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.Equal(t, mem.TypeDouble, v.Regs[0].Type())
}

func TestArithmeticNullOperandYieldsNull(t *testing.T) {
	p := &Program{NMem: 3, Ops: []Op{
		{Opcode: OpNull, P2: 1},
		{Opcode: OpInteger, P1: 5, P2: 2},
		{Opcode: OpAdd, P1: 1, P2: 2, P3: 0},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.True(t, v.Regs[0].IsNull())
}

func TestDivideByZeroYieldsNull(t *testing.T) {
	p := &Program{NMem: 3, Ops: []Op{
		{Opcode: OpInteger, P1: 10, P2: 1},
		{Opcode: OpInteger, P1: 0, P2: 2},
		{Opcode: OpDivide, P1: 1, P2: 2, P3: 0},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.True(t, v.Regs[0].IsNull())
}

func TestCompareBranchEqJumps(t *testing.T) {
	p := &Program{NMem: 2, Ops: []Op{
		{Opcode: OpInteger, P1: 7, P2: 1},
		{Opcode: OpInteger, P1: 7, P2: 2},
		{Opcode: OpEq, P1: 1, P2: 4, P3: 2},
		{Opcode: OpInteger, P1: 0, P2: 0}, // skipped if equal
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.True(t, v.Regs[0].IsNull())
}

func TestCompareNullEqFlag(t *testing.T) {
	p := &Program{NMem: 2, Ops: []Op{
		{Opcode: OpNull, P2: 1},
		{Opcode: OpNull, P2: 2},
		{Opcode: OpEq, P1: 1, P2: 0, P3: 2, P5: FlagStoreP2 | FlagNullEq},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.True(t, v.Regs[0].Bool())
}

func TestMakeRecordRoundTripsFields(t *testing.T) {
	fields := []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}
	format := tuple.NewFormat(fields)

	p := &Program{NMem: 4, NCursor: 1, Ops: []Op{
		{Opcode: OpInt64, P2: 1, P4: int64(10)},
		{Opcode: OpString, P2: 2, P4: "alice"},
		{Opcode: OpMakeRecord, P1: 1, P2: 2, P3: 3},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.Equal(t, mem.TypeMsgpackBlob, v.Regs[3].Type())

	tp, err := v.tupleFromRecord(3, format)
	require.NoError(t, err)
	val, err := tp.FieldValue(1)
	require.NoError(t, err)
	require.Equal(t, "alice", val)
}

func TestCursorIdxInsert(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)

	p := &Program{NMem: 4, NCursor: 1, Ops: []Op{
		{Opcode: OpOpenWrite, P1: 0, P2: 0, P4: sp},
		{Opcode: OpInt64, P2: 1, P4: int64(10)},
		{Opcode: OpString, P2: 2, P4: "alice"},
		{Opcode: OpMakeRecord, P1: 1, P2: 2, P3: 3},
		{Opcode: OpIdxInsert, P1: 0, P2: 3},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	_ = v
}

func TestIdxInsertDuplicateIgnoreAction(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)

	insertOne := func() Op {
		return Op{Opcode: OpIdxInsert, P1: 0, P2: 1, P5: uint16(ActionIgnore)}
	}
	p := &Program{NMem: 3, NCursor: 1, Ops: []Op{
		{Opcode: OpOpenWrite, P1: 0, P2: 0, P4: sp},
		{Opcode: OpInt64, P2: 2, P4: int64(1)},
		{Opcode: OpMakeRecord, P1: 2, P2: 1, P3: 1},
		insertOne(),
		insertOne(),
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	_ = v
}

func TestSReplaceOverwritesExisting(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
		{Name: "name", Type: tuple.FieldString},
	}, 0)
	c := cache.New(nil)
	require.NoError(t, c.Replace(nil, sp))

	runOn := func(p *Program) error {
		tx := txn.New(1)
		v := New(p, tx, c)
		return v.Run()
	}

	insertOp := func(name string, opcode Opcode) *Program {
		return &Program{NMem: 3, Ops: []Op{
			{Opcode: OpInt64, P2: 1, P4: int64(7)},
			{Opcode: OpString, P2: 2, P4: name},
			{Opcode: OpMakeRecord, P1: 1, P2: 2, P3: 1},
			{Opcode: opcode, P1: int(sp.Def.ID), P2: 1},
			{Opcode: OpHalt},
		}}
	}

	require.NoError(t, runOn(insertOp("alice", OpSInsert)))

	// a second SInsert of the same key must fail with a duplicate-key error ...
	err := runOn(insertOp("bob", OpSInsert))
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.DuplicateKey))

	// ... while SReplace overwrites it cleanly.
	require.NoError(t, runOn(insertOp("bob", OpSReplace)))

	n, err := sp.Primary().Size()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	row, err := sp.Primary().Min()
	require.NoError(t, err)
	val, err := row.FieldValue(1)
	require.NoError(t, err)
	require.Equal(t, "bob", val)
}

func TestFoundNotFoundProbe(t *testing.T) {
	sp := newTestSpace(t, 1, "widgets", []tuple.FieldDef{
		{Name: "id", Type: tuple.FieldUnsigned},
	}, 0)
	row, err := tuple.New(sp.Format, mustMarshal(t, []interface{}{uint64(5)}))
	require.NoError(t, err)
	_, err = sp.Replace(nil, row, index.Insert)
	require.NoError(t, err)

	p := &Program{NMem: 2, NCursor: 1, Ops: []Op{
		{Opcode: OpOpenRead, P1: 0, P2: 0, P4: sp},
		{Opcode: OpInt64, P2: 1, P4: int64(5)},
		{Opcode: OpNotFound, P1: 0, P2: 5, P3: 1, P4: 1},
		{Opcode: OpInteger, P1: 1, P2: 0}, // found path
		{Opcode: OpHalt},
		{Opcode: OpInteger, P1: 0, P2: 0}, // not-found path
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.Equal(t, int64(1), v.Regs[0].Int64())
}

func TestAggregateSum(t *testing.T) {
	p := &Program{NMem: 4, Ops: []Op{
		{Opcode: OpInt64, P2: 1, P4: int64(3)},
		{Opcode: OpAggStep0, P1: 0, P2: 1, P3: 1, P4: "sum"},
		{Opcode: OpInt64, P2: 1, P4: int64(4)},
		{Opcode: OpAggStep, P1: 0, P2: 1, P3: 1, P4: "sum"},
		{Opcode: OpAggFinal, P1: 0, P2: 2, P4: "sum"},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.Equal(t, int64(7), v.Regs[2].Int64())
}

func TestAggregateCountOfZeroRowsIsNullSum(t *testing.T) {
	p := &Program{NMem: 2, Ops: []Op{
		{Opcode: OpAggFinal, P1: 0, P2: 1, P4: "sum"},
		{Opcode: OpHalt},
	}}
	v := runProgram(t, p)
	require.True(t, v.Regs[1].IsNull())
}

func TestSavepointRollback(t *testing.T) {
	tx := txn.New(1)
	tx.SavepointBegin("sp1")
	s := tx.NewStatement()
	undone := false
	s.AddOnRollback(func(*txn.Txn) error { undone = true; return nil })

	p := &Program{Ops: []Op{
		{Opcode: OpSavepoint, P1: int(SavepointRollback), P4: "sp1"},
		{Opcode: OpHalt},
	}}
	v := New(p, tx, cache.New(nil))
	require.NoError(t, v.Run())
	require.True(t, undone)
}

func TestInterruptStopsRun(t *testing.T) {
	p := &Program{NMem: 1, Ops: []Op{
		{Opcode: OpInteger, P1: 1, P2: 0},
		{Opcode: OpHalt},
	}}
	tx := txn.New(1)
	v := New(p, tx, cache.New(nil))
	v.ProgressEvery = 1
	v.IsInterrupted = func() bool { return true }
	err := v.Run()
	require.Error(t, err)
	require.True(t, diag.Is(err, diag.Interrupt))
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return raw
}
