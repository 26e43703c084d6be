// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package engine

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/mem"
	"github.com/inmemdb/engine/internal/txn"
	"github.com/inmemdb/engine/internal/vm"
)

// errRowLimitReached is an internal control signal a SELECT's RowSink
// returns once req.Limit rows have been collected, so Run halts the
// scan without a real error reaching the caller.
var errRowLimitReached = diag.New(diag.InternalError, "engine: row limit reached")

func decodeValues(raw []byte) ([]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var vals []interface{}
	if err := msgpack.Unmarshal(raw, &vals); err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "decoding request tuple/key")
	}
	return vals, nil
}

func bindValues(v *vm.VM, start int, vals []interface{}) {
	for i, val := range vals {
		vm.BindValue(&v.Regs[start+i], val)
	}
}

// Execute runs req against tx (spec.md §6): the only entry point
// external callers use, translating the op-type into a short literal
// Program and collecting whatever rows it yields.
func (e *Engine) Execute(tx *txn.Txn, req *Request) ([][]byte, error) {
	switch req.Op {
	case OpInsert:
		return e.executeStore(tx, req, vm.OpSInsert)
	case OpReplace:
		return e.executeStore(tx, req, vm.OpSReplace)
	case OpDelete:
		return e.executeDelete(tx, req)
	case OpUpdate:
		return e.executeUpdate(tx, req, false)
	case OpUpsert:
		return e.executeUpdate(tx, req, true)
	case OpSelect:
		return e.executeSelect(tx, req)
	case OpCall:
		return nil, diag.New(diag.Unsupported, "CALL: stored procedures not implemented")
	default:
		return nil, diag.Newf(diag.InternalError, "unknown request op-type %d", req.Op)
	}
}

func (e *Engine) runProgram(tx *txn.Txn, p *vm.Program, bind func(v *vm.VM)) error {
	v := vm.New(p, tx, e.Cache)
	v.Catalog = e
	if e.Metrics != nil {
		v.OnOpcode = e.Metrics.OpcodeRecorder()
	}
	if bind != nil {
		bind(v)
	}
	return v.Run()
}

// executeStore backs INSERT/REPLACE: decode req.Tuple, assemble it
// into a record register, land it on every index of the space via the
// space-level mutation opcode (SInsert for INSERT, SReplace for
// REPLACE/the UPSERT-absent case).
func (e *Engine) executeStore(tx *txn.Txn, req *Request, op vm.Opcode) ([][]byte, error) {
	sp, err := e.spaceForExecute(req, tx)
	if err != nil {
		return nil, err
	}
	vals, err := decodeValues(req.Tuple)
	if err != nil {
		return nil, err
	}
	recordReg := len(vals) + 1
	p := &vm.Program{NMem: recordReg + 1, Ops: []vm.Op{
		{Opcode: vm.OpMakeRecord, P1: 1, P2: len(vals), P3: recordReg},
		{Opcode: op, P1: int(sp.Def.ID), P2: recordReg, P5: uint16(vm.ActionAbort)},
		{Opcode: vm.OpHalt},
	}}
	err = e.runProgram(tx, p, func(v *vm.VM) { bindValues(v, 1, vals) })
	return nil, err
}

// executeDelete backs DELETE: probe the primary (or named secondary)
// index for req.Key and, if present, remove the row across every
// index via the cursor-level Delete opcode (space.Replace underneath).
func (e *Engine) executeDelete(tx *txn.Txn, req *Request) ([][]byte, error) {
	sp, err := e.spaceForExecute(req, tx)
	if err != nil {
		return nil, err
	}
	keyVals, err := decodeValues(req.Key)
	if err != nil {
		return nil, err
	}
	p := &vm.Program{NMem: len(keyVals) + 1, NCursor: 1, Ops: []vm.Op{
		{Opcode: vm.OpOpenWrite, P1: 0, P2: req.IndexID, P4: sp},
		{Opcode: vm.OpNotFound, P1: 0, P2: 3, P3: 1, P4: len(keyVals)},
		{Opcode: vm.OpDelete, P1: 0},
		{Opcode: vm.OpHalt},
	}}
	err = e.runProgram(tx, p, func(v *vm.VM) { bindValues(v, 1, keyVals) })
	return nil, err
}

// executeUpdate backs UPDATE and, when upsert is true, UPSERT: look
// the row up by key directly (index.FindByKey, spec.md §4.2 — a plain
// Go call rather than an opcode dance, the way a single known lookup
// doesn't need a cursor), apply req.UpdateOps to its decoded values,
// and land the new tuple with SReplace. UPSERT additionally falls back
// to inserting req.Tuple verbatim when no row matches the key.
func (e *Engine) executeUpdate(tx *txn.Txn, req *Request, upsert bool) ([][]byte, error) {
	sp, err := e.spaceForExecute(req, tx)
	if err != nil {
		return nil, err
	}
	ix := sp.IndexByID(req.IndexID)
	if ix == nil {
		return nil, diag.Newf(diag.NotFound, "space %s has no index %d", sp.Def.Name, req.IndexID)
	}
	keyVals, err := decodeValues(req.Key)
	if err != nil {
		return nil, err
	}
	old, err := ix.FindByKey(keyVals, len(keyVals))
	if err != nil {
		return nil, err
	}
	if old == nil {
		if !upsert {
			return nil, diag.Newf(diag.NotFound, "no tuple for the given key in space %s", sp.Def.Name)
		}
		return e.executeStore(tx, req, vm.OpSReplace)
	}
	oldVals, err := old.Values()
	if err != nil {
		return nil, err
	}
	newVals, err := applyUpdateOps(oldVals, req.UpdateOps)
	if err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(newVals)
	if err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "re-encoding updated tuple")
	}
	p := &vm.Program{NMem: 2, Ops: []vm.Op{
		{Opcode: vm.OpSReplace, P1: int(sp.Def.ID), P2: 1, P5: uint16(vm.ActionAbort)},
		{Opcode: vm.OpHalt},
	}}
	err = e.runProgram(tx, p, func(v *vm.VM) { vm.BindRecord(&v.Regs[1], raw) })
	return nil, err
}

// executeSelect backs SELECT: open a read cursor on req.IndexID and
// scan it (an exact FindByKey probe for IterEQ, an open-ended seek
// loop for everything else), yielding each row through RowSink as a
// re-assembled msgpack record, trimmed to [Offset, Offset+Limit).
func (e *Engine) executeSelect(tx *txn.Txn, req *Request) ([][]byte, error) {
	sp, err := e.spaceForExecute(req, tx)
	if err != nil {
		return nil, err
	}
	keyVals, err := decodeValues(req.Key)
	if err != nil {
		return nil, err
	}
	arity := sp.Format.Arity()
	regBase := len(keyVals) + 1
	recordReg := regBase + arity

	columnOps := func() []vm.Op {
		ops := make([]vm.Op, arity)
		for i := 0; i < arity; i++ {
			ops[i] = vm.Op{Opcode: vm.OpColumn, P1: 0, P2: i, P3: regBase + i, P4: -1}
		}
		return ops
	}

	var ops []vm.Op
	ops = append(ops, vm.Op{Opcode: vm.OpOpenRead, P1: 0, P2: req.IndexID, P4: sp})

	if len(keyVals) > 0 && req.Iterator == index.IterEQ {
		// single-row exact probe: no scan loop needed.
		haltIdx := 2 + arity + 2
		ops = append(ops, vm.Op{Opcode: vm.OpNotFound, P1: 0, P2: haltIdx, P3: 1, P4: len(keyVals)})
		ops = append(ops, columnOps()...)
		ops = append(ops, vm.Op{Opcode: vm.OpMakeRecord, P1: regBase, P2: arity, P3: recordReg})
		ops = append(ops, vm.Op{Opcode: vm.OpResultRow, P1: recordReg, P2: 1})
		ops = append(ops, vm.Op{Opcode: vm.OpHalt})
	} else {
		seekOp := seekOpcode(req.Iterator)
		seekIdx := len(ops)
		if len(keyVals) == 0 || seekOp == vm.OpRewind {
			ops = append(ops, vm.Op{Opcode: vm.OpRewind, P1: 0})
		} else {
			ops = append(ops, vm.Op{Opcode: seekOp, P1: 0, P3: 1, P4: len(keyVals)})
		}
		loopStart := len(ops)
		ops = append(ops, columnOps()...)
		ops = append(ops, vm.Op{Opcode: vm.OpMakeRecord, P1: regBase, P2: arity, P3: recordReg})
		ops = append(ops, vm.Op{Opcode: vm.OpResultRow, P1: recordReg, P2: 1})
		ops = append(ops, vm.Op{Opcode: vm.OpNext, P1: 0, P2: loopStart})
		haltIdx := len(ops)
		ops = append(ops, vm.Op{Opcode: vm.OpHalt})
		ops[seekIdx].P2 = haltIdx
	}

	p := &vm.Program{NMem: recordReg + 1, NCursor: 1, Ops: ops}

	var rows [][]byte
	seen, collected := 0, 0
	err = e.runProgram(tx, p, func(v *vm.VM) {
		bindValues(v, 1, keyVals)
		v.RowSink = func(row []mem.Mem) error {
			seen++
			if seen <= req.Offset {
				return nil
			}
			rows = append(rows, append([]byte(nil), row[0].Bytes()...))
			collected++
			if req.Limit > 0 && collected >= req.Limit {
				return errRowLimitReached
			}
			return nil
		}
	})
	if err == errRowLimitReached {
		err = nil
	}
	return rows, err
}

func seekOpcode(typ index.IterType) vm.Opcode {
	switch typ {
	case index.IterGE:
		return vm.OpSeekGE
	case index.IterGT:
		return vm.OpSeekGT
	case index.IterLE:
		return vm.OpSeekLE
	case index.IterLT:
		return vm.OpSeekLT
	default:
		return vm.OpRewind
	}
}
