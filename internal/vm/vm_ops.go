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
	"bytes"
	"strings"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/mem"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/vmihailenco/msgpack/v5"
)

// Comparison opcode P5 flags (spec.md §4.8 Comparison).
const (
	FlagJumpIfNull uint16 = 1 << iota
	FlagStoreP2
	FlagNullEq
	FlagUsePermute
)

// EphemeralSpec is the P4 operand of OpenTEphemeral/SorterOpen: the key
// def to order by plus the record format rows built for that cursor
// must validate against.
type EphemeralSpec struct {
	KeyDef *keydef.KeyDef
	Format *tuple.Format
}

// aggState is one running accumulator, keyed by the P1 slot an
// AggStep0/AggStep/AggFinal triple shares (spec.md §4.8 Aggregates).
// Only the handful of functions a VM program is expected to reference
// directly are modeled; anything else should be driven by opcodes this
// package doesn't yet implement, not by extending this switch forever.
type aggState struct {
	fn         string
	count      int64
	sumIsInt   bool
	sumInt     int64
	sum        float64
	min        *mem.Mem
	seenMinMax bool
}

// --- sub-program frames ---

func (v *VM) opProgram(op Op) (bool, error) {
	sub, ok := op.P4.(*Program)
	if !ok {
		return false, diag.New(diag.InternalError, "Program op requires a *Program P4")
	}
	fr := &frame{callerPC: v.pc + 1, callerProgram: v.Program, callerRegs: v.Regs, callerCursors: v.Cursors}
	v.frames = append(v.frames, fr)
	if op.P2 >= 0 {
		mem.SetFrame(v.reg(op.P2), fr)
	}
	nmem := sub.NMem
	if nmem < len(sub.Ops) {
		nmem = len(sub.Ops)
	}
	v.Regs = make([]mem.Mem, nmem+1)
	v.Cursors = make([]*Cursor, sub.NCursor)
	v.Program = sub
	v.pc = 0
	return true, nil
}

// popFrame restores the caller's register file, cursor set, opcode
// array and pc (spec.md §4.8: "on return, these are restored").
func (v *VM) popFrame() {
	n := len(v.frames)
	fr := v.frames[n-1]
	v.frames = v.frames[:n-1]
	v.Program = fr.callerProgram
	v.Regs = fr.callerRegs
	v.Cursors = fr.callerCursors
	v.pc = fr.callerPC
}

// --- comparison ---

// memCompare orders two registers. Either side Null makes the result
// Null (reported via isNull); same-family numeric registers compare by
// value, strings/blobs byte-wise, anything left mixed falls back to a
// fixed type-rank order — by the time Eq/Ne/Lt/... run, an Affinity
// opcode is expected to have already normalised both sides onto one
// type family for any comparison that needs cross-type sense.
func memCompare(a, b *mem.Mem) (cmp int, isNull bool, err error) {
	if a.IsNull() || b.IsNull() {
		return 0, true, nil
	}
	at, bt := a.Type(), b.Type()
	if isNumericType(at) && isNumericType(bt) {
		_, _, _, af, aerr := readNumeric(a)
		_, _, _, bf, berr := readNumeric(b)
		if aerr != nil {
			return 0, false, aerr
		}
		if berr != nil {
			return 0, false, berr
		}
		switch {
		case af < bf:
			return -1, false, nil
		case af > bf:
			return 1, false, nil
		default:
			return 0, false, nil
		}
	}
	if at == mem.TypeString && bt == mem.TypeString {
		return strings.Compare(a.String(), b.String()), false, nil
	}
	if at == mem.TypeBinary && bt == mem.TypeBinary {
		return bytes.Compare(a.Bytes(), b.Bytes()), false, nil
	}
	ra, rb := typeRank(at), typeRank(bt)
	switch {
	case ra < rb:
		return -1, false, nil
	case ra > rb:
		return 1, false, nil
	default:
		return 0, false, nil
	}
}

func isNumericType(t mem.Type) bool {
	return t == mem.TypeInt64 || t == mem.TypeUint64 || t == mem.TypeDouble || t == mem.TypeBool
}

func typeRank(t mem.Type) int {
	switch t {
	case mem.TypeNull:
		return 0
	case mem.TypeInt64, mem.TypeUint64, mem.TypeDouble, mem.TypeBool:
		return 1
	case mem.TypeString:
		return 2
	case mem.TypeBinary, mem.TypeMsgpackBlob:
		return 3
	default:
		return 4
	}
}

// compareBranch implements Eq/Ne/Lt/Le/Gt/Ge: compare P1 to P3, then
// either jump to P2 (default) or store the boolean/null result into P2
// (FlagStoreP2). A Null operand yields a Null result unless FlagNullEq
// is set and both sides are Null, in which case the operands compare
// equal: Eq/Le/Ge are true and Ne/Lt/Gt false; a Null result only
// jumps if FlagJumpIfNull is set.
func (v *VM) compareBranch(op Op) (bool, error) {
	a := v.reg(op.P1)
	b := v.reg(op.P3)
	cmp, isNull, err := memCompare(a, b)
	if err != nil {
		return false, err
	}

	var result, resultIsNull bool
	switch {
	case isNull && op.P5&FlagNullEq != 0 && a.IsNull() && b.IsNull():
		result = op.Opcode == OpEq || op.Opcode == OpLe || op.Opcode == OpGe
	case isNull:
		resultIsNull = true
	default:
		switch op.Opcode {
		case OpEq:
			result = cmp == 0
		case OpNe:
			result = cmp != 0
		case OpLt:
			result = cmp < 0
		case OpLe:
			result = cmp <= 0
		case OpGt:
			result = cmp > 0
		case OpGe:
			result = cmp >= 0
		}
	}
	v.lastCmp = cmp

	if resultIsNull {
		if op.P5&FlagStoreP2 != 0 {
			mem.SetNull(v.reg(op.P2))
			return false, nil
		}
		if op.P5&FlagJumpIfNull != 0 {
			v.pc = op.P2
			return true, nil
		}
		return false, nil
	}
	if op.P5&FlagStoreP2 != 0 {
		mem.SetBool(v.reg(op.P2), result)
		return false, nil
	}
	if result {
		v.pc = op.P2
		return true, nil
	}
	return false, nil
}

// opCompare implements Compare: P1/P2 are the start registers of two
// equal-length vectors of P3 columns, P4 an optional *keydef.KeyDef
// supplying per-column sort order, P5&FlagUsePermute consumes the
// pending Permutation (cleared after this Compare regardless, per the
// VDBE rule that it applies to exactly the next Compare).
func (v *VM) opCompare(op Op) error {
	kd, _ := op.P4.(*keydef.KeyDef)
	var permute []int
	if op.P5&FlagUsePermute != 0 {
		permute = v.permute
	}
	v.permute = nil

	cmp := 0
	for i := 0; i < op.P3; i++ {
		col := i
		if permute != nil && i < len(permute) {
			col = permute[i]
		}
		c, isNull, err := memCompare(v.reg(op.P1+col), v.reg(op.P2+col))
		if err != nil {
			return err
		}
		if isNull {
			continue
		}
		if kd != nil && i < len(kd.Parts) && kd.Parts[i].SortOrder == keydef.Desc {
			c = -c
		}
		if c != 0 {
			cmp = c
			break
		}
	}
	v.lastCmp = cmp
	return nil
}

// opAffinity applies a per-column cast in place (P4 is a string of
// 'i'/'r'/'t'/'b'/'n' affinity codes, one per column starting at P1).
// A conversion that fails leaves the register untouched, matching the
// advisory nature of affinity coercion.
func (v *VM) opAffinity(op Op) error {
	spec, _ := op.P4.(string)
	for i := 0; i < op.P2 && i < len(spec); i++ {
		r := v.reg(op.P1 + i)
		if r.IsNull() {
			continue
		}
		switch spec[i] {
		case 'i':
			_ = mem.Cast(r, mem.TypeInt64)
		case 'r':
			_ = mem.Cast(r, mem.TypeDouble)
		case 't':
			_ = mem.Cast(r, mem.TypeString)
		case 'n':
			if err := mem.Cast(r, mem.TypeInt64); err != nil {
				_ = mem.Cast(r, mem.TypeDouble)
			}
		}
	}
	return nil
}

// --- record assembly / disassembly ---

func memToValue(m *mem.Mem) interface{} {
	switch m.Type() {
	case mem.TypeNull:
		return nil
	case mem.TypeInt64:
		return m.Int64()
	case mem.TypeUint64:
		return m.Uint64()
	case mem.TypeDouble:
		return m.Double()
	case mem.TypeBool:
		return m.Bool()
	case mem.TypeString:
		return m.String()
	case mem.TypeBinary:
		return m.Bytes()
	default:
		return nil
	}
}

func setMemFromValue(m *mem.Mem, v interface{}) {
	switch val := v.(type) {
	case nil:
		mem.SetNull(m)
	case int64:
		mem.SetInt64(m, val)
	case uint64:
		mem.SetUint64(m, val)
	case int:
		mem.SetInt64(m, int64(val))
	case float64:
		mem.SetDouble(m, val)
	case bool:
		mem.SetBool(m, val)
	case string:
		mem.SetStringOwned(m, val)
	case []byte:
		mem.SetBinaryOwned(m, val)
	default:
		// A nested array/map field: stash it re-encoded so a later
		// MakeRecord can re-emit it unchanged.
		if enc, err := msgpack.Marshal(val); err == nil {
			mem.SetMsgpackBlob(m, enc, true)
		} else {
			mem.SetNull(m)
		}
	}
}

// BindValue writes a decoded Go value into a register the way a
// parameter binding would (spec.md §6 Request fields arrive already
// decoded, not as bytecode literals) — the exported entry point
// internal/engine uses to load Request fields into a Program's
// registers before Run, analogous to binding a prepared statement's
// parameters before stepping it.
func BindValue(m *mem.Mem, v interface{}) { setMemFromValue(m, v) }

// BindRecord writes a ready-made msgpack array (e.g. a tuple an
// engine-level caller already re-marshaled after applying update
// operators) into a register as a record MakeRecord/IdxInsert/SInsert
// can consume, skipping a redundant MakeRecord opcode.
func BindRecord(m *mem.Mem, raw []byte) { mem.SetMsgpackBlob(m, raw, true) }

// memRecordValue is memToValue plus MsgpackBlob passthrough, used when
// assembling a new record out of registers that may themselves hold a
// field decoded out of another record (an array/map column).
func memRecordValue(m *mem.Mem) interface{} {
	if m.Type() == mem.TypeMsgpackBlob {
		var v interface{}
		if err := msgpack.Unmarshal(m.Bytes(), &v); err == nil {
			return v
		}
		return nil
	}
	return memToValue(m)
}

// opMakeRecord packs P2 consecutive registers starting at P1 into a
// msgpack array, the wire shape tuple.New expects, storing it in P3.
func (v *VM) opMakeRecord(op Op) error {
	vals := make([]interface{}, op.P2)
	for i := 0; i < op.P2; i++ {
		vals[i] = memRecordValue(v.reg(op.P1 + i))
	}
	enc, err := msgpack.Marshal(vals)
	if err != nil {
		return diag.Wrap(diag.InternalError, err, "MakeRecord")
	}
	mem.SetMsgpackBlob(v.reg(op.P3), enc, true)
	return nil
}

// decodeArrayField decodes just the fieldNo'th element of a msgpack
// array without constructing a tuple.Tuple/Format, for pseudo-cursor
// Column reads whose backing register may not carry a space format.
func decodeArrayField(raw []byte, fieldNo int) (interface{}, bool, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, false, diag.Wrap(diag.InternalError, err, "decoding pseudo-cursor record")
	}
	if fieldNo >= n {
		return nil, false, nil
	}
	for i := 0; i < n; i++ {
		if i == fieldNo {
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				return nil, false, diag.Wrap(diag.InternalError, err, "decoding pseudo-cursor field")
			}
			return v, true, nil
		}
		if err := dec.Skip(); err != nil {
			return nil, false, diag.Wrap(diag.InternalError, err, "skipping pseudo-cursor field")
		}
	}
	return nil, false, nil
}

func (v *VM) columnFromPseudo(c *Cursor, fieldNo int, dst *mem.Mem, defaultP4 interface{}) error {
	if c.pseudoReg == nil || c.pseudoReg.IsNull() {
		mem.SetNull(dst)
		return nil
	}
	val, found, err := decodeArrayField(c.pseudoReg.Bytes(), fieldNo)
	if err != nil {
		return err
	}
	if !found {
		if def, ok := defaultP4.(int); ok && def >= 0 {
			mem.Copy(dst, v.reg(def))
			return nil
		}
		mem.SetNull(dst)
		return nil
	}
	setMemFromValue(dst, val)
	return nil
}

// opColumn implements Column: P1 cursor, P2 field_no, P3 dst register,
// P4 an optional default-value register index (-1 for none). A Column
// read against a cursor whose posGen doesn't match the VM's current
// cacheGen means the cursor hasn't moved since last checked and some
// earlier opcode forgot to reposition it first — the cache invariant
// spec.md §4.8 calls out.
func (v *VM) opColumn(op Op) error {
	c := v.cursor(op.P1)
	dst := v.reg(op.P3)
	if c.posGen != v.cacheGen {
		return diag.New(diag.InternalError, "Column read against a stale cursor position")
	}
	if c.kind == cursorPseudo {
		return v.columnFromPseudo(c, op.P2, dst, op.P4)
	}
	if c.row == nil {
		if def, ok := op.P4.(int); ok && def >= 0 {
			mem.Copy(dst, v.reg(def))
			return nil
		}
		mem.SetNull(dst)
		return nil
	}
	val, err := c.row.FieldValue(op.P2)
	if err != nil {
		return err
	}
	setMemFromValue(dst, val)
	return nil
}

func (v *VM) tupleFromRecord(reg int, format *tuple.Format) (*tuple.Tuple, error) {
	if format == nil {
		return nil, diag.New(diag.InternalError, "no tuple format available for record conversion")
	}
	m := v.reg(reg)
	if m.Type() != mem.TypeMsgpackBlob {
		return nil, diag.New(diag.InternalError, "expected a record register built by MakeRecord")
	}
	return tuple.New(format, m.Bytes())
}

// --- cursor open ---

func (v *VM) opOpenCursor(op Op) error {
	sp, ok := op.P4.(*space.Space)
	if !ok {
		return diag.New(diag.InternalError, "OpenRead/OpenWrite/ReopenIdx requires a *space.Space P4")
	}
	ix := sp.IndexByID(op.P2)
	if ix == nil {
		return diag.Newf(diag.InternalError, "space %s has no index %d", sp.Def.Name, op.P2)
	}
	v.cursor(op.P1).openIndex(sp, ix)
	return nil
}

func (v *VM) opOpenEphemeral(op Op) error {
	spec, ok := op.P4.(*EphemeralSpec)
	if !ok {
		return diag.New(diag.InternalError, "OpenTEphemeral requires an *EphemeralSpec P4")
	}
	ix, err := index.New(index.KindTree, "ephemeral", spec.KeyDef)
	if err != nil {
		return err
	}
	v.cursor(op.P1).openEphemeral(spec.KeyDef, spec.Format, ix)
	return nil
}

// --- navigation ---

func (v *VM) opRewind(op Op, last bool) (bool, error) {
	c := v.cursor(op.P1)
	typ := index.IterAll
	if last {
		typ = index.IterLE
	}
	if err := c.seek(typ, nil, 0, v.bumpGen()); err != nil {
		return false, err
	}
	if c.eof() {
		v.pc = op.P2
		return true, nil
	}
	return false, nil
}

func (v *VM) opNext(op Op) (bool, error) {
	c := v.cursor(op.P1)
	if err := c.advance(v.bumpGen()); err != nil {
		return false, err
	}
	if !c.eof() {
		v.pc = op.P2
		return true, nil
	}
	return false, nil
}

func (v *VM) opSeekCmp(op Op, typ index.IterType) (bool, error) {
	c := v.cursor(op.P1)
	n, _ := op.P4.(int)
	key := make([]interface{}, n)
	for i := 0; i < n; i++ {
		key[i] = memToValue(v.reg(op.P3 + i))
	}
	if err := c.seek(typ, key, n, v.bumpGen()); err != nil {
		return false, err
	}
	if c.eof() {
		v.pc = op.P2
		return true, nil
	}
	return false, nil
}

// opProbe backs NoConflict/NotFound/Found: P1 cursor, P2 jump address,
// P3 start register of the probe key, P4 part count. skipAllNull is
// NoConflict's "an all-Null key can never conflict" shortcut.
// jumpWhenAbsent is true for NotFound/NoConflict (jump when the row is
// NOT there) and false for Found (jump when it IS).
func (v *VM) opProbe(op Op, skipAllNull, jumpWhenAbsent bool) (bool, error) {
	c := v.cursor(op.P1)
	n, _ := op.P4.(int)
	key := make([]interface{}, n)
	allNull := true
	for i := 0; i < n; i++ {
		val := memToValue(v.reg(op.P3 + i))
		key[i] = val
		if val != nil {
			allNull = false
		}
	}
	if skipAllNull && allNull {
		v.pc = op.P2
		return true, nil
	}
	if c.ix == nil {
		return false, diag.New(diag.InternalError, "probe against a cursor with no index")
	}
	found, err := c.ix.FindByKey(key, n)
	if err != nil {
		return false, err
	}
	c.row = found
	c.posGen = v.bumpGen()

	present := found != nil
	jump := present
	if jumpWhenAbsent {
		jump = !present
	}
	if jump {
		v.pc = op.P2
		return true, nil
	}
	return false, nil
}

// --- mutation ---

// opDelete removes the cursor's current row through its owning space
// (a cross-index delete), distinct from IdxDelete which only touches
// the cursor's own index.
func (v *VM) opDelete(op Op) error {
	c := v.cursor(op.P1)
	if c.kind != cursorIndex || c.sp == nil {
		return diag.New(diag.InternalError, "Delete requires an index cursor opened on a space")
	}
	if c.row == nil {
		return nil
	}
	_, err := c.sp.Replace(c.row, nil, index.Replace)
	return v.applyErrorAction(ErrorAction(op.P5), err)
}

func (v *VM) opIdxInsert(op Op, mode index.Mode) error {
	c := v.cursor(op.P1)
	if c.ix == nil {
		return diag.New(diag.InternalError, "IdxInsert/IdxReplace on a cursor with no index")
	}
	t, err := v.tupleFromRecord(op.P2, c.recordFormat())
	if err != nil {
		return err
	}
	_, err = c.ix.Replace(nil, t, mode)
	return v.applyErrorAction(ErrorAction(op.P5), err)
}

// applyErrorAction honours a mutation opcode's P5 conflict-resolution
// action (spec.md §4.8 error model): Ignore swallows a duplicate-key
// failure and continues, Rollback aborts the whole transaction before
// surfacing it, Abort/Fail just propagate for the caller's statement
// savepoint to unwind.
func (v *VM) applyErrorAction(action ErrorAction, err error) error {
	if err == nil {
		return nil
	}
	switch action {
	case ActionIgnore:
		if diag.Is(err, diag.DuplicateKey) {
			return nil
		}
		return err
	case ActionRollback:
		v.Tx.Abort(err)
		return err
	default:
		return err
	}
}

func (v *VM) opIdxDelete(op Op) error {
	c := v.cursor(op.P1)
	if c.ix == nil {
		return diag.New(diag.InternalError, "IdxDelete on a cursor with no index")
	}
	n := op.P3
	key := make([]interface{}, n)
	for i := 0; i < n; i++ {
		key[i] = memToValue(v.reg(op.P2 + i))
	}
	found, err := c.ix.FindByKey(key, n)
	if err != nil {
		return err
	}
	if found == nil {
		return nil
	}
	_, err = c.ix.Replace(found, nil, index.Replace)
	return err
}

// opSInsert/opSReplace/opSDelete resolve a space by id and mutate it
// directly (cross-index, via space.Replace), rather than through a
// cursor — the request-level counterpart of IdxInsert/IdxDelete used
// for INSERT/REPLACE/UPSERT/DELETE requests that must land on every
// index, not just the one a cursor happens to be open on.
func (v *VM) opSInsert(op Op) error {
	sp := v.Cache.ByID(uint64(op.P1))
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", op.P1)
	}
	t, err := v.tupleFromRecord(op.P2, sp.Format)
	if err != nil {
		return err
	}
	_, err = sp.Replace(nil, t, index.Insert)
	return v.applyErrorAction(ErrorAction(op.P5), err)
}

// opSReplace backs REPLACE/UPSERT request execution: insert-or-replace
// across every index of the space, keyed on whatever the new tuple's
// own key fields are (space.Replace resolves the displaced old tuple
// itself via indexes[0].replace).
func (v *VM) opSReplace(op Op) error {
	sp := v.Cache.ByID(uint64(op.P1))
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", op.P1)
	}
	t, err := v.tupleFromRecord(op.P2, sp.Format)
	if err != nil {
		return err
	}
	_, err = sp.Replace(nil, t, index.InsertOrReplace)
	return v.applyErrorAction(ErrorAction(op.P5), err)
}

func (v *VM) opSDelete(op Op) error {
	sp := v.Cache.ByID(uint64(op.P1))
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", op.P1)
	}
	n := op.P3
	key := make([]interface{}, n)
	for i := 0; i < n; i++ {
		key[i] = memToValue(v.reg(op.P2 + i))
	}
	found, err := sp.Primary().FindByKey(key, n)
	if err != nil {
		return err
	}
	if found == nil {
		return nil
	}
	_, err = sp.Replace(found, nil, index.Replace)
	return err
}

// opClear deletes every tuple in a space one at a time via its primary
// index. There is no bulk-truncate primitive on index.Index, so this
// is O(n) rather than O(1); acceptable since Clear only runs from DDL
// (TRUNCATE-equivalent), never in a per-row DML loop.
func (v *VM) opClear(op Op) error {
	sp := v.Cache.ByID(uint64(op.P1))
	if sp == nil {
		return diag.Newf(diag.NotFound, "space %d not found", op.P1)
	}
	pk := sp.Primary()
	for {
		row, err := pk.Min()
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		if _, err := sp.Replace(row, nil, index.Replace); err != nil {
			return err
		}
	}
}

// --- savepoint ---

func (v *VM) opSavepoint(op Op) error {
	name, _ := op.P4.(string)
	switch SavepointOp(op.P1) {
	case SavepointBegin:
		v.Tx.SavepointBegin(name)
	case SavepointRelease:
		v.Tx.SavepointRelease(name)
	case SavepointRollback:
		return v.Tx.SavepointRollback(name)
	}
	return nil
}

// --- aggregates ---

func (v *VM) opAggStep(op Op) error {
	fnName, _ := op.P4.(string)
	st := v.agg[op.P1]
	if st == nil || op.Opcode == OpAggStep0 {
		st = &aggState{fn: fnName, sumIsInt: true}
		v.agg[op.P1] = st
	}
	args := v.Regs[op.P2 : op.P2+op.P3]
	return aggAccumulate(st, args)
}

func aggAccumulate(st *aggState, args []mem.Mem) error {
	switch st.fn {
	case "count":
		st.count++
		return nil
	case "sum", "total", "avg":
		if len(args) == 0 || args[0].IsNull() {
			return nil
		}
		isNull, isInt, i, f, err := readNumeric(&args[0])
		if err != nil {
			return err
		}
		if isNull {
			return nil
		}
		st.count++
		if st.sumIsInt && isInt {
			if addOverflows(st.sumInt, i) {
				st.sumIsInt = false
				st.sum = float64(st.sumInt) + f
			} else {
				st.sumInt += i
			}
			return nil
		}
		if st.sumIsInt {
			st.sum = float64(st.sumInt)
			st.sumIsInt = false
		}
		st.sum += f
		return nil
	case "min", "max":
		if len(args) == 0 || args[0].IsNull() {
			return nil
		}
		if !st.seenMinMax {
			st.min = new(mem.Mem)
			mem.Copy(st.min, &args[0])
			st.seenMinMax = true
			return nil
		}
		cmp, isNull, err := memCompare(st.min, &args[0])
		if err != nil {
			return err
		}
		if isNull {
			return nil
		}
		if (st.fn == "min" && cmp > 0) || (st.fn == "max" && cmp < 0) {
			mem.Copy(st.min, &args[0])
		}
		return nil
	default:
		return diag.Newf(diag.Unsupported, "unknown aggregate function %q", st.fn)
	}
}

func (v *VM) opAggFinal(op Op) error {
	st := v.agg[op.P1]
	dst := v.reg(op.P2)
	if st == nil {
		mem.SetNull(dst)
		return nil
	}
	defer delete(v.agg, op.P1)

	switch st.fn {
	case "count":
		mem.SetInt64(dst, st.count)
	case "sum":
		if st.count == 0 {
			mem.SetNull(dst)
			return nil
		}
		if st.sumIsInt {
			mem.SetInt64(dst, st.sumInt)
		} else {
			mem.SetDouble(dst, st.sum)
		}
	case "total":
		if st.sumIsInt {
			mem.SetDouble(dst, float64(st.sumInt))
		} else {
			mem.SetDouble(dst, st.sum)
		}
	case "avg":
		if st.count == 0 {
			mem.SetNull(dst)
			return nil
		}
		total := st.sum
		if st.sumIsInt {
			total = float64(st.sumInt)
		}
		mem.SetDouble(dst, total/float64(st.count))
	case "min", "max":
		if !st.seenMinMax {
			mem.SetNull(dst)
			return nil
		}
		mem.Copy(dst, st.min)
	default:
		mem.SetNull(dst)
	}
	return nil
}
