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
)

// applyUpdateOps applies req.UpdateOps (spec.md §6: "raw msgpack list
// of update operators") to a decoded tuple's values and returns the
// new value slice. Each operator is itself a 3-element array
// [operator, field_no, operand] ("#" takes a field count instead of a
// value): "=" set, "+"/"-" numeric add/subtract, "#" delete count
// fields starting at field_no. This is a deliberately small, fixed operator
// set — enough to exercise UPDATE/UPSERT end to end — not the full
// operator grammar a real update-operations language would carry.
func applyUpdateOps(oldVals []interface{}, rawOps []byte) ([]interface{}, error) {
	vals := append([]interface{}(nil), oldVals...)
	if len(rawOps) == 0 {
		return vals, nil
	}
	var ops [][]interface{}
	if err := msgpack.Unmarshal(rawOps, &ops); err != nil {
		return nil, diag.Wrap(diag.InternalError, err, "decoding update_ops")
	}
	for _, op := range ops {
		if len(op) < 2 {
			return nil, diag.New(diag.InternalError, "malformed update op: fewer than 2 elements")
		}
		name, ok := op[0].(string)
		if !ok {
			return nil, diag.New(diag.InternalError, "malformed update op: operator must be a string")
		}
		fieldNo, err := toInt(op[1])
		if err != nil {
			return nil, err
		}
		switch name {
		case "=":
			if len(op) < 3 {
				return nil, diag.New(diag.InternalError, "malformed \"=\" update op: missing operand")
			}
			vals, err = setField(vals, fieldNo, op[2])
		case "+":
			if len(op) < 3 {
				return nil, diag.New(diag.InternalError, "malformed \"+\" update op: missing operand")
			}
			err = addToField(vals, fieldNo, op[2], 1)
		case "-":
			if len(op) < 3 {
				return nil, diag.New(diag.InternalError, "malformed \"-\" update op: missing operand")
			}
			err = addToField(vals, fieldNo, op[2], -1)
		case "#":
			if len(op) < 3 {
				return nil, diag.New(diag.InternalError, "malformed \"#\" update op: missing count")
			}
			var count int
			count, err = toInt(op[2])
			if err == nil {
				vals, err = deleteFields(vals, fieldNo, count)
			}
		default:
			return nil, diag.Newf(diag.Unsupported, "update operator %q not supported", name)
		}
		if err != nil {
			return nil, err
		}
	}
	return vals, nil
}

func setField(vals []interface{}, fieldNo int, v interface{}) ([]interface{}, error) {
	if fieldNo < 0 || fieldNo >= len(vals) {
		return nil, diag.Newf(diag.NotFound, "update: field %d out of range", fieldNo)
	}
	vals[fieldNo] = v
	return vals, nil
}

func addToField(vals []interface{}, fieldNo int, delta interface{}, sign int) error {
	if fieldNo < 0 || fieldNo >= len(vals) {
		return diag.Newf(diag.NotFound, "update: field %d out of range", fieldNo)
	}
	sum, err := numAdd(vals[fieldNo], delta, sign)
	if err != nil {
		return err
	}
	vals[fieldNo] = sum
	return nil
}

func deleteFields(vals []interface{}, fieldNo, count int) ([]interface{}, error) {
	if fieldNo < 0 || fieldNo >= len(vals) || count < 0 {
		return nil, diag.Newf(diag.NotFound, "update: field %d out of range", fieldNo)
	}
	end := fieldNo + count
	if end > len(vals) {
		end = len(vals)
	}
	return append(vals[:fieldNo], vals[end:]...), nil
}

func numAdd(a, b interface{}, sign int) (interface{}, error) {
	if ai, aok := toInt64(a); aok {
		if bi, bok := toInt64(b); bok {
			if sign < 0 {
				return ai - bi, nil
			}
			return ai + bi, nil
		}
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if !aok || !bok {
		return nil, diag.New(diag.InternalError, "update: +/- operand is not numeric")
	}
	if sign < 0 {
		return af - bf, nil
	}
	return af + bf, nil
}

func toInt(v interface{}) (int, error) {
	i, ok := toInt64(v)
	if !ok {
		return 0, diag.New(diag.InternalError, "update: expected an integer field_no/count")
	}
	return int(i), nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		i, ok := toInt64(v)
		return float64(i), ok
	}
}
