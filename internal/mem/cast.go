// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package mem

import (
	"strconv"
	"strings"

	"github.com/inmemdb/engine/internal/diag"
)

// Cast converts m in place to target type following SQL-standard cast
// rules (spec.md VDBE Cast opcode), including the 'true'/'false'
// boolean-from-string rule. Cast(Cast(x, T), T) == Cast(x, T) for any
// scalar T: re-casting an already-converted cell is a no-op.
func Cast(m *Mem, target Type) error {
	if m.typ == target {
		return nil
	}
	if m.typ == TypeNull {
		return nil // null casts to null regardless of target
	}

	switch target {
	case TypeInt64:
		v, err := asInt64(m)
		if err != nil {
			return err
		}
		SetInt64(m, v)
	case TypeUint64:
		v, err := asInt64(m)
		if err != nil {
			return err
		}
		SetUint64(m, uint64(v))
	case TypeDouble:
		v, err := asFloat64(m)
		if err != nil {
			return err
		}
		SetDouble(m, v)
	case TypeBool:
		v, err := asBool(m)
		if err != nil {
			return err
		}
		SetBool(m, v)
	case TypeString:
		SetStringOwned(m, asString(m))
	default:
		return diag.Newf(diag.Unsupported, "cast to type %d", target)
	}
	return nil
}

func asInt64(m *Mem) (int64, error) {
	switch m.typ {
	case TypeInt64:
		return m.i, nil
	case TypeUint64:
		return int64(m.u), nil
	case TypeDouble:
		return int64(m.f), nil
	case TypeBool:
		if m.b {
			return 1, nil
		}
		return 0, nil
	case TypeString:
		v, err := strconv.ParseInt(strings.TrimSpace(string(m.buf)), 10, 64)
		if err != nil {
			return 0, diag.Wrap(diag.Mismatch, err, "string to integer cast")
		}
		return v, nil
	}
	return 0, diag.Newf(diag.Unsupported, "cannot cast type %d to int64", m.typ)
}

func asFloat64(m *Mem) (float64, error) {
	switch m.typ {
	case TypeInt64:
		return float64(m.i), nil
	case TypeUint64:
		return float64(m.u), nil
	case TypeDouble:
		return m.f, nil
	case TypeBool:
		if m.b {
			return 1, nil
		}
		return 0, nil
	case TypeString:
		v, err := strconv.ParseFloat(strings.TrimSpace(string(m.buf)), 64)
		if err != nil {
			return 0, diag.Wrap(diag.Mismatch, err, "string to double cast")
		}
		return v, nil
	}
	return 0, diag.Newf(diag.Unsupported, "cannot cast type %d to double", m.typ)
}

// asBool implements the 'true'/'false' boolean-from-string rule
// explicitly called out by spec.md §4.8.
func asBool(m *Mem) (bool, error) {
	switch m.typ {
	case TypeBool:
		return m.b, nil
	case TypeInt64:
		return m.i != 0, nil
	case TypeUint64:
		return m.u != 0, nil
	case TypeDouble:
		return m.f != 0, nil
	case TypeString:
		s := strings.ToLower(strings.TrimSpace(string(m.buf)))
		switch s {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, diag.Newf(diag.Mismatch, "string %q is not a boolean literal", s)
	}
	return false, diag.Newf(diag.Unsupported, "cannot cast type %d to bool", m.typ)
}

func asString(m *Mem) string {
	switch m.typ {
	case TypeInt64:
		return strconv.FormatInt(m.i, 10)
	case TypeUint64:
		return strconv.FormatUint(m.u, 10)
	case TypeDouble:
		return strconv.FormatFloat(m.f, 'g', -1, 64)
	case TypeBool:
		if m.b {
			return "true"
		}
		return "false"
	case TypeString, TypeBinary:
		return string(m.buf)
	}
	return ""
}

// MustBeInt implements the VDBE MustBeInt opcode: it requires a
// lossless conversion to int64, failing with Mismatch otherwise.
func MustBeInt(m *Mem) error {
	switch m.typ {
	case TypeInt64:
		return nil
	case TypeUint64:
		if m.u > 1<<63-1 {
			return diag.New(diag.Mismatch, "uint64 value overflows int64")
		}
		SetInt64(m, int64(m.u))
		return nil
	case TypeDouble:
		if float64(int64(m.f)) != m.f {
			return diag.New(diag.Mismatch, "double value has no lossless integer representation")
		}
		SetInt64(m, int64(m.f))
		return nil
	case TypeString:
		v, err := strconv.ParseInt(strings.TrimSpace(string(m.buf)), 10, 64)
		if err != nil {
			return diag.Wrap(diag.Mismatch, err, "MustBeInt on non-integer string")
		}
		SetInt64(m, v)
		return nil
	}
	return diag.Newf(diag.Mismatch, "cannot coerce type %d to int", m.typ)
}

// RealAffinity coerces an integer-typed cell to double in place,
// leaving strings/nulls untouched (VDBE RealAffinity opcode).
func RealAffinity(m *Mem) {
	switch m.typ {
	case TypeInt64:
		SetDouble(m, float64(m.i))
	case TypeUint64:
		SetDouble(m, float64(m.u))
	}
}
