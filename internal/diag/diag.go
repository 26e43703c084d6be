// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package diag implements the typed error taxonomy of spec.md §7: each
// kind carries a code, a message, and optional structured attributes.
package diag

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

type Kind int

const (
	MemoryIssue Kind = iota
	DuplicateKey
	NotFound
	Unsupported
	FieldForeignKeyFailed
	ComplexForeignKeyFailed
	ForeignKeyIntegrity
	FiberIsCancelled
	TransactionConflict
	Injection
	Mismatch
	TooBig
	Interrupt
	InternalError
)

func (k Kind) String() string {
	switch k {
	case MemoryIssue:
		return "MemoryIssue"
	case DuplicateKey:
		return "DuplicateKey"
	case NotFound:
		return "NotFound"
	case Unsupported:
		return "Unsupported"
	case FieldForeignKeyFailed:
		return "FieldForeignKeyFailed"
	case ComplexForeignKeyFailed:
		return "ComplexForeignKeyFailed"
	case ForeignKeyIntegrity:
		return "ForeignKeyIntegrity"
	case FiberIsCancelled:
		return "FiberIsCancelled"
	case TransactionConflict:
		return "TransactionConflict"
	case Injection:
		return "Injection"
	case Mismatch:
		return "Mismatch"
	case TooBig:
		return "TooBig"
	case Interrupt:
		return "Interrupt"
	default:
		return "InternalError"
	}
}

// Error is the engine-wide diagnostic object: a typed kind, a message,
// an optional wrapped cause and a bag of structured attributes (name,
// field_path, field_id, dup/new tuple summaries, ...).
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
	Attrs *structpb.Struct
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: errors.WithStack(cause)}
}

func (e *Error) WithAttrs(attrs map[string]interface{}) *Error {
	s, err := structpb.NewStruct(attrs)
	if err == nil {
		e.Attrs = s
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Debug renders the full structured error, attributes included, for
// debug-level logging.
func (e *Error) Debug() string {
	if e.Attrs == nil {
		return e.Error()
	}
	return e.Error() + " attrs=" + spew.Sdump(e.Attrs.AsMap())
}

// Is reports whether err is a *Error of the given kind, unwrapping
// causes along the way.
func Is(err error, kind Kind) bool {
	var de *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			de = e
			break
		}
		err = errors.Unwrap(err)
	}
	return de != nil && de.Kind == kind
}

func DuplicateKeyErr(indexName string, dup, newTuple fmt.Stringer) *Error {
	e := Newf(DuplicateKey, "duplicate key for index %s", indexName)
	attrs := map[string]interface{}{"index_name": indexName}
	if dup != nil {
		attrs["dup"] = dup.String()
	}
	if newTuple != nil {
		attrs["new"] = newTuple.String()
	}
	return e.WithAttrs(attrs)
}
