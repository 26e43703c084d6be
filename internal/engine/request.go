// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package engine wires the space cache, transaction layer and VM into
// the external interface of spec.md §6: an already-decoded Request
// object in, a slice of result tuples out. It does not parse wire
// bytes or a query language — Execute translates each of the seven
// fixed op-types directly into a short literal VM program, the way
// sqlite3_bind/sqlite3_step load a prepared statement's parameters
// rather than compiling SQL on every call.
package engine

import (
	"github.com/inmemdb/engine/internal/index"
)

// OpType is a Request's operation (spec.md §6 Request object).
type OpType int

const (
	OpInsert OpType = iota
	OpReplace
	OpDelete
	OpUpdate
	OpUpsert
	OpSelect
	OpCall
)

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpReplace:
		return "REPLACE"
	case OpDelete:
		return "DELETE"
	case OpUpdate:
		return "UPDATE"
	case OpUpsert:
		return "UPSERT"
	case OpSelect:
		return "SELECT"
	case OpCall:
		return "CALL"
	default:
		return "UNKNOWN"
	}
}

// Request is an already-decoded operation (spec.md §6): the engine
// never parses wire bytes, it receives this struct.
type Request struct {
	Op      OpType
	SpaceID uint64
	IndexID int

	Tuple []byte // raw msgpack array, for INSERT/REPLACE/UPSERT
	Key   []byte // raw msgpack array, for DELETE/UPDATE/UPSERT/SELECT

	Iterator index.IterType // SELECT only
	Limit    int
	Offset   int

	UpdateOps []byte // raw msgpack list of update operators, for UPDATE/UPSERT

	CallName string        // CALL only
	CallArgs []interface{} // CALL only
}

// Sequence backs NextAutoincValue (spec.md §6 "sequence_next(seq, &mut
// i64)"): advances seqID's counter and returns the new value.
type Sequence interface {
	Next(seqID uint64) (int64, error)
}

// JournalSync yields until every submitted write is durably flushed
// (spec.md §6 Journal contract). Nil means the caller has no journal
// (tests, or an engine run purely in memory).
type JournalSync func() error

// TxnLimboFlush waits until all in-flight synchronous-replication
// transactions for limbo are confirmed or rolled back (spec.md §6
// Journal contract). Nil means replication is not in play.
type TxnLimboFlush func(limbo uint64) error
