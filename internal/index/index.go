// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package index defines the index vtable (spec.md §4.2): an interface
// implemented by the tree, AVL, R-tree, hash and blackhole index
// kinds, dynamic polymorphism via a Go interface rather than
// inheritance, with shared helpers living as free functions.
package index

import (
	"fmt"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

func errUnregisteredKind(k Kind) error {
	return diag.New(diag.InternalError, fmt.Sprintf("index kind %s has no registered factory (missing import?)", k))
}

type Mode int

const (
	Insert Mode = iota
	Replace
	InsertOrReplace
)

type IterType int

const (
	IterAll IterType = iota
	IterEQ
	IterREQ
	IterGT
	IterGE
	IterLT
	IterLE
	IterOverlaps
	IterNeighbor
	IterRectEquals
	IterStrictContains
	IterContains
	IterStrictBelongs
	IterBelongs
)

// Iterator is the common cursor-over-an-index protocol (spec.md §4.2).
type Iterator interface {
	// Next advances and returns the next tuple, or (nil, nil) at EOF.
	Next() (*tuple.Tuple, error)
	Close()
}

// Kind names one of the index implementations (tree/avl/rtree/hash/
// blackhole). Concrete packages register a Factory for their Kind in
// their own init(), so this package never imports them (they import
// this one) and there is no cycle.
type Kind int

const (
	KindAVL Kind = iota
	KindTree
	KindRTree
	KindHash
	KindBlackhole
)

func (k Kind) String() string {
	switch k {
	case KindAVL:
		return "avl"
	case KindTree:
		return "tree"
	case KindRTree:
		return "rtree"
	case KindHash:
		return "hash"
	case KindBlackhole:
		return "blackhole"
	default:
		return "unknown"
	}
}

// Factory constructs an empty index of one kind.
type Factory func(name string, kd *keydef.KeyDef) (Index, error)

var factories = map[Kind]Factory{}

// Register is called from each index kind package's init().
func Register(k Kind, f Factory) { factories[k] = f }

// New constructs an empty index of kind k via its registered factory.
func New(k Kind, name string, kd *keydef.KeyDef) (Index, error) {
	f, ok := factories[k]
	if !ok {
		return nil, errUnregisteredKind(k)
	}
	return f(name, kd)
}

// Index is the vtable every index kind implements.
type Index interface {
	Name() string
	KeyDef() *keydef.KeyDef
	Size() (uint64, error)
	Min() (*tuple.Tuple, error)
	Max() (*tuple.Tuple, error)
	Random(seed uint32) (*tuple.Tuple, error)
	FindByKey(key []interface{}, partCount int) (*tuple.Tuple, error)
	Replace(old, newT *tuple.Tuple, mode Mode) (*tuple.Tuple, error)
	Iterator(typ IterType, key []interface{}, partCount int) (Iterator, error)

	// Build populates this index by scanning the primary index pk.
	Build(pk Index) error
	BeginBuild() error
	BuildNext(t *tuple.Tuple) error
	EndBuild() error
}
