// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package alter

import (
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
)

// ModifySpace changes the space-level definition (name, arity,
// temporary/local flags) without touching any index.
type ModifySpace struct {
	Name              *string
	Arity             *int
	Temporary, Local  *bool
}

func (op *ModifySpace) Prepare(p *Plan) error {
	if op.Arity != nil && *op.Arity < len(p.Fields) {
		return diag.New(diag.InternalError, "alter: cannot shrink arity below the current field count")
	}
	return nil
}

func (op *ModifySpace) AlterDef(p *Plan) error {
	if op.Name != nil {
		p.Def.Name = *op.Name
	}
	if op.Temporary != nil {
		p.Def.Temporary = *op.Temporary
	}
	if op.Local != nil {
		p.Def.Local = *op.Local
	}
	if op.Arity != nil {
		p.Def.Arity = *op.Arity
	}
	return nil
}

func (op *ModifySpace) Alter(p *Plan) error    { return nil }
func (op *ModifySpace) Commit(p *Plan) error   { return nil }
func (op *ModifySpace) Rollback(p *Plan) error { return nil }

// DropIndex removes an existing index from the new space. The old
// index's tuples are untouched; it simply has no slot in NewSpace, and
// is released once the old space itself is replaced out of the cache.
type DropIndex struct {
	IID int
}

func (op *DropIndex) Prepare(p *Plan) error {
	if op.IID == 0 {
		return diag.New(diag.InternalError, "alter: cannot drop the primary index directly; replace it via AddIndex(iid=0)")
	}
	if p.indexPos(op.IID) < 0 {
		return diag.New(diag.NotFound, "alter: DropIndex refers to a non-existent iid")
	}
	return nil
}

func (op *DropIndex) AlterDef(p *Plan) error {
	pos := p.indexPos(op.IID)
	p.Indexes = append(p.Indexes[:pos], p.Indexes[pos+1:]...)
	return nil
}

func (op *DropIndex) Alter(p *Plan) error    { return nil }
func (op *DropIndex) Commit(p *Plan) error   { return nil }
func (op *DropIndex) Rollback(p *Plan) error { return nil }

// AddIndex introduces a new index, built per the three AddIndex::alter
// regimes (spec.md §4.5 step 4). iid == 0 both replaces the primary
// (collapsed with an implicit drop of the old iid 0) and adds a fresh
// one when no index currently holds that iid.
type AddIndex struct {
	IID    int
	Name   string
	Kind   index.Kind
	KeyDef *keydef.KeyDef
}

func (op *AddIndex) Prepare(p *Plan) error {
	for _, part := range op.KeyDef.Parts {
		if part.FieldNo < 0 || part.FieldNo >= len(p.Fields) {
			return errArityMismatch()
		}
	}
	if op.IID == 0 && !op.KeyDef.IsUnique {
		return diag.New(diag.InternalError, "alter: primary index must be unique")
	}
	return nil
}

func (op *AddIndex) AlterDef(p *Plan) error {
	spec := IndexSpec{IID: op.IID, Name: op.Name, Kind: op.Kind, KeyDef: op.KeyDef}
	if pos := p.indexPos(op.IID); pos >= 0 {
		p.Indexes[pos] = spec
	} else {
		p.Indexes = append(p.Indexes, spec)
	}
	return nil
}

func (op *AddIndex) Alter(p *Plan) error {
	pos := p.indexPos(op.IID)
	return buildNewIndex(p, p.Indexes[pos], pos)
}

func (op *AddIndex) Commit(p *Plan) error {
	detachHandle(p, op.IID)
	return nil
}

func (op *AddIndex) Rollback(p *Plan) error {
	detachHandle(p, op.IID)
	return nil
}

// ModifyIndex replaces an existing index's key def/kind in place,
// equivalent to a DropIndex+AddIndex at the same iid (spec.md §4.5
// step 1 calls out Prepare collapsing such a pair into ModifyIndex).
type ModifyIndex struct {
	IID    int
	Name   string
	Kind   index.Kind
	KeyDef *keydef.KeyDef
}

func (op *ModifyIndex) Prepare(p *Plan) error {
	if p.indexPos(op.IID) < 0 {
		return diag.New(diag.NotFound, "alter: ModifyIndex refers to a non-existent iid")
	}
	for _, part := range op.KeyDef.Parts {
		if part.FieldNo < 0 || part.FieldNo >= len(p.Fields) {
			return errArityMismatch()
		}
	}
	return nil
}

func (op *ModifyIndex) AlterDef(p *Plan) error {
	pos := p.indexPos(op.IID)
	p.Indexes[pos] = IndexSpec{IID: op.IID, Name: op.Name, Kind: op.Kind, KeyDef: op.KeyDef}
	return nil
}

func (op *ModifyIndex) Alter(p *Plan) error {
	pos := p.indexPos(op.IID)
	return buildNewIndex(p, p.Indexes[pos], pos)
}

func (op *ModifyIndex) Commit(p *Plan) error {
	detachHandle(p, op.IID)
	return nil
}

func (op *ModifyIndex) Rollback(p *Plan) error {
	detachHandle(p, op.IID)
	return nil
}

var (
	_ AlterOp = (*ModifySpace)(nil)
	_ AlterOp = (*DropIndex)(nil)
	_ AlterOp = (*AddIndex)(nil)
	_ AlterOp = (*ModifyIndex)(nil)
)
