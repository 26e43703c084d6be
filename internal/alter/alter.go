// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package alter implements the alter-space orchestrator (spec.md
// §4.5): a schema change either succeeds completely after its
// transaction's WAL record commits, or leaves no visible trace on
// rollback, even though the new index data structures are built
// before that record is written.
package alter

import (
	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

// RecoveryState gates which AddIndex::alter regime runs (spec.md §9
// "Recovery state"). Consumed here and by the online index builder.
type RecoveryState int

const (
	InitialRecovery RecoveryState = iota // engine READY_NO_KEYS: snapshot recovery
	FinalRecovery                        // engine READY_PRIMARY_KEY: WAL recovery
	Normal                                // live: mirror concurrent DML
)

// IndexSpec describes one index slot in the space being built, either
// carried over unchanged from the old space (Reuse) or freshly
// specified by an AddIndex/ModifyIndex op.
type IndexSpec struct {
	IID    int
	Name   string
	Kind   index.Kind
	KeyDef *keydef.KeyDef

	Reuse  bool // true: physically carry the old space's index pointer
	OldIID int  // source iid in the old space, when Reuse
}

// AlterOp is one step of an alter plan (spec.md §4.1 Alter plan, §4.5).
// Every phase runs across all ops before the next phase begins.
type AlterOp interface {
	// Prepare validates this op against the old space.
	Prepare(p *Plan) error
	// AlterDef mutates the cloned space_def/fields/index_list.
	AlterDef(p *Plan) error
	// Alter populates or moves data structures into the new space,
	// which already exists (p.NewSpace) by the time this runs.
	Alter(p *Plan) error
	// Commit runs after the alter's transaction's WAL record is
	// durable. Errors here are fatal (spec.md §4.5 error semantics).
	Commit(p *Plan) error
	// Rollback undoes anything Alter did, only ever called before any
	// WAL record was written.
	Rollback(p *Plan) error
}

// Plan is the alter's mutable working state: a cloned space_def and
// key_list, the ops that transform them, and (once CreateNew has run)
// the shadow space they populate.
type Plan struct {
	OldSpace *space.Space
	Recovery RecoveryState
	Ops      []AlterOp

	Def     space.Def
	Fields  []tuple.FieldDef
	Indexes []IndexSpec

	NewSpace *space.Space

	// CurrentStatement, if set, lets a live AddIndex/ModifyIndex
	// register a compensating on_rollback trigger for each DML it
	// mirrors (spec.md §4.5 "each such mirror also installs an
	// on_rollback trigger"). Left nil outside the VM's statement loop,
	// in which case mirrored writes are not individually reversible
	// (acceptable only because the whole alter is rolled back as a
	// unit by the plan's rollback hook in that case).
	CurrentStatement func() *txn.Statement

	// mirrorHandles tracks, per iid, the mirror trigger a live
	// AddIndex/ModifyIndex installed on OldSpace, so Commit/Rollback
	// can detach it.
	mirrorHandles map[int]*space.TriggerHandle
}

// NewPlan seeds a plan from old's current definition: every existing
// index starts as a Reuse entry, so an op that never touches it
// leaves it physically untouched.
func NewPlan(old *space.Space, recovery RecoveryState, ops []AlterOp) *Plan {
	p := &Plan{
		OldSpace: old,
		Recovery: recovery,
		Ops:      ops,
		Def:      old.Def,
		Fields:   append([]tuple.FieldDef(nil), old.Format.Fields...),
	}
	for i, ix := range old.Indexes {
		p.Indexes = append(p.Indexes, IndexSpec{
			IID: i, Name: ix.Name(), KeyDef: ix.KeyDef(),
			Reuse: true, OldIID: i,
		})
	}
	return p
}

func (p *Plan) indexPos(iid int) int {
	for i, spec := range p.Indexes {
		if spec.IID == iid {
			return i
		}
	}
	return -1
}

// Run drives the five-phase state machine and installs the
// transaction commit/rollback hooks that finish or undo it (spec.md
// §4.5 step 5). Any error from Prepare/AlterDef/CreateNew/Alter tears
// the partially built plan down; no WAL record has been written yet,
// so there is nothing further to undo beyond what each failed op's
// own state already reflects.
func Run(p *Plan, tx *txn.Txn, c *cache.Cache) error {
	for _, op := range p.Ops {
		if err := op.Prepare(p); err != nil {
			return err
		}
	}
	for _, op := range p.Ops {
		if err := op.AlterDef(p); err != nil {
			return err
		}
	}
	if err := p.createNew(); err != nil {
		return err
	}
	for _, op := range p.Ops {
		if err := op.Alter(p); err != nil {
			_ = p.rollback()
			return err
		}
	}

	tx.AddOnCommit(func(*txn.Txn) error { return p.commit(c) })
	tx.AddOnRollback(func(*txn.Txn) error { return p.rollback() })
	return nil
}

// createNew builds the shadow space: indexes marked Reuse carry the
// old space's pointer immediately (so "unchanged indexes are
// physically moved, same pointer" holds from this point on); everyone
// else gets a fresh empty index of the requested kind.
func (p *Plan) createNew() error {
	format := tuple.NewFormat(p.Fields)
	for _, spec := range p.Indexes {
		if spec.KeyDef == nil {
			continue
		}
		for _, part := range spec.KeyDef.Parts {
			format.MarkIndexed(part.FieldNo)
		}
	}
	indexes := make([]index.Index, len(p.Indexes))
	for i, spec := range p.Indexes {
		if spec.Reuse {
			indexes[i] = p.OldSpace.IndexByID(spec.OldIID)
			continue
		}
		ix, err := index.New(spec.Kind, spec.Name, spec.KeyDef)
		if err != nil {
			return err
		}
		indexes[i] = ix
	}
	newSp, err := space.New(p.Def, format, indexes)
	if err != nil {
		return err
	}
	p.NewSpace = newSp
	return nil
}

// commit is alter_space_commit (spec.md §4.5 step 5): run each op's
// Commit (detaching mirror triggers, finishing moves), carry the old
// space's replace-trigger list onto the new space, then cache_replace.
func (p *Plan) commit(c *cache.Cache) error {
	for _, op := range p.Ops {
		if err := op.Commit(p); err != nil {
			return err
		}
	}
	p.NewSpace.SetOnReplaceTriggers(p.OldSpace.OnReplaceTriggers())
	return c.Replace(p.OldSpace, p.NewSpace)
}

// rollback is alter_space_rollback: run each op's Rollback, then drop
// the shadow space (never installed in the cache, so simply abandoned
// to the garbage collector).
func (p *Plan) rollback() error {
	for _, op := range p.Ops {
		if err := op.Rollback(p); err != nil {
			return err
		}
	}
	p.NewSpace = nil
	return nil
}

// buildNewIndex implements AddIndex/ModifyIndex's shared Alter-phase
// regime dispatch (spec.md §4.5 step 4's three AddIndex::alter
// regimes).
func buildNewIndex(p *Plan, spec IndexSpec, pos int) error {
	newIx := p.NewSpace.Indexes[pos]

	switch p.Recovery {
	case InitialRecovery:
		// Snapshot recovery: nothing is built here, neither for the
		// primary nor for a secondary, and the recovery state is not
		// advanced.
		return nil

	case FinalRecovery:
		// WAL recovery: bulk-rebuild the primary from the old primary;
		// secondaries again wait until recovery end.
		if spec.IID != 0 {
			return nil
		}
		return newIx.Build(p.OldSpace.Primary())

	default: // Normal: live alter
		if err := newIx.Build(p.OldSpace.Primary()); err != nil {
			return err
		}
		handle := p.OldSpace.AddReplaceTrigger(func(sp *space.Space, old, newT *tuple.Tuple) error {
			_, err := newIx.Replace(old, newT, index.InsertOrReplace)
			if err != nil {
				return err
			}
			if p.CurrentStatement != nil {
				if st := p.CurrentStatement(); st != nil {
					st.AddOnRollback(func(*txn.Txn) error {
						_, err := newIx.Replace(newT, old, index.InsertOrReplace)
						return err
					})
				}
			}
			return nil
		})
		if p.mirrorHandles == nil {
			p.mirrorHandles = make(map[int]*space.TriggerHandle)
		}
		p.mirrorHandles[spec.IID] = handle
		return nil
	}
}

// detachHandle removes the mirror trigger AddIndex/ModifyIndex
// installed on OldSpace for iid, if still present.
func detachHandle(p *Plan, iid int) {
	if h := p.mirrorHandles[iid]; h != nil {
		p.OldSpace.RemoveReplaceTrigger(h)
		delete(p.mirrorHandles, iid)
	}
}

func errArityMismatch() error {
	return diag.New(diag.InternalError, "alter: new index key part refers to a field outside the new arity")
}
