// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package txn implements the transaction/statement trigger registry
// and savepoint plumbing consumed by the VM and the alter-space
// orchestrator (spec.md §6 Triggers registry, §5 ordering guarantees,
// §9 "statement owns them via the transaction arena").
package txn

import (
	"github.com/inmemdb/engine/internal/logging"
)

// Trigger observes a transaction or statement boundary. Triggers must
// never yield (spec.md §5): the builder's triggers uphold this.
type Trigger func(tx *Txn) error

// Statement is one DML/DDL statement within a transaction, owning its
// own before-commit/commit/rollback triggers (spec.md §6).
type Statement struct {
	id           int
	tx           *Txn
	beforeCommit []Trigger
	onCommit     []Trigger
	onRollback   []Trigger
	beforeCommitRan bool
}

// Txn returns the transaction this statement belongs to.
func (s *Statement) Txn() *Txn { return s.tx }

func (s *Statement) AddBeforeCommit(t Trigger) { s.beforeCommit = append(s.beforeCommit, t) }
func (s *Statement) AddOnCommit(t Trigger)     { s.onCommit = append(s.onCommit, t) }
func (s *Statement) AddOnRollback(t Trigger)   { s.onRollback = append(s.onRollback, t) }
func (s *Statement) ID() int                   { return s.id }
func (s *Statement) BeforeCommitRan() bool     { return s.beforeCommitRan }

// Savepoint marks a point in the statement list a later rollback can
// restore (spec.md glossary: Savepoint).
type Savepoint struct {
	Name string
	mark int // index into Txn.statements at the time the savepoint was taken
}

// Txn is one transaction: an ordered list of statements plus its own
// commit/rollback triggers, and a savepoint stack.
type Txn struct {
	ID         uint64
	statements []*Statement
	onCommit   []Trigger
	onRollback []Trigger
	savepoints []*Savepoint
	arena      []interface{} // symbolic: freed together with the txn
	log        logging.Tagged

	abortErr error // sticky; set by Abort, observed by Commit
}

func New(id uint64) *Txn {
	return &Txn{ID: id, log: logging.NewTagged("txn")}
}

func (t *Txn) AddOnCommit(tg Trigger)   { t.onCommit = append(t.onCommit, tg) }
func (t *Txn) AddOnRollback(tg Trigger) { t.onRollback = append(t.onRollback, tg) }

// Abort marks the transaction sticky-failed: it can still run its
// rollback triggers, but Commit refuses immediately with err (used by
// the online builder to abort an optimistic writer it has outrun, and
// by the engine's cache-replace invalidation hook to abort a
// transaction that touched a space which has since been replaced).
func (t *Txn) Abort(err error) {
	if t.abortErr == nil {
		t.abortErr = err
	}
}

// Aborted reports whether Abort has been called.
func (t *Txn) Aborted() bool { return t.abortErr != nil }

// AbortErr returns the reason Abort was called, or nil.
func (t *Txn) AbortErr() error { return t.abortErr }

// NewStatement opens a new statement in issue order.
func (t *Txn) NewStatement() *Statement {
	s := &Statement{id: len(t.statements), tx: t}
	t.statements = append(t.statements, s)
	return s
}

// Alloc tracks an arbitrary value on the transaction's arena, freed
// (dereferenced) together when the transaction ends (spec.md: alter
// plans "allocated on the current transaction's arena").
func (t *Txn) Alloc(v interface{}) { t.arena = append(t.arena, v) }

// SavepointBegin pushes a named savepoint (Savepoint BEGIN op in §4.8).
func (t *Txn) SavepointBegin(name string) {
	t.savepoints = append(t.savepoints, &Savepoint{Name: name, mark: len(t.statements)})
}

// SavepointRelease drops a savepoint without rolling back (RELEASE).
func (t *Txn) SavepointRelease(name string) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].Name == name {
			t.savepoints = append(t.savepoints[:i], t.savepoints[i+1:]...)
			return
		}
	}
}

// SavepointRollback undoes every statement issued since the named
// savepoint (ROLLBACK), in reverse issuance order (later statements
// may have observed earlier ones), then keeps the transaction open.
func (t *Txn) SavepointRollback(name string) error {
	idx := -1
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	sp := t.savepoints[idx]
	for i := len(t.statements) - 1; i >= sp.mark; i-- {
		if err := t.runStatementRollback(t.statements[i]); err != nil {
			return err
		}
	}
	t.statements = t.statements[:sp.mark]
	t.savepoints = t.savepoints[:idx+1]
	return nil
}

func (t *Txn) runStatementRollback(s *Statement) error {
	for _, tg := range s.onRollback {
		if err := tg(t); err != nil {
			t.log.Errorf("statement %d rollback trigger failed: %v", s.id, err)
			return err
		}
	}
	return nil
}

// Commit runs before-commit, then on-commit triggers for every
// statement in issue order, then the transaction's own on-commit
// triggers (spec.md §5: "runs in statement order").
func (t *Txn) Commit() error {
	if t.abortErr != nil {
		return t.abortErr
	}
	for _, s := range t.statements {
		for _, tg := range s.beforeCommit {
			if err := tg(t); err != nil {
				return err
			}
		}
		s.beforeCommitRan = true
	}
	for _, s := range t.statements {
		for _, tg := range s.onCommit {
			if err := tg(t); err != nil {
				return err
			}
		}
	}
	for _, tg := range t.onCommit {
		if err := tg(t); err != nil {
			return err
		}
	}
	t.arena = nil
	return nil
}

// Rollback runs on-rollback triggers for every statement in issue
// order, then the transaction's own on-rollback triggers.
func (t *Txn) Rollback() error {
	for _, s := range t.statements {
		if err := t.runStatementRollback(s); err != nil {
			return err
		}
	}
	for _, tg := range t.onRollback {
		if err := tg(t); err != nil {
			return err
		}
	}
	t.arena = nil
	return nil
}
