// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package build

import (
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

// onReplace is the concurrent DML trigger chain's "On replace" stage
// (spec.md §4.6), installed on the source space for the build's
// duration.
func (c *Context) onReplace(sp *space.Space, old, newT *tuple.Tuple) error {
	if c.CheckUnique && newT != nil {
		if err := c.checkIsUniqueSecondary(old, newT); err != nil {
			return err
		}
	}

	stmt := c.statement()
	if stmt == nil {
		// No statement to hang before/on-commit triggers off: the
		// caller isn't running this replace inside a tracked
		// transaction (e.g. a test harness driving Space.Replace
		// directly). Mirror immediately as a best effort.
		if old != nil || newT != nil {
			mode := index.InsertOrReplace
			_, err := c.NewIndex.Replace(old, newT, mode)
			return err
		}
		return nil
	}

	if newT != nil {
		keys, err := newIndexKeysOf(newT, c.NewIndex)
		if err != nil {
			return err
		}
		c.mu.Lock()
		for _, k := range keys {
			c.writeSet[k] = append(c.writeSet[k], &writeEntry{newTuple: newT, oldTuple: old, stmt: stmt})
		}
		c.mu.Unlock()
	}

	stmt.AddBeforeCommit(func(*txn.Txn) error { return c.beforeCommit(old, newT, stmt) })
	stmt.AddOnCommit(func(*txn.Txn) error { return nil }) // unlinking the mirror happens once per build, not per statement
	stmt.AddOnRollback(func(*txn.Txn) error { return c.onStatementRollback(old, newT, stmt) })
	return nil
}

func (c *Context) statement() *txn.Statement {
	if c.CurrentStatement == nil {
		return nil
	}
	return c.CurrentStatement()
}

// checkIsUniqueSecondary probes the new index with one EQ key built
// from newT's plain field values: any live tuple under that key that
// isn't this statement's own old is a conflict. Multikey elements are
// not probed one by one.
func (c *Context) checkIsUniqueSecondary(old, newT *tuple.Tuple) error {
	vals := make([]interface{}, c.NewIndex.KeyDef().PartCount())
	for i, part := range c.NewIndex.KeyDef().Parts {
		v, err := newT.FieldValue(part.FieldNo)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	it, err := c.NewIndex.Iterator(index.IterEQ, vals, len(vals))
	if err != nil {
		if diag.Is(err, diag.Unsupported) {
			return nil // index kind has no ordered EQ probe (e.g. blackhole)
		}
		return err
	}
	defer it.Close()
	for {
		found, err := it.Next()
		if err != nil {
			return err
		}
		if found == nil {
			return nil
		}
		if found != old {
			return diag.DuplicateKeyErr(c.NewIndex.Name(), found, newT)
		}
	}
}

// beforeCommit is spec.md §4.6's "Before commit" stage.
func (c *Context) beforeCommit(old, newT *tuple.Tuple, stmt *txn.Statement) error {
	mark, seen, err := c.statementMark(old, newT)
	if err != nil {
		return err
	}

	var oldForMirror *tuple.Tuple
	c.mu.Lock()
	if seen {
		oldForMirror = old
	}
	if oldForMirror != nil {
		keys, _ := newIndexKeysOf(oldForMirror, c.NewIndex)
		for _, k := range keys {
			c.notConfirmed[k]++
		}
	}
	aboveCursor := mark > c.cursorMark
	c.mu.Unlock()

	if _, err := c.NewIndex.Replace(oldForMirror, newT, index.InsertOrReplace); err != nil {
		return err
	}

	if aboveCursor {
		c.mu.Lock()
		c.markProcessedLocked(mark)
		c.mu.Unlock()
	}

	if c.CheckUnique && newT != nil {
		keys, err := newIndexKeysOf(newT, c.NewIndex)
		if err != nil {
			return err
		}
		// abortConflictingWriters both consumes (deletes) and aborts
		// the rest of this key's write set; it must run before any
		// other deletion of the same key, or the writers it is meant
		// to abort are gone by the time it reads the set.
		for _, k := range keys {
			c.abortConflictingWriters(k, stmt)
		}
	}
	return nil
}

// abortConflictingWriters aborts every other in-flight transaction
// whose write set claims newKey, per spec.md §4.6's "optimistic
// writers that would have duplicated" rule.
func (c *Context) abortConflictingWriters(newKey string, self *txn.Statement) {
	c.mu.Lock()
	entries := c.writeSet[newKey]
	delete(c.writeSet, newKey)
	c.mu.Unlock()
	for _, e := range entries {
		if e.stmt == self {
			continue
		}
		if tx := e.stmt.Txn(); tx != nil {
			tx.Abort(diag.New(diag.TransactionConflict, "index build: conflicting write observed by a concurrent index build"))
		}
	}
}

// statementMark computes the statement's mark (the greater of old/new
// under cmp_def) and whether the scan has already confirmed it.
func (c *Context) statementMark(old, newT *tuple.Tuple) (string, bool, error) {
	var mark string
	for _, t := range []*tuple.Tuple{old, newT} {
		if t == nil {
			continue
		}
		m, err := markOf(t, c.PKDef)
		if err != nil {
			return "", false, err
		}
		if m > mark {
			mark = m
		}
	}
	c.mu.Lock()
	seen := mark <= c.cursorMark || c.inProcessedLocked(mark)
	c.mu.Unlock()
	return mark, seen, nil
}

// onStatementRollback is spec.md §4.6's "On rollback" stage.
func (c *Context) onStatementRollback(old, newT *tuple.Tuple, stmt *txn.Statement) error {
	if !stmt.BeforeCommitRan() {
		if newT != nil {
			keys, err := newIndexKeysOf(newT, c.NewIndex)
			if err != nil {
				return err
			}
			c.mu.Lock()
			for _, k := range keys {
				remaining := c.writeSet[k][:0]
				for _, e := range c.writeSet[k] {
					if e.stmt != stmt {
						remaining = append(remaining, e)
					}
				}
				c.writeSet[k] = remaining
			}
			c.mu.Unlock()
		}
		return nil
	}

	mark, _, err := c.statementMark(old, newT)
	if err != nil {
		return err
	}
	var oldForMirror *tuple.Tuple
	c.mu.Lock()
	seen := mark <= c.cursorMark || c.inProcessedLocked(mark)
	if seen {
		oldForMirror = old
		keys, _ := newIndexKeysOf(old, c.NewIndex)
		for _, k := range keys {
			if c.notConfirmed[k] > 0 {
				c.notConfirmed[k]--
			}
		}
	}
	c.mu.Unlock()

	if _, err := c.NewIndex.Replace(newT, oldForMirror, index.InsertOrReplace); err != nil {
		return err
	}
	if old != nil {
		keys, err := newIndexKeysOf(old, c.NewIndex)
		if err == nil {
			for _, k := range keys {
				c.abortConflictingWriters(k, stmt)
			}
		}
	}
	return nil
}
