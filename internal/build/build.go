// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package build implements the online index builder (spec.md §4.6):
// a background scan over a space's primary index that populates a new
// index while ordinary DML keeps running against the space, kept
// consistent with the scan via an on_replace mirror and a
// before_commit/on_commit/on_rollback statement trigger chain.
package build

import (
	"sort"
	"sync"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
	"github.com/inmemdb/engine/internal/txn"
)

// writeEntry is one in-flight (not yet committed) insertion tracked in
// the write set, keyed by its new-index key.
type writeEntry struct {
	newTuple *tuple.Tuple
	oldTuple *tuple.Tuple
	stmt     *txn.Statement
}

// Context is index_build_ctx (spec.md §4.6).
type Context struct {
	Space       *space.Space // source space being scanned
	NewIndex    index.Index
	NewFormat   *tuple.Format
	PKDef       *keydef.KeyDef // cmp_def: old primary's key def, for scan ordering
	CheckUnique bool
	CanYield    bool
	YieldEvery  int

	// CurrentStatement, when set, lets the on_replace trigger install
	// its before_commit/on_commit/on_rollback triggers on the
	// statement actually performing the concurrent DML. Left nil
	// outside the VM's statement loop: the mirror still keeps the new
	// index consistent with confirmed replaces, but optimistic
	// (not-yet-committed) conflict detection via the write set is
	// skipped, since there is no statement to hang triggers off of.
	CurrentStatement func() *txn.Statement

	// OnTuple, when set, is invoked once per source tuple successfully
	// mirrored into the new index, letting a caller maintain a scan-rate
	// meter (internal/metrics) without this package importing it.
	OnTuple func()

	mu           sync.Mutex
	cursor       *tuple.Tuple
	cursorMark   string
	writeSet     map[string][]*writeEntry // new-index key -> in-flight entries
	processed    []string                 // sorted primary-key marks, ascending
	notConfirmed map[string]int           // new-index key -> pending-delete count

	failed bool
	diag   error

	handle *space.TriggerHandle
}

// NewContext builds an index_build_ctx for populating newIx, scanning
// sp's primary key order (pkDef).
func NewContext(sp *space.Space, newIx index.Index, newFormat *tuple.Format, pkDef *keydef.KeyDef, checkUnique, canYield bool, yieldEvery int) *Context {
	if yieldEvery <= 0 {
		yieldEvery = 1024
	}
	return &Context{
		Space:       sp,
		NewIndex:    newIx,
		NewFormat:   newFormat,
		PKDef:       pkDef,
		CheckUnique: checkUnique,
		CanYield:    canYield,
		YieldEvery:  yieldEvery,

		writeSet:     make(map[string][]*writeEntry),
		notConfirmed: make(map[string]int),
	}
}

// Attach installs the on_replace mirror for the duration of the build
// (spec.md §4.6 step 1).
func (c *Context) Attach() {
	c.handle = c.Space.AddReplaceTrigger(c.onReplace)
}

// Detach removes the mirror; called once the build (and all in-flight
// triggers for the statements it observed) have finished.
func (c *Context) Detach() {
	if c.handle != nil {
		c.Space.RemoveReplaceTrigger(c.handle)
		c.handle = nil
	}
}

func (c *Context) markFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.failed {
		c.failed = true
		c.diag = err
	}
}

func (c *Context) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag
}

func markOf(t *tuple.Tuple, pkDef *keydef.KeyDef) (string, error) {
	enc, err := pkDef.ExtractKey(t, -1)
	if err != nil {
		return "", err
	}
	if len(enc) != 1 {
		return "", diag.New(diag.InternalError, "primary key must not be multikey")
	}
	return string(enc[0]), nil
}

func newIndexKeysOf(t *tuple.Tuple, ix index.Index) ([]string, error) {
	enc, err := ix.KeyDef().ExtractKey(t, -1)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(enc))
	for i, e := range enc {
		out[i] = string(e)
	}
	return out, nil
}

// Run drives spec.md §4.6 steps 3-4: scan the source primary, mirror
// confirmed tuples into the new index, yielding every YieldEvery
// tuples via the supplied callback (nil if CanYield is false).
func (c *Context) Run(yield func() error) error {
	it, err := c.Space.Primary().Iterator(index.IterAll, nil, 0)
	if err != nil {
		return err
	}
	defer it.Close()

	mode := index.InsertOrReplace
	if c.CheckUnique {
		mode = index.Insert
	}

	counter := 0
	for {
		tp, err := it.Next()
		if err != nil {
			return err
		}
		if tp == nil {
			break
		}

		mark, err := markOf(tp, c.PKDef)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.trimProcessedLocked(mark)
		skip := c.inProcessedLocked(mark)
		c.mu.Unlock()
		if skip {
			continue
		}

		if err := validateAgainstFormat(tp, c.NewFormat); err != nil {
			return diag.Wrap(diag.InternalError, err, "index build: tuple does not satisfy new format")
		}

		if c.CheckUnique {
			keys, err := newIndexKeysOf(tp, c.NewIndex)
			if err != nil {
				return err
			}
			c.mu.Lock()
			for _, k := range keys {
				if c.notConfirmed[k] > 0 {
					c.mu.Unlock()
					return diag.New(diag.DuplicateKey, "index build: conflicts with a pending uncommitted delete")
				}
			}
			c.mu.Unlock()
		}

		if _, err := c.NewIndex.Replace(nil, tp, mode); err != nil {
			return err
		}

		c.mu.Lock()
		if c.cursor != nil {
			c.cursor.Unref()
		}
		c.cursor = tp.Ref()
		c.cursorMark = mark
		c.mu.Unlock()

		if c.OnTuple != nil {
			c.OnTuple()
		}

		counter++
		if c.CanYield && yield != nil && counter%c.YieldEvery == 0 {
			if err := yield(); err != nil {
				return err
			}
			if err := c.failure(); err != nil {
				return err
			}
		}
	}
	return c.finalize()
}

// finalize is vtab.finalize: a no-op for this in-memory engine, kept
// as a named step because a disk-backed index kind would flush here.
func (c *Context) finalize() error { return nil }

func (c *Context) trimProcessedLocked(mark string) {
	i := sort.SearchStrings(c.processed, mark)
	c.processed = c.processed[i:]
}

func (c *Context) inProcessedLocked(mark string) bool {
	i := sort.SearchStrings(c.processed, mark)
	return i < len(c.processed) && c.processed[i] == mark
}

func (c *Context) markProcessedLocked(mark string) {
	i := sort.SearchStrings(c.processed, mark)
	if i < len(c.processed) && c.processed[i] == mark {
		return
	}
	c.processed = append(c.processed, "")
	copy(c.processed[i+1:], c.processed[i:])
	c.processed[i] = mark
}

// validateAgainstFormat checks a tuple built under the old format
// still satisfies the new one: every field beyond the old arity must
// be nullable (the row has no value for it until rewritten).
func validateAgainstFormat(t *tuple.Tuple, newFormat *tuple.Format) error {
	oldArity := t.Format().Arity()
	for i := oldArity; i < newFormat.Arity(); i++ {
		if !newFormat.FieldNullable(i) {
			return diag.Newf(diag.InternalError, "field %d is not nullable in the new format but missing from this tuple", i)
		}
	}
	return nil
}
