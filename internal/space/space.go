// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package space implements the Space data type and space_replace
// (spec.md §3 Space, §4.3). Space has no destroy step: nothing in this
// package drops a space's indexes or releases the format reference New
// takes; an unreferenced space, its indexes and their tuples are left
// to the garbage collector.
package space

import (
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/tuple"
)

// Def is a space's immutable identity plus DDL-visible flags.
type Def struct {
	ID       uint64
	Name     string
	Arity    int
	Temporary bool // "data-temporary": not durable, §4.3/§4.7
	Local    bool // not replicated
}

// ReplaceTrigger observes every successful space_replace.
type ReplaceTrigger func(sp *Space, old, newT *tuple.Tuple) error

// TriggerHandle identifies one registered ReplaceTrigger so it can be
// detached later (e.g. the online builder's mirror trigger, removed
// when the build ends) without relying on func value identity, which
// Go does not define for closures.
type TriggerHandle struct {
	fn ReplaceTrigger
}

// BeforeReplaceTrigger runs ahead of the cross-index mutation, with old
// still live and newT not yet installed in any index: TRIGGER_BEFORE's
// row is still the pre-image, so a non-nil error here aborts the
// replace before any index has been touched (sql/trigger.c's
// TRIGGER_BEFORE firing point, one step ahead of sql/trigger.c's
// TRIGGER_AFTER which this package's existing ReplaceTrigger models).
type BeforeReplaceTrigger func(sp *Space, old, newT *tuple.Tuple) error

// BeforeTriggerHandle identifies one registered BeforeReplaceTrigger.
type BeforeTriggerHandle struct {
	fn BeforeReplaceTrigger
}

// HolderType enumerates space-cache pin reasons (spec.md §4.4).
type HolderType int

const (
	HolderForeignKey HolderType = iota
)

// Holder is an entry in a space's pin list — see cache.Pin/Unpin.
type Holder struct {
	Owner     interface{}
	Type      HolderType
	SelfPin   bool
	OnReplace func(old *Space)
}

// Space is a table: tuples plus its ordered indexes, format and
// metadata (spec.md §3 Space).
type Space struct {
	Def     Def
	Format  *tuple.Format
	Indexes []index.Index // Indexes[0] is primary, unique, mandatory

	onReplace     []*TriggerHandle
	beforeReplace []*BeforeTriggerHandle
	holders       []*Holder
}

func New(def Def, format *tuple.Format, indexes []index.Index) (*Space, error) {
	if len(indexes) == 0 {
		return nil, diag.New(diag.InternalError, "space requires at least a primary index")
	}
	if !indexes[0].KeyDef().IsUnique {
		return nil, diag.New(diag.InternalError, "indexes[0] (primary) must be unique")
	}
	return &Space{Def: def, Format: format.Ref(), Indexes: indexes}, nil
}

func (sp *Space) Primary() index.Index { return sp.Indexes[0] }

func (sp *Space) IndexByID(iid int) index.Index {
	if iid < 0 || iid >= len(sp.Indexes) {
		return nil
	}
	return sp.Indexes[iid]
}

// AddReplaceTrigger registers t and returns a handle that uniquely
// identifies this registration, for later RemoveReplaceTrigger calls
// (the online builder detaches its mirror trigger this way once the
// build completes or aborts).
func (sp *Space) AddReplaceTrigger(t ReplaceTrigger) *TriggerHandle {
	h := &TriggerHandle{fn: t}
	sp.onReplace = append(sp.onReplace, h)
	return h
}

// RemoveReplaceTrigger detaches the trigger registered under h, if
// still present. A no-op if h has already been removed.
func (sp *Space) RemoveReplaceTrigger(h *TriggerHandle) {
	for i, e := range sp.onReplace {
		if e == h {
			sp.onReplace = append(sp.onReplace[:i], sp.onReplace[i+1:]...)
			return
		}
	}
}

func (sp *Space) OnReplaceTriggers() []*TriggerHandle { return sp.onReplace }

func (sp *Space) SetOnReplaceTriggers(ts []*TriggerHandle) { sp.onReplace = ts }

// AddBeforeReplaceTrigger registers a BeforeReplaceTrigger, run in
// registration order ahead of the cross-index mutation.
func (sp *Space) AddBeforeReplaceTrigger(t BeforeReplaceTrigger) *BeforeTriggerHandle {
	h := &BeforeTriggerHandle{fn: t}
	sp.beforeReplace = append(sp.beforeReplace, h)
	return h
}

// RemoveBeforeReplaceTrigger detaches h, if still present.
func (sp *Space) RemoveBeforeReplaceTrigger(h *BeforeTriggerHandle) {
	for i, e := range sp.beforeReplace {
		if e == h {
			sp.beforeReplace = append(sp.beforeReplace[:i], sp.beforeReplace[i+1:]...)
			return
		}
	}
}

// pinHolders / AddHolder / RemoveHolder are used by the cache package,
// which owns pin semantics; Space only stores the list.
func (sp *Space) Holders() []*Holder { return sp.holders }

func (sp *Space) AddHolder(h *Holder) { sp.holders = append(sp.holders, h) }

func (sp *Space) RemoveHolder(h *Holder) {
	for i, e := range sp.holders {
		if e == h {
			sp.holders = append(sp.holders[:i], sp.holders[i+1:]...)
			return
		}
	}
}

// IsPinned reports whether any non-self holder (of the given type, if
// typ != nil) is attached — the cache's "may this space only be
// replaced, never deleted" predicate.
func (sp *Space) IsPinned(typ *HolderType) bool {
	for _, h := range sp.holders {
		if h.SelfPin {
			continue
		}
		if typ != nil && h.Type != *typ {
			continue
		}
		return true
	}
	return false
}

// Replace performs an atomic cross-index replace (spec.md §4.3).
func (sp *Space) Replace(old, newT *tuple.Tuple, mode index.Mode) (*tuple.Tuple, error) {
	if newT != nil && newT.Format() != sp.Format {
		return nil, diag.New(diag.InternalError, "tuple format does not match space format")
	}

	for _, h := range sp.beforeReplace {
		if err := h.fn(sp, old, newT); err != nil {
			return nil, err
		}
	}

	canonicalOld, err := sp.Indexes[0].Replace(old, newT, mode)
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(sp.Indexes); i++ {
		if _, err := sp.Indexes[i].Replace(canonicalOld, newT, index.InsertOrReplace); err != nil {
			for k := i - 1; k >= 0; k-- {
				// compensation is guaranteed infallible: undo with the
				// exact same parameters swapped.
				sp.Indexes[k].Replace(newT, canonicalOld, index.InsertOrReplace)
			}
			return nil, err
		}
	}

	if newT != nil {
		newT.Ref()
	}
	if canonicalOld != nil {
		canonicalOld.Unref()
	}

	for _, h := range sp.onReplace {
		if err := h.fn(sp, canonicalOld, newT); err != nil {
			return canonicalOld, err
		}
	}

	return canonicalOld, nil
}
