// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package cache implements the process-wide space cache, pin holders
// and weak index references (spec.md §3 Space cache, §4.4, §9).
// Encapsulated in an explicit Cache struct rather than package-level
// globals, so tests can run isolated engines (§9 "Global state").
package cache

import (
	"sync/atomic"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/space"
)

// AlterSpaceTrigger observes cache_replace (spec.md §4.4:
// "fire on_alter_space triggers").
type AlterSpaceTrigger func(old, newSp *space.Space) error

// InvalidateFunc aborts transactions still referencing a space that
// was just replaced out from under them.
type InvalidateFunc func(old *space.Space)

type Cache struct {
	byID   map[uint64]*space.Space
	byName map[string]*space.Space
	version uint64

	onAlterSpace []AlterSpaceTrigger
	invalidate   InvalidateFunc
}

func New(invalidate InvalidateFunc) *Cache {
	return &Cache{
		byID:       make(map[uint64]*space.Space),
		byName:     make(map[string]*space.Space),
		invalidate: invalidate,
	}
}

func (c *Cache) Version() uint64 { return atomic.LoadUint64(&c.version) }

func (c *Cache) bump() { atomic.AddUint64(&c.version, 1) }

func (c *Cache) ByID(id uint64) *space.Space     { return c.byID[id] }
func (c *Cache) ByName(name string) *space.Space { return c.byName[name] }

func (c *Cache) AddAlterTrigger(t AlterSpaceTrigger) { c.onAlterSpace = append(c.onAlterSpace, t) }

// ForEach walks all spaces, system spaces (id < 512, by convention)
// first in ascending id order, as recovery requires (spec.md §4.3).
func (c *Cache) ForEach(visit func(*space.Space) error) error {
	ids := make([]uint64, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	// simple ascending sort without importing sort twice across files
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	for _, id := range ids {
		if err := visit(c.byID[id]); err != nil {
			return err
		}
	}
	return nil
}

// Replace implements cache_replace's three cases (spec.md §4.4).
func (c *Cache) Replace(old, newSp *space.Space) error {
	switch {
	case old == nil && newSp != nil: // insert
		c.byID[newSp.Def.ID] = newSp
		c.byName[newSp.Def.Name] = newSp
		c.bump()
		return nil

	case old != nil && newSp == nil: // delete
		if old.IsPinned(nil) {
			panic(diag.New(diag.InternalError, "cache delete would leave a non-self holder dangling"))
		}
		delete(c.byID, old.Def.ID)
		delete(c.byName, old.Def.Name)
		c.bump()
		for _, t := range c.onAlterSpace {
			if err := t(old, nil); err != nil {
				return err
			}
		}
		return nil

	case old != nil && newSp != nil && old.Def.ID == newSp.Def.ID: // replace
		if old.Def.Name != newSp.Def.Name {
			delete(c.byName, old.Def.Name)
		}
		c.byID[newSp.Def.ID] = newSp
		c.byName[newSp.Def.Name] = newSp

		for _, h := range append([]*space.Holder(nil), old.Holders()...) {
			newSp.AddHolder(h)
			if h.OnReplace != nil {
				h.OnReplace(old)
			}
		}

		c.bump()
		for _, t := range c.onAlterSpace {
			if err := t(old, newSp); err != nil {
				return err
			}
		}
		if c.invalidate != nil {
			c.invalidate(old)
		}
		return nil

	default:
		return diag.New(diag.InternalError, "cache_replace: invalid (old, new) combination")
	}
}

// Pin attaches a holder to sp's pin list (spec.md §4.4).
func Pin(sp *space.Space, owner interface{}, onReplace func(old *space.Space), typ space.HolderType, selfpin bool) *space.Holder {
	h := &space.Holder{Owner: owner, Type: typ, SelfPin: selfpin, OnReplace: onReplace}
	sp.AddHolder(h)
	return h
}

func Unpin(sp *space.Space, h *space.Holder) {
	sp.RemoveHolder(h)
}

// WeakIndexRef is (space_id, index_id, last_version, cached pointers),
// revalidated only when cache_version has moved (spec.md §3, §9). An
// ephemeral space (SpaceID == 0) is strong by construction: Check is a
// no-op, per the spec's explicit carve-out.
type WeakIndexRef struct {
	SpaceID     uint64
	IndexID     int
	lastVersion uint64
	sp          *space.Space
	ix          interface{}

	cache *Cache
}

func NewWeakIndexRef(c *Cache, sp *space.Space, iid int) *WeakIndexRef {
	return &WeakIndexRef{
		SpaceID:     sp.Def.ID,
		IndexID:     iid,
		lastVersion: c.Version(),
		sp:          sp,
		ix:          sp.IndexByID(iid),
		cache:       c,
	}
}

// Check revalidates the reference, re-resolving space/index pointers
// if cache_version has changed since it was last checked.
func (w *WeakIndexRef) Check() bool {
	if w.SpaceID == 0 {
		return true // ephemeral space: pinned by direct ownership
	}
	if w.lastVersion == w.cache.Version() {
		return w.ix != nil
	}
	sp := w.cache.ByID(w.SpaceID)
	if sp == nil {
		w.sp, w.ix = nil, nil
		w.lastVersion = w.cache.Version()
		return false
	}
	w.sp = sp
	w.ix = sp.IndexByID(w.IndexID)
	w.lastVersion = w.cache.Version()
	return w.ix != nil
}

func (w *WeakIndexRef) Space() *space.Space { return w.sp }
func (w *WeakIndexRef) Index() interface{}  { return w.ix }
