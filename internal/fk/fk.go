// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package fk implements the foreign-key tuple constraint (spec.md
// §4.7): a local space's rows reference a unique index of a foreign
// space, checked at insert and protected at delete.
package fk

import (
	"strings"

	"github.com/inmemdb/engine/internal/cache"
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/space"
	"github.com/inmemdb/engine/internal/tuple"
)

// Link pairs one local field with the field of the foreign space it
// references, named rather than numbered so the constraint survives
// the foreign space being replaced out from under it (spec.md §4.7
// "cache attach ... re-resolves field numbers").
type Link struct {
	LocalFieldNo int
	ForeignField string
}

// Constraint is one foreign-key tuple constraint: Local references
// ForeignIndexID of the space pinned via Cache, through Links given in
// that index's key-part order.
type Constraint struct {
	Name           string
	Local          *space.Space
	ForeignSpaceID uint64
	ForeignIndexID int
	LocalIndexID   int // a local index keyed the same way, used by CheckDelete's reverse lookup
	Links          []Link

	// IsRecovering, when non-nil and true, makes CheckInsert a no-op:
	// referenced data may not be loaded yet during snapshot/WAL
	// recovery (spec.md §4.7).
	IsRecovering func() bool

	cache   *cache.Cache
	pin     *space.Holder
	foreign *space.Space
	fidx    index.Index
	err     error // sticky: set when re-resolution after a foreign replace fails
}

// New constructs and attaches a constraint: it pins the foreign space
// so it cannot be dropped out from under the reference (only replaced),
// and resolves Links against the foreign index's current key def.
func New(c *cache.Cache, name string, local *space.Space, foreignSpaceID uint64, foreignIndexID, localIndexID int, links []Link, isRecovering func() bool) (*Constraint, error) {
	foreign := c.ByID(foreignSpaceID)
	if foreign == nil {
		return nil, diag.Newf(diag.NotFound, "foreign key %s: foreign space %d not found", name, foreignSpaceID)
	}
	if foreign.Def.Temporary && !local.Def.Temporary {
		return nil, diag.Newf(diag.Unsupported, "foreign key %s: a data-temporary space may not be referenced from a non-data-temporary space", name)
	}

	fk := &Constraint{
		Name:           name,
		Local:          local,
		ForeignSpaceID: foreignSpaceID,
		ForeignIndexID: foreignIndexID,
		LocalIndexID:   localIndexID,
		Links:          links,
		IsRecovering:   isRecovering,
		cache:          c,
	}
	if err := fk.resolve(foreign); err != nil {
		return nil, err
	}
	fk.pin = cache.Pin(foreign, fk, fk.onForeignReplace, space.HolderForeignKey, foreign == local)
	return fk, nil
}

// Detach unpins the foreign space; called when the owning local space
// or the constraint itself is dropped.
func (c *Constraint) Detach() {
	if c.pin != nil {
		cache.Unpin(c.foreign, c.pin)
		c.pin = nil
	}
}

// resolve binds the constraint to sp's current foreign index and
// re-validates that every Link's foreign field still exists.
func (c *Constraint) resolve(sp *space.Space) error {
	fidx := sp.IndexByID(c.ForeignIndexID)
	if fidx == nil || !fidx.KeyDef().IsUnique {
		return diag.Newf(diag.InternalError, "foreign key %s: foreign index %d must exist and be unique", c.Name, c.ForeignIndexID)
	}
	if fidx.KeyDef().PartCount() != len(c.Links) {
		return diag.Newf(diag.InternalError, "foreign key %s: foreign index part count no longer matches its link count", c.Name)
	}
	for i, part := range fidx.KeyDef().Parts {
		if part.FieldNo < 0 || part.FieldNo >= len(sp.Format.Fields) {
			return diag.Newf(diag.InternalError, "foreign key %s: foreign index field %d out of range", c.Name, i)
		}
		if sp.Format.Fields[part.FieldNo].Name != c.Links[i].ForeignField {
			return diag.Newf(diag.InternalError, "foreign key %s: foreign field %q no longer at index position %d", c.Name, c.Links[i].ForeignField, i)
		}
	}
	c.foreign = sp
	c.fidx = fidx
	c.err = nil
	return nil
}

// onForeignReplace is the cache-pin on_replace callback (spec.md
// §4.4/§4.7): re-resolve against the space that replaced old, sticky-
// failing the constraint if the new space no longer fits.
func (c *Constraint) onForeignReplace(old *space.Space) {
	newSp := c.cache.ByID(c.ForeignSpaceID)
	if newSp == nil {
		c.err = diag.Newf(diag.NotFound, "foreign key %s: foreign space %d no longer exists", c.Name, c.ForeignSpaceID)
		return
	}
	if err := c.resolve(newSp); err != nil {
		c.err = err
	}
}

func (c *Constraint) fieldPath() string {
	names := make([]string, len(c.Links))
	for i, l := range c.Links {
		names[i] = l.ForeignField
	}
	return strings.Join(names, ".")
}

// CheckInsert validates newT's referenced fields against the foreign
// index (spec.md §4.7 "Insert check"). An all-null key is treated as
// an absent (nullable) reference and skipped.
func (c *Constraint) CheckInsert(newT *tuple.Tuple) error {
	if c.IsRecovering != nil && c.IsRecovering() {
		return nil
	}
	if c.err != nil {
		return c.err
	}

	vals := make([]interface{}, len(c.Links))
	allNull := true
	for i, l := range c.Links {
		v, err := newT.FieldValue(l.LocalFieldNo)
		if err != nil {
			return err
		}
		vals[i] = v
		if v != nil {
			allNull = false
		}
	}
	if allNull {
		return nil
	}

	found, err := c.fidx.FindByKey(vals, len(vals))
	if err != nil {
		return err
	}
	if found != nil {
		return nil
	}

	attrs := map[string]interface{}{"name": c.Name, "field_path": c.fieldPath()}
	if len(c.Links) == 1 {
		attrs["field_id"] = c.Links[0].LocalFieldNo
		return diag.Newf(diag.FieldForeignKeyFailed, "foreign key %s: referenced tuple not found", c.Name).WithAttrs(attrs)
	}
	return diag.Newf(diag.ComplexForeignKeyFailed, "foreign key %s: referenced tuple not found", c.Name).WithAttrs(attrs)
}

// CheckDelete validates that deleting (or replacing) a foreign-space
// tuple does not orphan a referencing local row (spec.md §4.7 "Delete
// check"). deleted and replacedWith are both tuples of the foreign
// space; replacedWith is nil for a pure delete.
func (c *Constraint) CheckDelete(deleted, replacedWith *tuple.Tuple) error {
	if c.err != nil {
		return c.err
	}
	if deleted == nil {
		return nil
	}
	if replacedWith != nil {
		same, err := c.fidx.KeyDef().Compare(deleted, replacedWith)
		if err != nil {
			return err
		}
		if same == 0 {
			return nil
		}
	}

	vals := make([]interface{}, c.fidx.KeyDef().PartCount())
	for i, part := range c.fidx.KeyDef().Parts {
		v, err := deleted.FieldValue(part.FieldNo)
		if err != nil {
			return err
		}
		vals[i] = v
	}

	localIdx := c.Local.IndexByID(c.LocalIndexID)
	if localIdx == nil {
		return diag.Newf(diag.InternalError, "foreign key %s: local index %d not found", c.Name, c.LocalIndexID)
	}
	it, err := localIdx.Iterator(index.IterEQ, vals, len(vals))
	if err != nil {
		return err
	}
	defer it.Close()
	referencing, err := it.Next()
	if err != nil {
		return err
	}
	if referencing != nil {
		return diag.Newf(diag.ForeignKeyIntegrity, "foreign key %s: a referencing tuple still exists", c.Name).WithAttrs(map[string]interface{}{"name": c.Name})
	}
	return nil
}
