// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package blackhole implements the blackhole index kind (spec.md
// §4.2): accepts INSERT-only replace and fails everything else with
// Unsupported. It never holds tuples; used to materialise side-effects
// (e.g. trigger fan-out) without persistence.
package blackhole

import (
	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

type Index struct {
	name string
	kd   *keydef.KeyDef
}

func New(name string, kd *keydef.KeyDef) *Index {
	return &Index{name: name, kd: kd}
}

func (ix *Index) Name() string           { return ix.name }
func (ix *Index) KeyDef() *keydef.KeyDef { return ix.kd }
func (ix *Index) Size() (uint64, error)  { return 0, nil }
func (ix *Index) Min() (*tuple.Tuple, error)    { return nil, nil }
func (ix *Index) Max() (*tuple.Tuple, error)    { return nil, nil }
func (ix *Index) Random(uint32) (*tuple.Tuple, error) { return nil, nil }

func (ix *Index) FindByKey([]interface{}, int) (*tuple.Tuple, error) {
	return nil, diag.New(diag.Unsupported, "blackhole index has no data to find")
}

func (ix *Index) Replace(old, newT *tuple.Tuple, mode index.Mode) (*tuple.Tuple, error) {
	if mode != index.Insert || old != nil {
		return nil, diag.New(diag.Unsupported, "blackhole index only accepts INSERT replace")
	}
	return nil, nil
}

func (ix *Index) Iterator(index.IterType, []interface{}, int) (index.Iterator, error) {
	return nil, diag.New(diag.Unsupported, "blackhole index has no iterator")
}

func (ix *Index) Build(index.Index) error              { return nil }
func (ix *Index) BeginBuild() error                    { return nil }
func (ix *Index) BuildNext(*tuple.Tuple) error          { return nil }
func (ix *Index) EndBuild() error                       { return nil }

func init() {
	index.Register(index.KindBlackhole, func(name string, kd *keydef.KeyDef) (index.Index, error) {
		return New(name, kd), nil
	})
}
