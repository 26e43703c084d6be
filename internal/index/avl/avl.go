// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package avl implements the AVL-tree index kind (spec.md §4.2): one
// tuple pointer per node, standard single/double-rotation rebalancing,
// O(log n) deletion cost.
package avl

import (
	"math/rand"

	"github.com/inmemdb/engine/internal/diag"
	"github.com/inmemdb/engine/internal/index"
	"github.com/inmemdb/engine/internal/keydef"
	"github.com/inmemdb/engine/internal/tuple"
)

// FailNextAlloc lets tests force the next node allocation to fail with
// MemoryIssue, the "injection point" the spec calls for.
var FailNextAlloc bool

type node struct {
	t           *tuple.Tuple
	left, right *node
	height      int8
}

func height(n *node) int8 {
	if n == nil {
		return 0
	}
	return n.height
}

func max8(a, b int8) int8 {
	if a > b {
		return a
	}
	return b
}

func newNode(t *tuple.Tuple) (*node, error) {
	if FailNextAlloc {
		FailNextAlloc = false
		return nil, diag.New(diag.MemoryIssue, "avl node allocation injected failure")
	}
	return &node{t: t, height: 1}, nil
}

func (n *node) update() {
	n.height = 1 + max8(height(n.left), height(n.right))
}

func balanceFactor(n *node) int8 {
	if n == nil {
		return 0
	}
	return height(n.left) - height(n.right)
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	y.update()
	x.update()
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	x.update()
	y.update()
	return y
}

func rebalance(n *node) *node {
	n.update()
	bf := balanceFactor(n)
	if bf > 1 {
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bf < -1 {
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// Tree is an AVL-tree Index.
type Tree struct {
	name string
	kd   *keydef.KeyDef
	root *node
	n    uint64
}

func New(name string, kd *keydef.KeyDef) *Tree {
	return &Tree{name: name, kd: kd}
}

func (t *Tree) Name() string            { return t.name }
func (t *Tree) KeyDef() *keydef.KeyDef  { return t.kd }
func (t *Tree) Size() (uint64, error)   { return t.n, nil }

func (t *Tree) cmp(a, b *tuple.Tuple) (int, error) { return t.kd.Compare(a, b) }

func (t *Tree) Min() (*tuple.Tuple, error) {
	n := t.root
	if n == nil {
		return nil, nil
	}
	for n.left != nil {
		n = n.left
	}
	return n.t, nil
}

func (t *Tree) Max() (*tuple.Tuple, error) {
	n := t.root
	if n == nil {
		return nil, nil
	}
	for n.right != nil {
		n = n.right
	}
	return n.t, nil
}

func (t *Tree) Random(seed uint32) (*tuple.Tuple, error) {
	if t.n == 0 {
		return nil, nil
	}
	r := rand.New(rand.NewSource(int64(seed)))
	target := r.Intn(int(t.n))
	var found *tuple.Tuple
	i := 0
	t.inorder(t.root, func(tp *tuple.Tuple) bool {
		if i == target {
			found = tp
			return false
		}
		i++
		return true
	})
	return found, nil
}

func (t *Tree) inorder(n *node, visit func(*tuple.Tuple) bool) bool {
	if n == nil {
		return true
	}
	if !t.inorder(n.left, visit) {
		return false
	}
	if !visit(n.t) {
		return false
	}
	return t.inorder(n.right, visit)
}

func (t *Tree) findNodeByKey(key []interface{}, partCount int) (*node, error) {
	n := t.root
	for n != nil {
		c, err := t.kd.CompareWithKey(n.t, key, partCount)
		if err != nil {
			return nil, err
		}
		switch {
		case c == 0:
			return n, nil
		case c < 0:
			n = n.right
		default:
			n = n.left
		}
	}
	return nil, nil
}

func (t *Tree) FindByKey(key []interface{}, partCount int) (*tuple.Tuple, error) {
	if !t.kd.IsUnique || partCount != t.kd.PartCount() {
		return nil, diag.New(diag.Unsupported, "FindByKey requires a unique index and full key")
	}
	n, err := t.findNodeByKey(key, partCount)
	if err != nil || n == nil {
		return nil, err
	}
	return n.t, nil
}

func (t *Tree) findDuplicate(newT *tuple.Tuple) (*node, error) {
	if !t.kd.IsUnique {
		return nil, nil
	}
	n := t.root
	for n != nil {
		c, err := t.cmp(newT, n.t)
		if err != nil {
			return nil, err
		}
		switch {
		case c == 0:
			return n, nil
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil, nil
}

// Replace implements the vtable replace contract (spec.md §4.2).
func (t *Tree) Replace(old, newT *tuple.Tuple, mode index.Mode) (*tuple.Tuple, error) {
	var removed *tuple.Tuple

	if t.kd.IsUnique && newT != nil {
		dup, err := t.findDuplicate(newT)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			sameAsOld := old != nil && dup.t == old
			switch mode {
			case index.Insert:
				if !sameAsOld {
					return nil, diag.DuplicateKeyErr(t.name, dup.t, newT)
				}
			case index.Replace, index.InsertOrReplace:
				// fall through: remove dup (or old), insert new below
			}
			removed = dup.t
			var err error
			t.root, err = t.remove(t.root, dup.t)
			if err != nil {
				return nil, err
			}
			t.n--
		} else if mode == index.Replace {
			return nil, diag.New(diag.NotFound, "no tuple with matching key for REPLACE")
		}
	}

	if old != nil && removed == nil {
		var err error
		t.root, err = t.remove(t.root, old)
		if err != nil {
			return nil, err
		}
		t.n--
		removed = old
	}

	if newT != nil {
		nn, err := newNode(newT)
		if err != nil {
			// undo removal to keep the index consistent on MemoryIssue
			if removed != nil {
				if rn, rerr := newNode(removed); rerr == nil {
					t.root = t.insert(t.root, rn)
					t.n++
				}
			}
			return nil, err
		}
		t.root = t.insert(t.root, nn)
		t.n++
	}
	return removed, nil
}

func (t *Tree) insert(n *node, nn *node) *node {
	if n == nil {
		return nn
	}
	c, _ := t.cmp(nn.t, n.t)
	if c < 0 {
		n.left = t.insert(n.left, nn)
	} else {
		n.right = t.insert(n.right, nn)
	}
	return rebalance(n)
}

func (t *Tree) remove(n *node, target *tuple.Tuple) (*node, error) {
	if n == nil {
		return nil, nil
	}
	c, err := t.cmp(target, n.t)
	if err != nil {
		return nil, err
	}
	switch {
	case c < 0:
		n.left, err = t.remove(n.left, target)
	case c > 0:
		n.right, err = t.remove(n.right, target)
	default:
		if n.left == nil {
			return n.right, nil
		}
		if n.right == nil {
			return n.left, nil
		}
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.t = succ.t
		n.right, err = t.remove(n.right, succ.t)
	}
	if err != nil {
		return nil, err
	}
	return rebalance(n), nil
}

func (t *Tree) Iterator(typ index.IterType, key []interface{}, partCount int) (index.Iterator, error) {
	var items []*tuple.Tuple
	t.inorder(t.root, func(tp *tuple.Tuple) bool {
		items = append(items, tp)
		return true
	})
	return index.NewSliceIterator(t.kd, typ, key, partCount, items)
}

func (t *Tree) Build(pk index.Index) error {
	it, err := pk.Iterator(index.IterAll, nil, 0)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		tp, err := it.Next()
		if err != nil {
			return err
		}
		if tp == nil {
			break
		}
		if _, err := t.Replace(nil, tp, index.InsertOrReplace); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) BeginBuild() error              { return nil }
func (t *Tree) BuildNext(tp *tuple.Tuple) error { _, err := t.Replace(nil, tp, index.InsertOrReplace); return err }
func (t *Tree) EndBuild() error                { return nil }

func init() {
	index.Register(index.KindAVL, func(name string, kd *keydef.KeyDef) (index.Index, error) {
		return New(name, kd), nil
	})
}
