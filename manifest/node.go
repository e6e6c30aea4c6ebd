//
// Copyright 2024 The pipsandbox Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package manifest implements the Manifest Tree: a per-path policy prefix
// tree with cone-vs-node scopes, bottom-up policy finalization, and the
// custom binary wire format shared with the sandbox enforcement side.
//
// The mutable construction-time representation follows the same shape the
// teacher (nestybox-fs) uses for its own path-keyed lookup structure in
// handler/handlerDB.go: a tree walked from the root, one child per path
// segment, looked up by longest-prefix match. This package keeps an
// explicit child-map tree (rather than delegating directly to
// hashicorp/go-immutable-radix) because the Manifest Tree additionally
// carries per-node state (cone/node scopes and policies, expected USNs,
// finalized flag) the teacher's pure path->handler index does not need;
// pathtree.Interner underneath still uses that radix tree for identity.
package manifest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/buildxl-oss/pipsandbox/pathtree"
	"github.com/buildxl-oss/pipsandbox/policy"
	"github.com/buildxl-oss/pipsandbox/sberr"
)

// identityScope leaves a policy unchanged: no bits are cleared (mask is all
// ones) and no bits are added (values is zero).
var identityScope = policy.Scope{Mask: policy.FullMask, Values: 0}

// Node is one entry in the Manifest Tree, keyed by a single path segment
// relative to its parent.
type Node struct {
	PathID pathtree.ID

	ConeScope policy.Scope
	NodeScope policy.Scope

	ConePolicy policy.Policy
	NodePolicy policy.Policy

	ExpectedUSN uint64
	hasUSN      bool

	Children map[string]*Node

	Finalized bool

	// explicit is true only for a node that was itself the target of an
	// AddScope or AddPath call, as opposed to a scaffold node created by
	// getOrCreateChain while walking down to a deeper explicit target.
	explicit bool
}

func newNode(id pathtree.ID) *Node {
	return &Node{
		PathID:    id,
		ConeScope: identityScope,
		NodeScope: identityScope,
		Children:  make(map[string]*Node),
	}
}

// Tree is the Manifest Tree: a mutable prefix tree during construction,
// frozen (read-only) after its first serialization.
type Tree struct {
	mu        sync.RWMutex
	interner  *pathtree.Interner
	root      *Node
	finalized bool
	frozen    bool
}

// New creates an empty Manifest Tree over the given path interner. All
// PathIDs passed to Tree methods must have been interned by this same
// Interner.
func New(interner *pathtree.Interner) *Tree {
	return &Tree{
		interner: interner,
		root:     newNode(pathtree.Invalid),
	}
}

// segmentChain returns the ordered path segments from root to id (exclusive
// of the synthetic root itself), along with their PathIDs, top-down.
func (t *Tree) segmentChain(id pathtree.ID) ([]string, []pathtree.ID) {
	if id == pathtree.Invalid {
		return nil, nil
	}
	ancestors := t.interner.AncestorsBottomUp(id) // id, ..., Invalid
	ids := ancestors[:len(ancestors)-1]            // drop trailing Invalid
	segs := make([]string, len(ids))
	for i, a := range ids {
		segs[i] = t.interner.LastSegment(a)
	}
	// reverse into top-down order
	for l, r := 0, len(ids)-1; l < r; l, r = l+1, r-1 {
		ids[l], ids[r] = ids[r], ids[l]
		segs[l], segs[r] = segs[r], segs[l]
	}
	return segs, ids
}

// getOrCreateChain walks (creating as needed) the node chain from root to
// id, returning the terminal node.
func (t *Tree) getOrCreateChain(id pathtree.ID) *Node {
	if id == pathtree.Invalid {
		return t.root
	}
	segs, ids := t.segmentChain(id)
	cur := t.root
	for i, seg := range segs {
		child, ok := cur.Children[seg]
		if !ok {
			child = newNode(ids[i])
			cur.Children[seg] = child
		}
		cur = child
	}
	return cur
}

// AddScope applies a cone scope rooted at path: mask/values apply to the
// whole subtree at and under path. An invalid/empty path applies to the
// synthetic root. Requires the tree is not finalized.
func (t *Tree) AddScope(path pathtree.ID, mask, values policy.Policy) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return &sberr.ConstructionError{Op: "AddScope", Err: fmt.Errorf("tree already finalized")}
	}

	node := t.getOrCreateChain(path)
	node.ConeScope = composeScopes(node.ConeScope, policy.Scope{Mask: mask, Values: values})
	node.explicit = true
	return nil
}

// AddPath applies a node-local scope to exactly path, and optionally an
// expected USN. path must be a valid (non-root) identifier. Conflicting
// non-zero expected USNs declared for the same node is a construction
// error.
func (t *Tree) AddPath(path pathtree.ID, mask, values policy.Policy, expectedUSN uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return &sberr.ConstructionError{Op: "AddPath", Err: fmt.Errorf("tree already finalized")}
	}
	if path == pathtree.Invalid {
		return &sberr.ConstructionError{Op: "AddPath", Err: fmt.Errorf("invalid path identifier")}
	}

	node := t.getOrCreateChain(path)
	node.NodeScope = composeScopes(node.NodeScope, policy.Scope{Mask: mask, Values: values})
	node.explicit = true

	if expectedUSN != 0 {
		if node.hasUSN && node.ExpectedUSN != 0 && node.ExpectedUSN != expectedUSN {
			return &sberr.ConstructionError{
				Op:  "AddPath",
				Err: fmt.Errorf("conflicting expected USN for path: %d != %d", node.ExpectedUSN, expectedUSN),
			}
		}
		node.ExpectedUSN = expectedUSN
		node.hasUSN = true
	}

	return nil
}

// composeScopes folds a new scope application onto an existing one so that
// repeated AddScope/AddPath calls on the same node still obey the
// (p & mask) | values law as a single combined scope: applying the combined
// scope once is equivalent to applying each original scope in the order
// they were added.
func composeScopes(existing, next policy.Scope) policy.Scope {
	return policy.Scope{
		Mask:   existing.Mask & next.Mask,
		Values: (existing.Values & next.Mask) | next.Values,
	}
}

// Finalize performs the bottom-up policy computation. Idempotent.
func (t *Tree) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return
	}
	finalizeNode(t.root, 0)
	t.finalized = true
}

func finalizeNode(n *Node, parentConePolicy policy.Policy) {
	n.ConePolicy = n.ConeScope.Apply(parentConePolicy)
	n.NodePolicy = n.NodeScope.Apply(n.ConePolicy)
	n.Finalized = true

	for _, child := range n.Children {
		finalizeNode(child, n.ConePolicy)
	}
}

// FindPolicyFor returns the deepest ancestor of path that has an explicit
// manifest node (inclusive of path itself), and that node's NodePolicy. If
// no ancestor has an explicit node, the synthetic root is returned.
// Finalize is implied if not already run.
func (t *Tree) FindPolicyFor(path pathtree.ID) (manifestPath pathtree.ID, nodePolicy policy.Policy) {
	t.mu.Lock()
	if !t.finalized {
		finalizeNode(t.root, 0)
		t.finalized = true
	}
	t.mu.Unlock()

	t.mu.RLock()
	defer t.mu.RUnlock()

	segs, _ := t.segmentChain(path)
	cur := t.root
	deepest := t.root
	for _, seg := range segs {
		child, ok := cur.Children[seg]
		if !ok {
			break
		}
		cur = child
		if cur.explicit {
			deepest = cur
		}
	}
	return deepest.PathID, deepest.NodePolicy
}

// sortedChildSegments returns a node's child segment keys in a stable,
// deterministic order (used by serialization and Describe).
func sortedChildSegments(n *Node) []string {
	segs := make([]string, 0, len(n.Children))
	for seg := range n.Children {
		segs = append(segs, seg)
	}
	sort.Strings(segs)
	return segs
}
