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

// Package pathtree interns absolute filesystem paths into small, stable
// identifiers and exposes parent/child/ancestor navigation over them. It is
// the Path Interner & Path Tree component: paths are stored once, grow-only,
// for the lifetime of one build; every other component in this module holds
// a pathtree.ID rather than a string.
//
// The construction-time index is a github.com/hashicorp/go-immutable-radix
// tree keyed by the normalized absolute path, the same structure the teacher
// (nestybox-fs) keeps in handler/handlerDB.go and mount/helper.go for its own
// path-keyed lookups (insert-by-byte-path, O(1) amortized lookup via an
// immutable root swap under one mutex).
package pathtree

import (
	"path/filepath"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// ID identifies an interned absolute path. The zero value, Invalid, denotes
// the synthetic root: spec §3 calls out that path_id is "invalid for the
// synthetic root" — callers that need the root's manifest node use Invalid
// rather than a real identifier.
type ID int32

// Invalid is the identifier of the synthetic root / "no path" value.
const Invalid ID = 0

type node struct {
	parent  ID
	segment string // normalized, as stored
	raw     string // last-segment as originally supplied (for display)
	full    string // normalized absolute path, used as the radix-tree key
}

// Interner is a grow-only, concurrency-safe store of interned paths. The
// zero value is not usable; construct with New.
type Interner struct {
	mu            sync.RWMutex
	tree          *iradix.Tree // normalized absolute path -> ID
	nodes         []node       // index 0 is the unused placeholder for Invalid
	caseSensitive bool
}

// Option configures an Interner at construction time.
type Option func(*Interner)

// WithCaseFoldedSegments makes segment comparison case-insensitive, the
// behavior spec §4.A requires "on case-insensitive file systems".
func WithCaseFoldedSegments() Option {
	return func(in *Interner) { in.caseSensitive = false }
}

// New builds an empty Interner. Paths are case-sensitive by default; pass
// WithCaseFoldedSegments for case-insensitive filesystems.
func New(opts ...Option) *Interner {
	in := &Interner{
		tree:          iradix.New(),
		nodes:         make([]node, 1), // reserve index 0 for Invalid
		caseSensitive: true,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Interner) normalizeSegment(seg string) string {
	if in.caseSensitive {
		return seg
	}
	return strings.ToLower(seg)
}

// Intern splits an absolute path into components and returns the ID of its
// deepest component, creating any missing intermediate nodes. The path must
// be absolute (start with "/"); it is cleaned with filepath.Clean first.
func (in *Interner) Intern(absPath string) ID {
	clean := filepath.Clean(absPath)
	if clean == "/" || clean == "." {
		return Invalid
	}
	clean = strings.TrimPrefix(clean, "/")
	segments := strings.Split(clean, "/")

	parent := Invalid
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		parent = in.Create(parent, seg)
	}
	return parent
}

// Create returns the ID for the child named segment under parent, creating
// it if it does not already exist. Equal (parent, segment) pairs always
// yield the same ID.
func (in *Interner) Create(parent ID, segment string) ID {
	normSeg := in.normalizeSegment(segment)
	key := in.fullKeyFor(parent, normSeg)

	in.mu.RLock()
	if existing, ok := in.tree.Get([]byte(key)); ok {
		in.mu.RUnlock()
		return existing.(ID)
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	// Re-check under the write lock in case another goroutine raced us.
	if existing, ok := in.tree.Get([]byte(key)); ok {
		return existing.(ID)
	}

	id := ID(len(in.nodes))
	in.nodes = append(in.nodes, node{
		parent:  parent,
		segment: normSeg,
		raw:     segment,
		full:    key,
	})

	tree, _, _ := in.tree.Insert([]byte(key), id)
	in.tree = tree

	return id
}

func (in *Interner) fullKeyFor(parent ID, normSeg string) string {
	if parent == Invalid {
		return "/" + normSeg
	}
	in.mu.RLock()
	parentFull := in.nodes[parent].full
	in.mu.RUnlock()
	return parentFull + "/" + normSeg
}

// Parent returns the identifier of id's parent, or Invalid if id's parent is
// the synthetic root.
func (in *Interner) Parent(id ID) ID {
	if id == Invalid {
		return Invalid
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.nodes[id].parent
}

// LastSegment returns the final path component of id, as originally supplied
// to Create/Intern (not normalized).
func (in *Interner) LastSegment(id ID) string {
	if id == Invalid {
		return ""
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.nodes[id].raw
}

// Path reconstructs the full normalized absolute path for id.
func (in *Interner) Path(id ID) string {
	if id == Invalid {
		return "/"
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.nodes[id].full
}

// AncestorsBottomUp returns id, then id's parent, then its parent's parent,
// and so on, ending with Invalid (the synthetic root). The returned slice
// always has at least one element when id != Invalid.
func (in *Interner) AncestorsBottomUp(id ID) []ID {
	var out []ID
	for cur := id; cur != Invalid; cur = in.Parent(cur) {
		out = append(out, cur)
	}
	out = append(out, Invalid)
	return out
}

// IsWithin reports whether id is root itself or a descendant of root.
// Invalid (the synthetic root) contains every path.
func (in *Interner) IsWithin(id ID, root ID) bool {
	if root == Invalid {
		return true
	}
	for cur := id; ; cur = in.Parent(cur) {
		if cur == root {
			return true
		}
		if cur == Invalid {
			return false
		}
	}
}

// Lookup returns the ID already interned for absPath, if any, without
// creating it.
func (in *Interner) Lookup(absPath string) (ID, bool) {
	clean := filepath.Clean(absPath)
	if clean == "/" || clean == "." {
		return Invalid, true
	}
	key := in.normalizedFullPath(clean)

	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.tree.Get([]byte(key))
	if !ok {
		return Invalid, false
	}
	return v.(ID), true
}

func (in *Interner) normalizedFullPath(clean string) string {
	if in.caseSensitive {
		return clean
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return "/" + strings.Join(parts, "/")
}

// Len returns the number of interned paths (not counting the synthetic
// root).
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.nodes) - 1
}
