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

package pathtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternIdempotent(t *testing.T) {
	in := New()

	id1 := in.Intern("/src/a/b.h")
	id2 := in.Intern("/src/a/b.h")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, Invalid, id1)
}

func TestParentAndLastSegment(t *testing.T) {
	in := New()

	id := in.Intern("/src/a/b.h")
	parent := in.Parent(id)
	require.NotEqual(t, Invalid, parent)
	assert.Equal(t, "a", in.LastSegment(parent))
	assert.Equal(t, "b.h", in.LastSegment(id))

	grandparent := in.Parent(parent)
	assert.Equal(t, "src", in.LastSegment(grandparent))
	assert.Equal(t, Invalid, in.Parent(grandparent))
}

func TestAncestorsBottomUp(t *testing.T) {
	in := New()
	id := in.Intern("/a/b/c")

	ancestors := in.AncestorsBottomUp(id)
	require.Len(t, ancestors, 4) // c, b, a, Invalid
	assert.Equal(t, "c", in.LastSegment(ancestors[0]))
	assert.Equal(t, "b", in.LastSegment(ancestors[1]))
	assert.Equal(t, "a", in.LastSegment(ancestors[2]))
	assert.Equal(t, Invalid, ancestors[3])
}

func TestIsWithin(t *testing.T) {
	in := New()
	root := in.Intern("/src")
	child := in.Intern("/src/a/b.h")
	other := in.Intern("/etc/hosts")

	assert.True(t, in.IsWithin(child, root))
	assert.True(t, in.IsWithin(root, root))
	assert.False(t, in.IsWithin(other, root))
	assert.True(t, in.IsWithin(other, Invalid))
}

func TestCaseFolding(t *testing.T) {
	in := New(WithCaseFoldedSegments())

	id1 := in.Intern("/Src/A/B.h")
	id2 := in.Intern("/src/a/b.h")
	assert.Equal(t, id1, id2)
}

func TestLookupWithoutCreate(t *testing.T) {
	in := New()
	_, ok := in.Lookup("/never/interned")
	assert.False(t, ok)

	id := in.Intern("/now/interned")
	found, ok := in.Lookup("/now/interned")
	assert.True(t, ok)
	assert.Equal(t, id, found)
}

func TestPathReconstruction(t *testing.T) {
	in := New()
	id := in.Intern("/a/b/c")
	assert.Equal(t, "/a/b/c", in.Path(id))
	assert.Equal(t, "/", in.Path(Invalid))
}
