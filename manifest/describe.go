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

package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/buildxl-oss/pipsandbox/pathtree"
)

// Describe produces a human-readable, pre-order textual representation of
// the tree. Per spec §4.C it is derived by re-parsing the wire bytes rather
// than walking the live node graph directly, so the wire format stays the
// single source of truth for what Describe reports (a tree that can't
// round-trip through the wire format can't be described correctly either).
func (t *Tree) Describe() (string, error) {
	var buf bytes.Buffer
	if err := t.SerializeWire(&buf, WireOptions{}); err != nil {
		return "", err
	}

	scratch := pathtree.New()
	decoded, err := DeserializeWire(bytes.NewReader(buf.Bytes()), scratch, WireOptions{})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	describeNode(&out, scratch, decoded.root, 0)
	return out.String(), nil
}

func describeNode(out *strings.Builder, interner *pathtree.Interner, n *Node, depth int) {
	name := "/"
	if n.PathID != pathtree.Invalid {
		name = interner.LastSegment(n.PathID)
	}
	fmt.Fprintf(out, "%s%s cone=%s node=%s\n",
		strings.Repeat("  ", depth), name, n.ConePolicy.Format(), n.NodePolicy.Format())

	segs := make([]string, 0, len(n.Children))
	for seg := range n.Children {
		segs = append(segs, seg)
	}
	sort.Strings(segs)
	for _, seg := range segs {
		describeNode(out, interner, n.Children[seg], depth+1)
	}
}
