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

// Package policy implements the File Access Policy Algebra: a bitmask
// permission type and the (mask, values) scope-composition law that the
// Manifest Tree relies on to collapse overlapping declarations.
//
// There is no teacher analogue for a permission bitmask algebra itself; the
// closest structure in nestybox-fs is domain.HandlerType's bitmask constants
// (domain/handler.go), whose iota/const-block style this package follows.
// The composition law and named-bit set are spec-original (§3/§4.B).
package policy

import "strings"

// Policy is a bitmask of file-access permissions. The zero value denies
// everything and reports nothing.
type Policy uint32

// Named permission bits, in the order spec §3 lists them. This order is also
// the tie-break order the formatter uses once composite aliases have been
// peeled off.
const (
	Deny Policy = 1 << iota
	AllowRead
	AllowReadIfNonexistent
	AllowWrite
	AllowCreateDirectory
	AllowSymlinkCreation
	AllowRealInputTimestamps
	OverrideAllowWriteForExistingFiles
	TreatDirectorySymlinkAsDirectory
	EnableFullReparsePointParsing
	ReportAccess
	ReportAccessIfExistent
	ReportAccessIfNonexistent
	ReportDirectoryEnumerationAccess
)

// namedBit pairs a single-bit constant with its display name.
type namedBit struct {
	bit  Policy
	name string
}

var baseBits = []namedBit{
	{Deny, "Deny"},
	{AllowRead, "AllowRead"},
	{AllowReadIfNonexistent, "AllowReadIfNonexistent"},
	{AllowWrite, "AllowWrite"},
	{AllowCreateDirectory, "AllowCreateDirectory"},
	{AllowSymlinkCreation, "AllowSymlinkCreation"},
	{AllowRealInputTimestamps, "AllowRealInputTimestamps"},
	{OverrideAllowWriteForExistingFiles, "OverrideAllowWriteForExistingFiles"},
	{TreatDirectorySymlinkAsDirectory, "TreatDirectorySymlinkAsDirectory"},
	{EnableFullReparsePointParsing, "EnableFullReparsePointParsing"},
	{ReportAccess, "ReportAccess"},
	{ReportAccessIfExistent, "ReportAccessIfExistent"},
	{ReportAccessIfNonexistent, "ReportAccessIfNonexistent"},
	{ReportDirectoryEnumerationAccess, "ReportDirectoryEnumerationAccess"},
}

// AllowAll is the composite "allow everything a write-capable pip needs"
// alias: read, write, directory creation and symlink creation.
const AllowAll = AllowRead | AllowWrite | AllowCreateDirectory | AllowSymlinkCreation

// composites must be ordered before baseBits, and wider composites before
// narrower ones, so Format's greedy match prefers the most specific name
// (e.g. ReportAccessIfExistent before the plain ReportAccess it contains).
var composites = []namedBit{
	{AllowAll, "AllowAll"},
	{ReportAccess | ReportAccessIfExistent, "ReportAccessIfExistent"},
	{ReportAccess | ReportAccessIfNonexistent, "ReportAccessIfNonexistent"},
}

// Scope is a (mask, values) pair. Applying a scope to a policy p yields
// (p & mask) | values. The law is idempotent (applying twice changes
// nothing further), associative, and monotone: values can only add bits,
// mask can only remove them.
type Scope struct {
	Mask   Policy
	Values Policy
}

// Apply composes the scope onto p.
func (s Scope) Apply(p Policy) Policy {
	return (p & s.Mask) | s.Values
}

// FullMask is a Scope.Mask that clears nothing: (p & FullMask) == p, so a
// scope built with it only ever adds the bits in Values.
const FullMask Policy = ^Policy(0)

// Has reports whether all bits of want are set in p.
func (p Policy) Has(want Policy) bool {
	return p&want == want
}

// Format renders p using the ordered named-bit table, emitting composite
// aliases before the single bits they're built from (per spec §4.B).
func (p Policy) Format() string {
	if p == 0 {
		return "None"
	}

	remaining := p
	var names []string

	for _, c := range composites {
		if c.bit != 0 && remaining.Has(c.bit) {
			names = append(names, c.name)
			remaining &^= c.bit
		}
	}
	for _, b := range baseBits {
		if remaining.Has(b.bit) {
			names = append(names, b.name)
			remaining &^= b.bit
		}
	}

	return strings.Join(names, "|")
}

func (p Policy) String() string { return p.Format() }
