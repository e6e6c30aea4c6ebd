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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeApplyBasic(t *testing.T) {
	s := Scope{Mask: 0, Values: AllowRead}
	assert.Equal(t, AllowRead, s.Apply(Deny))
}

func TestScopeIdempotent(t *testing.T) {
	s := Scope{Mask: ^Policy(AllowWrite), Values: AllowRead}
	p := Deny
	once := s.Apply(p)
	twice := s.Apply(once)
	assert.Equal(t, once, twice)
}

func TestScopeMonotoneMaskOnlyRemoves(t *testing.T) {
	// A scope's mask can only clear bits relative to the input, never add
	// them back; Values is the only source of new bits.
	s := Scope{Mask: 0, Values: 0}
	assert.Equal(t, Policy(0), s.Apply(AllowRead|AllowWrite))
}

func TestFormatComposesAliasesBeforeParts(t *testing.T) {
	p := ReportAccess | ReportAccessIfExistent
	assert.Equal(t, "ReportAccessIfExistent", p.Format())
}

func TestFormatPlainReportAccess(t *testing.T) {
	assert.Equal(t, "ReportAccess", ReportAccess.Format())
}

func TestFormatAllowAllComposite(t *testing.T) {
	assert.Equal(t, "AllowAll", AllowAll.Format())
}

func TestFormatNone(t *testing.T) {
	assert.Equal(t, "None", Policy(0).Format())
}

func TestFormatMixedBits(t *testing.T) {
	p := Deny | AllowRealInputTimestamps
	assert.Equal(t, "Deny|AllowRealInputTimestamps", p.Format())
}
