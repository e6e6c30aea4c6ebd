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

package validator

import (
	"testing"

	"github.com/buildxl-oss/pipsandbox/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingOutputIsFlagged(t *testing.T) {
	fs := afero.NewMemMapFs()
	res := Validate(fs, []DeclaredOutput{{Path: "/out/f.o"}}, map[string]struct{}{}, nil)
	assert.Equal(t, []string{"/out/f.o"}, res.MissingOutputs)
	assert.True(t, res.Failed())
}

func TestUnobservedExistingOutputIsOutputWithNoFileAccess(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/f.o", []byte("data"), 0o644))

	res := Validate(fs, []DeclaredOutput{{Path: "/out/f.o"}}, map[string]struct{}{}, nil)
	assert.Equal(t, []string{"/out/f.o"}, res.OutputsWithNoFileAccess)
	assert.True(t, res.Failed())
}

func TestObservedOutputIsNotProbed(t *testing.T) {
	fs := afero.NewMemMapFs() // deliberately empty: Stat would fail if Validate probed it
	res := Validate(fs, []DeclaredOutput{{Path: "/out/f.o"}}, map[string]struct{}{"/out/f.o": {}}, nil)
	assert.False(t, res.Failed())
}

func TestStandardStreamsAreExempt(t *testing.T) {
	fs := afero.NewMemMapFs()
	res := Validate(fs, []DeclaredOutput{{Path: "stdout", IsStandardStream: true}}, map[string]struct{}{}, nil)
	assert.False(t, res.Failed())
}

func TestSharedOpaqueWriteClassification(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/required.o", []byte("x"), 0o644))
	require.NoError(t, fs.MkdirAll("/out/adir", 0o755))

	res := Validate(fs, nil, nil, map[string][]domain.SharedOpaqueWriteEntry{
		"/out": {
			{Path: "/out/required.o"},
			{Path: "/out/adir"},
			{Path: "/out/gone.tmp"},
		},
	})

	byPath := map[string]domain.SharedOpaqueWriteKind{}
	for _, e := range res.ClassifiedWrites["/out"] {
		byPath[e.Path] = e.Kind
	}
	assert.Equal(t, domain.SharedOpaqueRequired, byPath["/out/required.o"])
	assert.Equal(t, domain.SharedOpaqueDiscarded, byPath["/out/adir"])
	assert.Equal(t, domain.SharedOpaqueTemporary, byPath["/out/gone.tmp"])
}
