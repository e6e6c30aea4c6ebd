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

package classifier

import (
	"testing"

	"github.com/buildxl-oss/pipsandbox/domain"
	"github.com/buildxl-oss/pipsandbox/pathtree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnparseablePathIsDropped(t *testing.T) {
	in := pathtree.New()
	res := Classify(in, []domain.ReportedAccess{
		{Path: "relative/not/absolute", Status: domain.StatusAllowed},
	}, Config{})
	assert.Empty(t, res.Observed)
	assert.Empty(t, res.Unexpected)
}

// Testable property: injected helper DLLs never appear in observed-accesses
// output, regardless of their access status.
func TestClassifierExclusionOfInjectedDLLs(t *testing.T) {
	in := pathtree.New()
	res := Classify(in, []domain.ReportedAccess{
		{Path: "/windows/system32/mdnsNSP.DLL", Status: domain.StatusAllowed, Requested: domain.ReqRead},
		{Path: "/windows/system32/tiptsf.dll", Status: domain.StatusDenied, Requested: domain.ReqRead},
		{Path: "/src/a.c", Status: domain.StatusAllowed, Requested: domain.ReqRead},
	}, Config{})

	for _, o := range res.Observed {
		assert.NotContains(t, o.Path, "mdnsNSP")
		assert.NotContains(t, o.Path, "tiptsf")
	}
	for _, u := range res.Unexpected {
		assert.NotContains(t, u.Path, "tiptsf")
	}
	assert.Len(t, res.Observed, 1)
	assert.Equal(t, "/src/a.c", res.Observed[0].Path)
}

func TestResourceCompilerTempFilesAreIgnored(t *testing.T) {
	in := pathtree.New()
	res := Classify(in, []domain.ReportedAccess{
		{Path: "/tmp/RC4A2F.tmp", Status: domain.StatusAllowed, Requested: domain.ReqWrite, Op: domain.OpWrite},
	}, Config{})
	assert.Empty(t, res.Observed)
	assert.Empty(t, res.SharedOpaqueWrites)
}

func TestGroupingComputesFlags(t *testing.T) {
	in := pathtree.New()
	res := Classify(in, []domain.ReportedAccess{
		{Path: "/src/", Status: domain.StatusAllowed, Requested: domain.ReqEnumerate, Op: domain.OpEnumerate, IsDirectory: true},
		{Path: "/src/a.c", Status: domain.StatusAllowed, Requested: domain.ReqProbe, Op: domain.OpProbe},
		{Path: "/out/a.o", Status: domain.StatusAllowed, Requested: domain.ReqWrite, Op: domain.OpWrite},
	}, Config{})

	require.Len(t, res.Observed, 3)

	byPath := map[string]domain.ObservedAccess{}
	for _, o := range res.Observed {
		byPath[o.Path] = o
	}

	assert.True(t, byPath["/src/"].IsDirectoryLocation)
	assert.True(t, byPath["/src/"].HasEnumeration)
	assert.True(t, byPath["/src/a.c"].IsProbeOnly)
	assert.True(t, byPath["/out/a.o"].IsWriteCandidate)
}

func TestSharedOpaqueWriteAttributionInnermostRootWins(t *testing.T) {
	in := pathtree.New()
	outer := in.Intern("/out")
	inner := in.Intern("/out/nested")

	res := Classify(in, []domain.ReportedAccess{
		{Path: "/out/nested/f.o", Status: domain.StatusAllowed, Requested: domain.ReqWrite, Op: domain.OpWrite},
	}, Config{
		SharedOpaqueRoots: []SharedOpaqueRoot{
			{Path: outer, RawPath: "/out"},
			{Path: inner, RawPath: "/out/nested"},
		},
	})

	assert.Empty(t, res.Observed)
	require.Contains(t, res.SharedOpaqueWrites, "/out/nested")
	assert.Len(t, res.SharedOpaqueWrites["/out/nested"], 1)
	assert.NotContains(t, res.SharedOpaqueWrites, "/out")
}

func TestSharedOpaqueExclusionIsNotOwned(t *testing.T) {
	in := pathtree.New()
	root := in.Intern("/out")
	excluded := in.Intern("/out/scratch")

	res := Classify(in, []domain.ReportedAccess{
		{Path: "/out/scratch/tmp.o", Status: domain.StatusAllowed, Requested: domain.ReqWrite, Op: domain.OpWrite},
	}, Config{
		SharedOpaqueRoots: []SharedOpaqueRoot{
			{Path: root, RawPath: "/out", Exclusions: []pathtree.ID{excluded}},
		},
	})

	assert.Empty(t, res.SharedOpaqueWrites)
	require.Len(t, res.Observed, 1)
	assert.Equal(t, "/out/scratch/tmp.o", res.Observed[0].Path)
}

func TestObservedAccessesAreSortedByPath(t *testing.T) {
	in := pathtree.New()
	res := Classify(in, []domain.ReportedAccess{
		{Path: "/z/last.c", Status: domain.StatusAllowed, Requested: domain.ReqRead},
		{Path: "/a/first.c", Status: domain.StatusAllowed, Requested: domain.ReqRead},
		{Path: "/m/mid.c", Status: domain.StatusAllowed, Requested: domain.ReqRead},
	}, Config{})

	require.Len(t, res.Observed, 3)
	assert.Equal(t, []string{"/a/first.c", "/m/mid.c", "/z/last.c"}, []string{
		res.Observed[0].Path, res.Observed[1].Path, res.Observed[2].Path,
	})
}

func TestUnexpectedAccessesAreCollected(t *testing.T) {
	in := pathtree.New()
	res := Classify(in, []domain.ReportedAccess{
		{Path: "/secret/f", Status: domain.StatusDenied, Requested: domain.ReqRead},
		{Path: "/unknown/f", Status: domain.StatusCannotDetermine, Requested: domain.ReqRead},
	}, Config{})

	assert.Len(t, res.Unexpected, 2)
}
