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

package wire

import (
	"bytes"
	"os"
	"testing"

	"github.com/buildxl-oss/pipsandbox/manifest"
	"github.com/buildxl-oss/pipsandbox/pathtree"
	"github.com/buildxl-oss/pipsandbox/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTree() (*pathtree.Interner, *manifest.Tree) {
	interner := pathtree.New()
	tree := manifest.New(interner)
	root := interner.Intern("/")
	_ = tree.AddScope(root, policy.FullMask, policy.AllowRead)
	return interner, tree
}

func TestEnvContractRoundTrip(t *testing.T) {
	defer os.Unsetenv(EnvFAMPath)
	defer os.Unsetenv(EnvMaxConcurrency)
	defer os.Unsetenv(EnvRingBufferSizeMultiplier)

	require.NoError(t, SetFAMPath("/tmp/job.fam"))
	path, ok := FAMPath()
	assert.True(t, ok)
	assert.Equal(t, "/tmp/job.fam", path)

	require.NoError(t, SetMaxConcurrency(8))
	n, ok, err := MaxConcurrency()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 8, n)

	_, ok, err = RingBufferSizeMultiplier()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSerializeDeserializeRoundTripRelease(t *testing.T) {
	interner, tree := buildTestTree()

	fam := FAM{
		Debug:                   false,
		InjectionTimeoutMinutes: 10,
		BreakawayRules: []BreakawayRule{
			{ProcessName: "conhost.exe", RequiredCommandLineSubstring: "", IgnoreCase: true},
		},
		DirectoryTranslations: []DirectoryTranslation{
			{Source: "/mnt/real", Target: "/mnt/virtual"},
		},
		ErrorDumpLocation: "/tmp/dump",
		Flags:             FlagReportFileAccesses | FlagMonitorChildProcesses,
		ExtraFlags:        ExtraFlagEnableLinuxPTrace,
		PipID:             0xABCD1234,
		ReportPath:        "/tmp/job.fifo",
		InjectedDLLs:      []string{"detours.dll", "substitute.dll"},
		Shim: Shim{
			ShimAllProcesses: true,
			ShimPath:         "/opt/shim",
			Plugin32Path:     "/opt/shim32.dll",
			Plugin64Path:     "/opt/shim64.dll",
			Rules:            []ShimRule{{ProcessName: "cl.exe", ArgMatch: "/nologo"}},
		},
		Tree: tree,
	}

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, fam, manifest.WireOptions{}))

	decoded, err := Deserialize(&buf, interner)
	require.NoError(t, err)

	assert.False(t, decoded.Debug)
	assert.Equal(t, fam.InjectionTimeoutMinutes, decoded.InjectionTimeoutMinutes)
	assert.Equal(t, fam.BreakawayRules, decoded.BreakawayRules)
	assert.Equal(t, fam.DirectoryTranslations, decoded.DirectoryTranslations)
	assert.Equal(t, fam.ErrorDumpLocation, decoded.ErrorDumpLocation)
	assert.Equal(t, fam.Flags, decoded.Flags)
	assert.Equal(t, fam.ExtraFlags, decoded.ExtraFlags)
	assert.Equal(t, fam.PipID, decoded.PipID)
	assert.Equal(t, fam.ReportPath, decoded.ReportPath)
	assert.Equal(t, fam.InjectedDLLs, decoded.InjectedDLLs)
	assert.Equal(t, fam.Shim, decoded.Shim)
	require.NotNil(t, decoded.Tree)
}

func TestSerializeDeserializeRoundTripDebug(t *testing.T) {
	interner, tree := buildTestTree()

	fam := FAM{
		Debug:      true,
		PipID:      42,
		ReportPath: "/tmp/job.fifo",
		Tree:       tree,
	}

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, fam, manifest.WireOptions{Debug: true}))

	decoded, err := Deserialize(&buf, interner)
	require.NoError(t, err)
	assert.True(t, decoded.Debug)
	assert.Equal(t, fam.PipID, decoded.PipID)
	assert.Equal(t, fam.ReportPath, decoded.ReportPath)
}

func TestDeserializeRejectsUnrecognizedMarker(t *testing.T) {
	interner, _ := buildTestTree()
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := Deserialize(buf, interner)
	assert.Error(t, err)
}

func TestDLLBlockEmptyRoundTrips(t *testing.T) {
	interner, tree := buildTestTree()
	fam := FAM{Tree: tree}

	var buf bytes.Buffer
	require.NoError(t, Serialize(&buf, fam, manifest.WireOptions{}))

	decoded, err := Deserialize(&buf, interner)
	require.NoError(t, err)
	assert.Empty(t, decoded.InjectedDLLs)
}
