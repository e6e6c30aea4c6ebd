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

// Package validator implements the Output Validator (spec §4.F): it
// probes declared outputs that were never observed as an access, and
// classifies each recorded shared-opaque write as required, temporary, or
// discarded.
//
// Filesystem access is routed through afero.Fs, the same indirection the
// teacher's sysio/ionodeFile.go layers over every file operation so that
// production code runs against afero.NewOsFs() while tests run against
// afero.NewMemMapFs() with no other code change.
package validator

import (
	"os"

	"github.com/buildxl-oss/pipsandbox/domain"
	"github.com/spf13/afero"
)

// DeclaredOutput is one statically required output, per spec §4.F.
type DeclaredOutput struct {
	Path             string
	IsStandardStream bool // stdout/stderr are exempt from filesystem probing
}

// Result is the Output Validator's verdict for one execution.
type Result struct {
	// MissingOutputs are declared outputs that were never observed and do
	// not exist on disk.
	MissingOutputs []string

	// OutputsWithNoFileAccess are declared outputs that exist on disk (as
	// either a file or a directory) but were never observed as an access —
	// the trigger for FinalStatus OutputWithNoFileAccessFailed.
	OutputsWithNoFileAccess []string

	// ClassifiedWrites re-keys the classifier's shared-opaque write
	// attributions with each entry's Kind set (spec §4.F point 2).
	ClassifiedWrites map[string][]domain.SharedOpaqueWriteEntry
}

// Failed reports whether any declared output is unaccounted for.
func (r Result) Failed() bool {
	return len(r.MissingOutputs) > 0 || len(r.OutputsWithNoFileAccess) > 0
}

// Validate probes every declared output not present in observedPaths, and
// classifies every shared-opaque write the Access Classifier attributed.
func Validate(
	fs afero.Fs,
	declared []DeclaredOutput,
	observedPaths map[string]struct{},
	sharedOpaqueWrites map[string][]domain.SharedOpaqueWriteEntry,
) Result {
	res := Result{ClassifiedWrites: make(map[string][]domain.SharedOpaqueWriteEntry, len(sharedOpaqueWrites))}

	for _, out := range declared {
		if out.IsStandardStream {
			continue
		}
		if _, seen := observedPaths[out.Path]; seen {
			continue
		}

		if _, err := fs.Stat(out.Path); err != nil {
			res.MissingOutputs = append(res.MissingOutputs, out.Path)
		} else {
			res.OutputsWithNoFileAccess = append(res.OutputsWithNoFileAccess, out.Path)
		}
	}

	for root, entries := range sharedOpaqueWrites {
		classified := make([]domain.SharedOpaqueWriteEntry, len(entries))
		for i, e := range entries {
			classified[i] = domain.SharedOpaqueWriteEntry{
				Path: e.Path,
				Kind: classifyWrite(fs, e.Path),
			}
		}
		res.ClassifiedWrites[root] = classified
	}

	return res
}

// classifyWrite implements spec §4.F's shared-opaque classification:
// probed with no-follow semantics, a path that no longer exists is a
// temporary write, one that exists as a file is required, and one that
// exists as a directory is discarded (directories carry no tracked
// content).
func classifyWrite(fs afero.Fs, path string) domain.SharedOpaqueWriteKind {
	info, err := lstatNoFollow(fs, path)
	if err != nil {
		return domain.SharedOpaqueTemporary
	}
	if info.IsDir() {
		return domain.SharedOpaqueDiscarded
	}
	return domain.SharedOpaqueRequired
}

// lstatNoFollow probes path without following a trailing symlink when the
// backing afero.Fs supports it, falling back to a following Stat for
// backends that don't (most in-memory test filesystems have no symlink
// concept at all, so the distinction is moot for them).
func lstatNoFollow(fs afero.Fs, path string) (os.FileInfo, error) {
	if lst, ok := fs.(afero.Lstater); ok {
		info, _, err := lst.LstatIfPossible(path)
		return info, err
	}
	return fs.Stat(path)
}
