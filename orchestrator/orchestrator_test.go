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

package orchestrator

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/buildxl-oss/pipsandbox/domain"
	"github.com/buildxl-oss/pipsandbox/pathtree"
	"github.com/buildxl-oss/pipsandbox/validator"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	base := t.TempDir()
	famDir := filepath.Join(base, "fam")
	require.NoError(t, afero.NewOsFs().MkdirAll(famDir, 0o755))
	return New(afero.NewOsFs(), pathtree.New(), famDir), base
}

func baseJob(base string) Job {
	return Job{
		PipID:   1,
		Dir:     filepath.Join(base, "work"),
		TempDir: filepath.Join(base, "tmp"),
		Timeout: 10 * time.Second,
	}
}

func TestRunWithNoDeclaredOutputsSucceeds(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "exit 0"}

	res, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunFlagsOutputNeverObserved(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	outPath := filepath.Join(base, "work", "out.txt")
	job.Argv = []string{"/bin/sh", "-c", "mkdir -p " + filepath.Dir(outPath) + " && echo hi > " + outPath}
	job.DeclaredOutputs = []validator.DeclaredOutput{{Path: outPath}}

	res, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	// No real interceptor runs in this environment, so the write to outPath
	// is never reported as an access; the Output Validator sees the file on
	// disk but unaccounted for.
	assert.Equal(t, domain.OutputWithNoFileAccessFailed, res.Status)
}

func TestRunNonZeroExitIsExecutionFailed(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "exit 3"}

	res, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, res.Status)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunTimeoutWithoutInfraRetriesIsExecutionFailed(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "sleep 5"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := orch.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, res.Status)
}

func TestRunTimeoutWithInfraRetriesEnabled(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "sleep 5"}
	job.InfraRetriesEnabled = true

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := orch.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryDueToInfraExitCode, res.Status)
}

func TestRunExplicitCancellationIsCanceledNotInfraRetry(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "sleep 5"}
	job.InfraRetriesEnabled = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := orch.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.Canceled, res.Status)
}

func TestRunWarningRegexCountsMatches(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "echo WARNING: one; echo WARNING: two"}
	job.WarningRegex = regexp.MustCompile(`WARNING:`)

	res, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, res.WarningCount)
}

func TestRunUserRetryableExitCodeWithBudget(t *testing.T) {
	orch, base := newTestOrchestrator(t)
	job := baseJob(base)
	job.Argv = []string{"/bin/sh", "-c", "exit 17"}
	job.UserRetryableExitCodes = map[int]struct{}{17: {}}
	job.RetryBudgetRemaining = true

	res, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryDueToUserExitCode, res.Status)
}
