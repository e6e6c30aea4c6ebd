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

package retry

import (
	"testing"

	"github.com/buildxl-oss/pipsandbox/domain"
	"github.com/stretchr/testify/assert"
)

func TestCleanExitSucceeds(t *testing.T) {
	assert.Equal(t, domain.Succeeded, Classify(Input{}))
}

func TestMismatchedMessageCountTakesPrecedence(t *testing.T) {
	assert.Equal(t, domain.MismatchedMessageCount, Classify(Input{
		MismatchedMessageCount: true,
		OutputValidationFailed: true,
	}))
}

func TestDiagnosticFileNonEmptyIsMonitoringFailure(t *testing.T) {
	assert.Equal(t, domain.FileAccessMonitoringFailed, Classify(Input{DiagnosticFileNonEmpty: true}))
}

func TestOutputValidationFailureIsReported(t *testing.T) {
	assert.Equal(t, domain.OutputWithNoFileAccessFailed, Classify(Input{OutputValidationFailed: true}))
}

func TestInfraKillRetriesWhenEnabled(t *testing.T) {
	assert.Equal(t, domain.RetryDueToInfraExitCode, Classify(Input{
		ExitCode:            ExitCodeTimeout,
		KilledByInfra:       true,
		InfraRetriesEnabled: true,
	}))
}

func TestInfraKillWithoutRetriesIsExecutionFailed(t *testing.T) {
	assert.Equal(t, domain.ExecutionFailed, Classify(Input{
		ExitCode:      ExitCodeTimeout,
		KilledByInfra: true,
	}))
}

func TestUserRetryableExitCodeWithBudget(t *testing.T) {
	assert.Equal(t, domain.RetryDueToUserExitCode, Classify(Input{
		ExitCode:               17,
		UserRetryableExitCodes: map[int]struct{}{17: {}},
		RetryBudgetRemaining:   true,
	}))
}

func TestUserRetryableExitCodeWithoutBudgetIsFailed(t *testing.T) {
	assert.Equal(t, domain.ExecutionFailed, Classify(Input{
		ExitCode:               17,
		UserRetryableExitCodes: map[int]struct{}{17: {}},
		RetryBudgetRemaining:   false,
	}))
}

func TestNonZeroExitCodeFallsThroughToExecutionFailed(t *testing.T) {
	assert.Equal(t, domain.ExecutionFailed, Classify(Input{ExitCode: 1}))
}

func TestFailOnStandardErrorWritten(t *testing.T) {
	assert.Equal(t, domain.ExecutionFailed, Classify(Input{
		FailOnStandardErrorUsed: true,
		WroteToStandardError:    true,
	}))
}

func TestCancellationIsNeverRetried(t *testing.T) {
	assert.Equal(t, domain.Canceled, Classify(Input{
		ExitCode:             ExitCodeTimeout,
		Cancelled:            true,
		KilledByInfra:        true,
		InfraRetriesEnabled:  true,
		RetryBudgetRemaining: true,
	}))
}

func TestCancellationYieldsToMonitoringFailure(t *testing.T) {
	assert.Equal(t, domain.FileAccessMonitoringFailed, Classify(Input{
		Cancelled:              true,
		DiagnosticFileNonEmpty: true,
	}))
}

func TestIsInfraTerminationCode(t *testing.T) {
	assert.True(t, IsInfraTerminationCode(ExitCodeTimeout))
	assert.True(t, IsInfraTerminationCode(WatsonTerminationCode))
	assert.False(t, IsInfraTerminationCode(1))
}
