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

// Package retry implements the Retry/Failure Policy (spec §4.H): the
// well-known sentinel exit codes used on process termination, and the
// classification of one execution's outcome into a domain.FinalStatus.
//
// The teacher analogue is nsenter/reaper.go's exit-status interpretation,
// which reads a syscall.WaitStatus and branches on signal-killed vs.
// exited-with-code; this package makes the same kind of branch, but on the
// sandbox's own fixed sentinel codes and accounting flags rather than a
// raw WaitStatus, since BuildXL's retry policy lives above the OS process
// model rather than in it.
package retry

import "github.com/buildxl-oss/pipsandbox/domain"

// Well-known exit codes used as sentinels on process termination, per spec
// §4.H.
const (
	ExitCodeTimeout                    = 27021977
	ExitCodeChildKilledAfterParentExit = 2721977
	ExitCodeInternalSandboxError       = 2271977
	ExitCodeReportProcessingFailure    = 2271978
	ExitCodeUninitialized              = 0xBAAAAAAD

	// WatsonTerminationCode is the fixed code Windows Error Reporting
	// ("Watson") uses for an infra-initiated process termination.
	WatsonTerminationCode = 0xDEAD
)

// Input carries every signal the Retry/Failure Policy needs to classify one
// execution, gathered by the orchestrator over the course of a run.
type Input struct {
	ExitCode int

	// KilledByInfra is true when ExitCode is an infra-termination sentinel
	// (see IsInfraTerminationCode) or the process was otherwise killed by
	// the orchestrator itself on timeout. An explicit cancellation sets
	// Cancelled instead.
	KilledByInfra       bool
	InfraRetriesEnabled bool

	// Cancelled is true when the run ended because the caller's context was
	// explicitly cancelled (as opposed to timing out). A cancelled run is
	// never retried, regardless of InfraRetriesEnabled.
	Cancelled bool

	// UserRetryableExitCodes is the pip's declared set of exit codes that
	// should trigger a user-requested retry.
	UserRetryableExitCodes map[int]struct{}
	RetryBudgetRemaining   bool

	MismatchedMessageCount  bool
	DiagnosticFileNonEmpty  bool
	OutputValidationFailed  bool
	WroteToStandardError    bool
	FailOnStandardErrorUsed bool
}

// IsInfraTerminationCode reports whether code is one of the sandbox's own
// infra-termination sentinels.
func IsInfraTerminationCode(code int) bool {
	switch code {
	case ExitCodeTimeout, ExitCodeChildKilledAfterParentExit, ExitCodeInternalSandboxError,
		ExitCodeReportProcessingFailure, WatsonTerminationCode:
		return true
	}
	return false
}

// Classify implements spec §4.H's classification order. Monitoring-
// integrity failures (mismatched report counts, a non-empty diagnostic
// file, or a flagged output) take precedence over retry decisions, since
// they mean the sandbox itself could not vouch for the pip's behavior
// regardless of how the pip's own process exited. An explicit cancellation
// is checked next, ahead of the infra/user retry decisions, so a
// deliberately killed run is never misclassified as retriable — it is
// still reported as a monitoring-integrity failure if one was also
// detected, but otherwise always ends as domain.Canceled. Infra retries
// are then considered before user retries, since an infra-initiated kill
// is not a signal about the pip's own correctness.
func Classify(in Input) domain.FinalStatus {
	switch {
	case in.MismatchedMessageCount:
		return domain.MismatchedMessageCount
	case in.DiagnosticFileNonEmpty:
		return domain.FileAccessMonitoringFailed
	case in.OutputValidationFailed:
		return domain.OutputWithNoFileAccessFailed
	case in.Cancelled:
		return domain.Canceled
	case in.KilledByInfra && in.InfraRetriesEnabled:
		return domain.RetryDueToInfraExitCode
	case isUserRetryable(in) && in.RetryBudgetRemaining:
		return domain.RetryDueToUserExitCode
	case in.ExitCode != 0:
		return domain.ExecutionFailed
	case in.FailOnStandardErrorUsed && in.WroteToStandardError:
		return domain.ExecutionFailed
	default:
		return domain.Succeeded
	}
}

func isUserRetryable(in Input) bool {
	if in.UserRetryableExitCodes == nil {
		return false
	}
	_, ok := in.UserRetryableExitCodes[in.ExitCode]
	return ok
}
