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

// Package orchestrator implements the Pip Executor (spec §4.G): it prepares
// a job's working set, builds the File Access Manifest, spawns the
// monitored process, consumes its report stream, and assembles a final
// domain.ExecutionResult.
//
// Like the teacher's state/containerDB.go, a constructor
// (New) wires a concrete service around its explicit collaborators
// (afero.Fs, *pathtree.Interner) rather than reading global state; unlike
// the teacher, Run takes the per-job declarations directly as an argument
// rather than through a separate Setup call, since one Orchestrator runs
// many jobs rather than one service instance per container.
//
// The native access interceptor is out of scope (spec §1): nothing in this
// repository instruments the spawned process's syscalls. Run stands in for
// that missing piece by reporting the process's own start/exit as
// FileAccessFrames on its own report channel, which is enough to exercise
// the Report Channel's liveness protocol end to end; a production
// deployment would instead have the real interceptor emit every frame,
// including these two.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/buildxl-oss/pipsandbox/classifier"
	"github.com/buildxl-oss/pipsandbox/domain"
	"github.com/buildxl-oss/pipsandbox/manifest"
	"github.com/buildxl-oss/pipsandbox/pathtree"
	"github.com/buildxl-oss/pipsandbox/policy"
	"github.com/buildxl-oss/pipsandbox/reportchannel"
	"github.com/buildxl-oss/pipsandbox/retry"
	"github.com/buildxl-oss/pipsandbox/sberr"
	"github.com/buildxl-oss/pipsandbox/validator"
	"github.com/buildxl-oss/pipsandbox/wire"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/sirupsen/logrus"
)

// maxCapturedOutputBytes bounds how much of the pip's stdout/stderr this
// package buffers for warning/error regex scanning (spec §4.G point 9:
// "truncated to a documented limit").
const maxCapturedOutputBytes = 64 * 1024

// oldOutputTimestamp is the fixed mtime stamped onto a rewritten input (spec
// §4.G point 4), chosen to be obviously not "now" so a tool that keys off of
// freshness never mistakes it for one. The input is re-written in place at
// its declared path and then stamped; no separate private copy is made.
var oldOutputTimestamp = time.Date(2002, 1, 1, 0, 0, 0, 0, time.UTC)

// DeclaredInput is one statically declared input, along with whether the
// pip is allowed to rewrite it (spec §4.G point 4).
type DeclaredInput struct {
	Path      string
	Rewritten bool
}

// SealedDirectoryEntry is one file expanded out of a sealed-directory
// dependency, with its own policy (spec §4.G point 5).
type SealedDirectoryEntry struct {
	Path   string
	Mask   policy.Policy
	Values policy.Policy
}

// SharedOpaqueRoot is one declared shared-opaque-directory root, along with
// any exclusion sub-paths (spec §4.E point 5 / §4.G point 5).
type SharedOpaqueRoot struct {
	Path               string
	Exclusions         []string
	BlockWriteToExisting bool
}

// Job is everything the Orchestrator needs to run one pip, per spec §4.G.
type Job struct {
	PipID uint64

	Argv []string
	Dir  string // working directory
	Env  map[string]string

	TempDir          string
	IsolatedTempRoot string // non-empty selects the redirect-via-symlink mode

	DeclaredOutputs   []validator.DeclaredOutput
	DeclaredInputs    []DeclaredInput
	UntrackedPaths    []string
	UntrackedScopes   []string
	SharedOpaqueRoots []SharedOpaqueRoot
	SealedDirectories []SealedDirectoryEntry

	AllowUndeclaredReads       bool
	ReportDirectoryEnumeration bool

	WarningRegex *regexp.Regexp
	ErrorRegex   *regexp.Regexp

	FailOnStandardErrorUsed bool
	UserRetryableExitCodes  map[int]struct{}
	InfraRetriesEnabled     bool
	RetryBudgetRemaining    bool

	Timeout time.Duration
}

// Orchestrator runs jobs against a shared path interner and filesystem
// indirection.
type Orchestrator struct {
	fs       afero.Fs
	interner *pathtree.Interner
	famDir   string
}

// New builds an Orchestrator. famDir is where per-job FAM files and report
// FIFOs are written.
func New(fs afero.Fs, interner *pathtree.Interner, famDir string) *Orchestrator {
	return &Orchestrator{fs: fs, interner: interner, famDir: famDir}
}

// Run executes job to completion (or until ctx is cancelled) and returns its
// final execution result. It implements the state machine of spec §4.G:
// Prepared → Running → {Exited, Killed, Cancelled} → Classified → final.
func (o *Orchestrator) Run(ctx context.Context, job Job) (domain.ExecutionResult, error) {
	correlationID := uuid.New().String()
	log := logrus.WithFields(logrus.Fields{"pip": job.PipID, "job": correlationID})

	startedAt := time.Now()

	if err := o.prepareDirs(job); err != nil {
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ConstructionError{Op: "prepareDirs", Err: err}
	}

	if err := o.materializeRewrittenInputs(job); err != nil {
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ConstructionError{Op: "materializeRewrittenInputs", Err: err}
	}

	tree, err := o.buildManifest(job)
	if err != nil {
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ConstructionError{Op: "buildManifest", Err: err}
	}

	famPath := fmt.Sprintf("%s/%s.fam", o.famDir, correlationID)
	fifoPath := fmt.Sprintf("%s/%s.fifo", o.famDir, correlationID)

	if err := o.writeFAM(famPath, fifoPath, job, tree); err != nil {
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ConstructionError{Op: "writeFAM", Err: err}
	}

	env := o.effectiveEnv(job, famPath)

	if len(job.Argv) == 0 {
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ConstructionError{Op: "Run", Err: fmt.Errorf("empty argv")}
	}
	cmd := exec.CommandContext(ctx, job.Argv[0], job.Argv[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = env

	var stdout, stderr capBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		log.WithFields(logrus.Fields{"argv0": job.Argv[0]}).Errorf("process start failed: %v", err)
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ProcessStartError{Retriable: false, Err: err}
	}
	rootPid := uint32(cmd.Process.Pid)
	log.Debugf("launched pip, pid=%d", rootPid)

	channel, err := reportchannel.Open(fifoPath, rootPid)
	if err != nil {
		_ = cmd.Process.Kill()
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ChannelError{Op: "Open", Err: err}
	}

	if err := channel.ReportFileAccess(reportchannel.FileAccessFrame{
		Op:     domain.OpProcessStart.String(),
		Pid:    rootPid,
		Status: int(domain.StatusAllowed),
	}); err != nil {
		_ = cmd.Process.Kill()
		return domain.ExecutionResult{Status: domain.PreparationFailed, PipID: job.PipID}, &sberr.ChannelError{Op: "ReportFileAccess", Err: err}
	}

	var (
		mu       sync.Mutex
		accesses []domain.ReportedAccess
	)
	onAccess := func(f reportchannel.FileAccessFrame) error {
		mu.Lock()
		defer mu.Unlock()
		accesses = append(accesses, toReportedAccess(f))
		return nil
	}
	diagnosticCount := 0
	onDebug := func(reportchannel.DebugMessageFrame) error {
		mu.Lock()
		diagnosticCount++
		mu.Unlock()
		return nil
	}

	runErr := make(chan error, 1)
	go func() { runErr <- channel.Run(onAccess, onDebug) }()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	exitCode := 0
	killedByInfra := false
	cancelled := false
	var waitResult error

	select {
	case waitResult = <-waitErr:
		exitCode = exitCodeOf(waitResult)
	case <-ctx.Done():
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// The caller cancelled the run (e.g. a user interrupt); this is
			// not an infra failure and must never be retried.
			cancelled = true
			exitCode = retry.ExitCodeTimeout
		default:
			killedByInfra = true
			exitCode = retry.ExitCodeTimeout
		}
		_ = cmd.Process.Kill()
		waitResult = <-waitErr
	}

	if err := channel.ReportFileAccess(reportchannel.FileAccessFrame{
		Op:     domain.OpProcessExit.String(),
		Pid:    rootPid,
		Status: int(domain.StatusAllowed),
	}); err != nil {
		log.Warnf("failed to report synthetic process exit: %v", err)
	}

	if err := <-runErr; err != nil {
		log.Errorf("report channel run loop failed: %v", err)
		return domain.ExecutionResult{Status: domain.FileAccessMonitoringFailed, PipID: job.PipID, ExitCode: exitCode}, &sberr.ChannelError{Op: "Run", Err: err}
	}

	duration := time.Since(startedAt)

	observedPaths := make(map[string]struct{}, len(accesses))
	for _, a := range accesses {
		observedPaths[a.Path] = struct{}{}
	}

	cls := classifier.Classify(o.interner, accesses, classifier.Config{
		ResolveDirectorySymlinks: true,
		ProbesCountAsEnumerations: job.ReportDirectoryEnumeration,
		Fs:                        o.fs,
		SharedOpaqueRoots:         o.classifierRoots(job),
	})

	val := validator.Validate(o.fs, job.DeclaredOutputs, observedPaths, cls.SharedOpaqueWrites)

	warningCount := 0
	if job.WarningRegex != nil {
		warningCount = len(job.WarningRegex.FindAll(stdout.Bytes(), -1)) + len(job.WarningRegex.FindAll(stderr.Bytes(), -1))
	}
	wroteError := job.ErrorRegex != nil && (job.ErrorRegex.Match(stdout.Bytes()) || job.ErrorRegex.Match(stderr.Bytes()))

	status := retry.Classify(retry.Input{
		ExitCode:                exitCode,
		Cancelled:               cancelled,
		KilledByInfra:           killedByInfra,
		InfraRetriesEnabled:     job.InfraRetriesEnabled,
		UserRetryableExitCodes:  job.UserRetryableExitCodes,
		RetryBudgetRemaining:    job.RetryBudgetRemaining,
		DiagnosticFileNonEmpty:  diagnosticCount > 0,
		OutputValidationFailed:  val.Failed(),
		WroteToStandardError:    wroteError || stderr.Len() > 0,
		FailOnStandardErrorUsed: job.FailOnStandardErrorUsed,
	})

	result := domain.ExecutionResult{
		Status:             status,
		PipID:              job.PipID,
		ExitCode:           exitCode,
		StartedAt:          startedAt,
		Duration:           duration,
		WarningCount:       warningCount,
		Observed:           cls.Observed,
		SharedOpaqueWrites: val.ClassifiedWrites,
		Unexpected:         cls.Unexpected,
		BytesObserved:      uint64(stdout.Len() + stderr.Len()),
		OrphansActive:      channel.Orphans(),
	}

	log.Infof("pip finished: status=%s exit=%d duration=%s bytes=%s",
		status, exitCode, duration, humanize.Bytes(result.BytesObserved))

	return result, nil
}

func (o *Orchestrator) prepareDirs(job Job) error {
	if err := o.fs.MkdirAll(job.Dir, 0o755); err != nil {
		return fmt.Errorf("working dir: %w", err)
	}

	if job.IsolatedTempRoot != "" {
		// Redirect-via-symlink for an isolated-environment run: the real
		// temp directory lives under a fixed, untracked root, and the pip's
		// declared temp path is a symlink to it.
		if err := o.fs.MkdirAll(job.IsolatedTempRoot, 0o755); err != nil {
			return fmt.Errorf("isolated temp root: %w", err)
		}
		linker, ok := o.fs.(afero.Linker)
		if !ok {
			return fmt.Errorf("temp redirect requires a symlink-capable filesystem")
		}
		_ = o.fs.RemoveAll(job.TempDir)
		if err := linker.SymlinkIfPossible(job.IsolatedTempRoot, job.TempDir); err != nil {
			return fmt.Errorf("temp dir redirect: %w", err)
		}
		return nil
	}

	// Cold local run: delete-and-recreate.
	if err := o.fs.RemoveAll(job.TempDir); err != nil {
		return fmt.Errorf("temp dir cleanup: %w", err)
	}
	if err := o.fs.MkdirAll(job.TempDir, 0o755); err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}
	return nil
}

func (o *Orchestrator) materializeRewrittenInputs(job Job) error {
	for _, in := range job.DeclaredInputs {
		if !in.Rewritten {
			continue
		}
		data, err := afero.ReadFile(o.fs, in.Path)
		if err != nil {
			continue // nothing to materialize yet; the pip will create it
		}
		if err := afero.WriteFile(o.fs, in.Path, data, 0o644); err != nil {
			return fmt.Errorf("materialize rewritten input %s: %w", in.Path, err)
		}
		if err := o.fs.Chtimes(in.Path, oldOutputTimestamp, oldOutputTimestamp); err != nil {
			return fmt.Errorf("stamp rewritten input %s: %w", in.Path, err)
		}
	}
	return nil
}

func (o *Orchestrator) buildManifest(job Job) (*manifest.Tree, error) {
	tree := manifest.New(o.interner)

	rootValues := policy.AllowReadIfNonexistent | policy.ReportDirectoryEnumerationAccess
	if job.AllowUndeclaredReads {
		rootValues = policy.AllowRead
	}
	if err := tree.AddScope(pathtree.Invalid, policy.FullMask, rootValues); err != nil {
		return nil, err
	}

	// Untracked: allow everything, report nothing — the policy is cleared
	// to a fixed value rather than narrowed, since untracked paths are
	// exempt from enforcement entirely (spec §4.G point 5).
	for _, p := range job.UntrackedScopes {
		id := o.interner.Intern(p)
		if err := tree.AddScope(id, 0, policy.AllowAll); err != nil {
			return nil, err
		}
	}
	for _, p := range job.UntrackedPaths {
		id := o.interner.Intern(p)
		if id == pathtree.Invalid {
			continue
		}
		if err := tree.AddPath(id, 0, policy.AllowAll, 0); err != nil {
			return nil, err
		}
	}

	for _, out := range job.DeclaredOutputs {
		if out.IsStandardStream {
			continue
		}
		id := o.interner.Intern(out.Path)
		if id == pathtree.Invalid {
			continue
		}
		if err := tree.AddPath(id, policy.FullMask, policy.AllowAll|policy.ReportAccess, 0); err != nil {
			return nil, err
		}
	}

	for _, in := range job.DeclaredInputs {
		id := o.interner.Intern(in.Path)
		if id == pathtree.Invalid {
			continue
		}
		values := policy.AllowRead | policy.AllowReadIfNonexistent | policy.AllowRealInputTimestamps
		mask := policy.FullMask &^ policy.AllowWrite
		if err := tree.AddPath(id, mask, values, 0); err != nil {
			return nil, err
		}
	}

	for _, root := range job.SharedOpaqueRoots {
		id := o.interner.Intern(root.Path)
		values := policy.AllowAll | policy.ReportAccess
		if !root.BlockWriteToExisting {
			values |= policy.OverrideAllowWriteForExistingFiles
		}
		if err := tree.AddScope(id, policy.FullMask, values); err != nil {
			return nil, err
		}
		// Exclusions only affect shared-opaque write attribution (handled by
		// classifierRoots/classifier.Classify below); they don't need a
		// distinct manifest scope of their own.
		for _, excl := range root.Exclusions {
			o.interner.Intern(excl)
		}
	}

	for _, entry := range job.SealedDirectories {
		id := o.interner.Intern(entry.Path)
		if id == pathtree.Invalid {
			continue
		}
		if err := tree.AddPath(id, entry.Mask, entry.Values, 0); err != nil {
			return nil, err
		}
	}

	tree.Finalize()
	return tree, nil
}

func (o *Orchestrator) classifierRoots(job Job) []classifier.SharedOpaqueRoot {
	roots := make([]classifier.SharedOpaqueRoot, 0, len(job.SharedOpaqueRoots))
	for _, r := range job.SharedOpaqueRoots {
		id := o.interner.Intern(r.Path)
		exclusions := make([]pathtree.ID, 0, len(r.Exclusions))
		for _, e := range r.Exclusions {
			exclusions = append(exclusions, o.interner.Intern(e))
		}
		roots = append(roots, classifier.SharedOpaqueRoot{Path: id, RawPath: r.Path, Exclusions: exclusions})
	}
	return roots
}

func (o *Orchestrator) writeFAM(path, reportPath string, job Job, tree *manifest.Tree) error {
	f, err := o.fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fam := wire.FAM{
		Flags:      wire.FlagReportFileAccesses | wire.FlagMonitorChildProcesses,
		PipID:      job.PipID,
		ReportPath: reportPath,
		Tree:       tree,
	}
	return wire.Serialize(f, fam, manifest.WireOptions{})
}

func (o *Orchestrator) effectiveEnv(job Job, famPath string) []string {
	merged := make(map[string]string, len(job.Env)+4)
	for k, v := range job.Env {
		merged[k] = v
	}
	merged["TMP"] = job.TempDir
	merged["TEMP"] = job.TempDir
	merged["TMPDIR"] = job.TempDir
	merged[wire.EnvFAMPath] = famPath

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

func toReportedAccess(f reportchannel.FileAccessFrame) domain.ReportedAccess {
	return domain.ReportedAccess{
		Op:            opFromString(f.Op),
		Pid:           f.Pid,
		PPid:          f.PPid,
		Requested:     domain.RequestedAccess(f.RequestedAccess),
		Status:        domain.DecisionStatus(f.Status),
		Path:          f.Path,
		PathTruncated: f.PathTruncated,
		Explicit:      f.Explicit,
		ErrorCode:     f.Errno,
		IsDirectory:   f.IsDirectory,
		CommandLine:   f.CommandLine,
	}
}

func opFromString(s string) domain.OperationKind {
	for _, k := range []domain.OperationKind{
		domain.OpCreate, domain.OpOpen, domain.OpRead, domain.OpWrite, domain.OpDelete,
		domain.OpRename, domain.OpEnumerate, domain.OpProbe, domain.OpProcessStart,
		domain.OpProcessExit, domain.OpProcessBreakaway,
	} {
		if k.String() == s {
			return k
		}
	}
	return domain.OpUnknown
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// capBuffer is a bytes.Buffer that silently stops accepting writes past
// maxCapturedOutputBytes, so a chatty pip can't make output capture unbounded.
type capBuffer struct {
	bytes.Buffer
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if c.Len() >= maxCapturedOutputBytes {
		return len(p), nil
	}
	if c.Len()+len(p) > maxCapturedOutputBytes {
		if _, err := c.Buffer.Write(p[:maxCapturedOutputBytes-c.Len()]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return c.Buffer.Write(p)
}
