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

// Package wire implements the external interfaces of the sandbox control
// plane (spec §6): the environment-variable contract the host uses to hand
// a File Access Manifest to the enforcement layer, and the binary layout of
// that manifest's header blocks (everything ahead of the manifest-tree
// block itself, which lives in package manifest per spec §4.C).
//
// The header blocks are read top-to-bottom in the fixed order spec §6
// lists; FAM bundles them with a *manifest.Tree so one Serialize/Deserialize
// pair produces the complete byte stream a real enforcement layer would
// load, mirroring how the teacher's handler/implementations package treats
// one resource (a mount, a cgroup file) as one self-contained read/write
// unit rather than scattering its wire format across callers.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf16"

	"github.com/buildxl-oss/pipsandbox/manifest"
)

// Environment-variable contract (spec §6) between the host and the process
// that loads a manifest.
const (
	EnvFAMPath                   = "__BUILDXL_FAM_PATH"
	EnvMaxConcurrency            = "__BUILDXL_MAX_CONCURRENCY"
	EnvRingBufferSizeMultiplier  = "__BUILDXL_RING_BUFFER_SIZE_MULTIPLIER"
)

// FAMPath reads the required manifest path from the environment.
func FAMPath() (string, bool) {
	return os.LookupEnv(EnvFAMPath)
}

// SetFAMPath sets the manifest path a child process will load, per the
// contract in spec §6.
func SetFAMPath(path string) error {
	return os.Setenv(EnvFAMPath, path)
}

// MaxConcurrency reads the optional scheduler concurrency hint.
func MaxConcurrency() (value int, ok bool, err error) {
	return lookupEnvInt(EnvMaxConcurrency)
}

// SetMaxConcurrency sets the optional scheduler concurrency hint.
func SetMaxConcurrency(n int) error {
	return os.Setenv(EnvMaxConcurrency, strconv.Itoa(n))
}

// RingBufferSizeMultiplier reads the optional ring-buffer sizing hint.
func RingBufferSizeMultiplier() (value int, ok bool, err error) {
	return lookupEnvInt(EnvRingBufferSizeMultiplier)
}

// SetRingBufferSizeMultiplier sets the optional ring-buffer sizing hint.
func SetRingBufferSizeMultiplier(n int) error {
	return os.Setenv(EnvRingBufferSizeMultiplier, strconv.Itoa(n))
}

func lookupEnvInt(name string) (int, bool, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("wire: %s=%q: %w", name, raw, err)
	}
	return n, true, nil
}

// debugMarker and releaseMarker are the block-1 values spec §6 item 1
// names; they double as the switch this package uses to decide whether the
// magic-cookie prefix described in spec §6's lead-in is written ahead of
// every subsequent header block (the manifest-tree block gets no cookie).
const (
	debugMarker   uint32 = 0xDB600001
	releaseMarker uint32 = 0xDB600000

	// magicCookie is the per-block prefix written in non-release builds.
	// The spec names one marker value for the debug-mode block itself but
	// does not distinguish per-block cookie values for the rest, so this
	// package reuses the debug marker as the cookie for every header block
	// that follows it — a call made explicit here rather than left implicit.
	magicCookie uint32 = debugMarker
)

// reportKindPath and reportKindRawHandle are the two values the report
// block's bottom kind bit (spec §6 item 9) can carry. This package only
// ever produces reportKindPath: a raw OS handle has no meaning once the
// manifest has been serialized to a byte stream read back by a different
// process, so FAM carries the report channel's FIFO path instead (see
// reportchannel.Open) and the raw-handle encoding exists here only so a
// manifest produced by another implementation can still be decoded.
const (
	reportKindPath      uint32 = 0
	reportKindRawHandle uint32 = 1
)

// BreakawayRule is one entry of the breakaway-child-processes block (spec
// §6 item 3).
type BreakawayRule struct {
	ProcessName                  string
	RequiredCommandLineSubstring string
	IgnoreCase                   bool
}

// DirectoryTranslation is one entry of the directory-translation block
// (spec §6 item 4).
type DirectoryTranslation struct {
	Source string
	Target string
}

// Flags is the block-6 bitmask (spec §6 item 6).
type Flags uint32

const (
	FlagBreakOnAccessDenied             Flags = 0x1
	FlagFailUnexpected                  Flags = 0x2
	FlagDiagnosticMessages              Flags = 0x4
	FlagReportFileAccesses              Flags = 0x8
	FlagReportUnexpected                Flags = 0x10
	FlagMonitorNtCreateFile             Flags = 0x20
	FlagMonitorChildProcesses           Flags = 0x40
	FlagIgnoreCodeCoverage              Flags = 0x80
	FlagReportProcessArgs               Flags = 0x100
	FlagForceReadOnlyForReadWrite       Flags = 0x200
	FlagIgnoreReparsePoints             Flags = 0x400
	FlagNormalizeReadTimestamps         Flags = 0x800
	FlagIgnoreZwRename                  Flags = 0x1000
	FlagIgnoreSetFileInfoByHandle       Flags = 0x2000
	FlagUseLargeNtClosePrealloc         Flags = 0x4000
	FlagUseExtraThreadToDrainNtClose    Flags = 0x8000
	FlagDisableDetours                  Flags = 0x10000
	FlagLogProcessData                  Flags = 0x20000
	FlagIgnoreGetFinalPathNameByHandle  Flags = 0x40000
	FlagLogProcessDetouringStatus       Flags = 0x80000
	FlagHardExitOnErrorInDetours        Flags = 0x100000
	FlagCheckMessageCount               Flags = 0x200000
	FlagIgnoreZwOtherFileInfo           Flags = 0x400000
	FlagMonitorZwCreateOpenQueryFile    Flags = 0x800000
	FlagIgnoreNonCreateFileReparse      Flags = 0x1000000
	FlagIgnoreCreateProcessReport       Flags = 0x2000000
	FlagUseLargeEnumerationBuffer       Flags = 0x4000000
	FlagIgnorePreloadedDlls             Flags = 0x8000000
	FlagEnforceOnDirectoryCreation      Flags = 0x10000000
	FlagProbeDirSymlinkAsDirectory      Flags = 0x20000000
	FlagIgnoreFullReparsePointResolving Flags = 0x40000000
)

// ExtraFlags is the block-7 bitmask (spec §6 item 7).
type ExtraFlags uint32

const (
	ExtraFlagExplicitlyReportDirectoryProbes             ExtraFlags = 0x1
	ExtraFlagPreserveFileSharing                         ExtraFlags = 0x2
	ExtraFlagEnableLinuxPTrace                           ExtraFlags = 0x4
	ExtraFlagEnableLinuxLogging                          ExtraFlags = 0x8
	ExtraFlagAlwaysRemoteInjectFrom32bit                 ExtraFlags = 0x10
	ExtraFlagUnconditionalPTrace                         ExtraFlags = 0x20
	ExtraFlagIgnoreDeviceIoControlGetReparsePoint        ExtraFlags = 0x40
	ExtraFlagIgnoreUntrackedPathsInReparsePointResolving ExtraFlags = 0x80
)

// ShimRule is one entry of the substitute-process-shim block's record list
// (spec §6 item 11).
type ShimRule struct {
	ProcessName string
	ArgMatch    string
}

// Shim is the substitute-process-shim block (spec §6 item 11).
type Shim struct {
	ShimAllProcesses bool
	ShimPath         string
	Plugin32Path     string
	Plugin64Path     string
	Rules            []ShimRule
}

// FAM is a complete File Access Manifest: the header blocks of spec §6
// items 1-11, plus the manifest-tree block of item 12.
type FAM struct {
	Debug                  bool
	InjectionTimeoutMinutes uint32
	BreakawayRules         []BreakawayRule
	DirectoryTranslations  []DirectoryTranslation
	ErrorDumpLocation      string
	Flags                  Flags
	ExtraFlags             ExtraFlags
	PipID                  uint64
	ReportPath             string
	InjectedDLLs           []string
	Shim                   Shim
	Tree                   *manifest.Tree
}

// Serialize writes fam in the binary layout of spec §6, blocks 1 through
// 11, followed by fam.Tree's own SerializeWire output as block 12.
func Serialize(w io.Writer, fam FAM, treeOpts manifest.WireOptions) error {
	bw := &blockWriter{w: w, debug: fam.Debug}

	marker := releaseMarker
	if fam.Debug {
		marker = debugMarker
	}
	if err := bw.writeRaw(marker); err != nil {
		return fmt.Errorf("wire: debug marker: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeU32(buf, fam.InjectionTimeoutMinutes)
	}); err != nil {
		return fmt.Errorf("wire: injection timeout: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeU32(buf, uint32(len(fam.BreakawayRules)))
		for _, r := range fam.BreakawayRules {
			writeString(buf, r.ProcessName)
			writeString(buf, r.RequiredCommandLineSubstring)
			writeBool(buf, r.IgnoreCase)
		}
	}); err != nil {
		return fmt.Errorf("wire: breakaway rules: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeU32(buf, uint32(len(fam.DirectoryTranslations)))
		for _, d := range fam.DirectoryTranslations {
			writeString(buf, d.Source)
			writeString(buf, d.Target)
		}
	}); err != nil {
		return fmt.Errorf("wire: directory translations: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeString(buf, fam.ErrorDumpLocation)
	}); err != nil {
		return fmt.Errorf("wire: error dump location: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeU32(buf, uint32(fam.Flags))
	}); err != nil {
		return fmt.Errorf("wire: flags: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeU32(buf, uint32(fam.ExtraFlags))
	}); err != nil {
		return fmt.Errorf("wire: extra flags: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeU64(buf, fam.PipID)
		if fam.Debug {
			writeU32(buf, 0)
		}
	}); err != nil {
		return fmt.Errorf("wire: pip identifier: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		pathBytes := utf16Bytes(fam.ReportPath)
		if len(pathBytes)%2 != 0 {
			pathBytes = append(pathBytes, 0)
		}
		writeU32(buf, uint32(len(pathBytes))<<1|reportKindPath)
		buf.Write(pathBytes)
	}); err != nil {
		return fmt.Errorf("wire: report block: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeDLLBlock(buf, fam.InjectedDLLs)
	}); err != nil {
		return fmt.Errorf("wire: dll block: %w", err)
	}

	if err := bw.writeBlock(func(buf *bytes.Buffer) {
		writeBool(buf, fam.Shim.ShimAllProcesses)
		writeString(buf, fam.Shim.ShimPath)
		writeString(buf, fam.Shim.Plugin32Path)
		writeString(buf, fam.Shim.Plugin64Path)
		writeU32(buf, uint32(len(fam.Shim.Rules)))
		for _, r := range fam.Shim.Rules {
			writeString(buf, r.ProcessName)
			writeString(buf, r.ArgMatch)
		}
	}); err != nil {
		return fmt.Errorf("wire: shim block: %w", err)
	}

	if fam.Tree == nil {
		return fmt.Errorf("wire: fam.Tree is nil: manifest-tree block is mandatory")
	}
	if err := fam.Tree.SerializeWire(w, treeOpts); err != nil {
		return fmt.Errorf("wire: manifest tree: %w", err)
	}
	return nil
}

// blockWriter writes each header block as a self-contained unit, prefixing
// a magic cookie ahead of it first when the manifest is a debug build.
type blockWriter struct {
	w     io.Writer
	debug bool
}

func (bw *blockWriter) writeRaw(v uint32) error {
	return binary.Write(bw.w, binary.LittleEndian, v)
}

func (bw *blockWriter) writeBlock(fill func(buf *bytes.Buffer)) error {
	if bw.debug {
		if err := bw.writeRaw(magicCookie); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	fill(&buf)
	_, err := bw.w.Write(buf.Bytes())
	return err
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeU32(buf, 1)
	} else {
		writeU32(buf, 0)
	}
}

// writeString writes a UTF-16LE encoded string prefixed with its 32-bit
// count of UTF-16 code units. Package manifest frames its path segments
// differently (null-terminated and 4-byte padded, with no length prefix).
func writeString(buf *bytes.Buffer, s string) {
	b := utf16Bytes(s)
	writeU32(buf, uint32(len(b)/2))
	buf.Write(b)
}

func utf16Bytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

func utf16Decode(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

// writeDLLBlock lays out names as spec §6 item 10 describes: a total-size
// word covering everything after it, a count, one offset per entry (into
// the concatenated name bytes), then the concatenated ASCII names
// themselves.
func writeDLLBlock(buf *bytes.Buffer, names []string) {
	var body bytes.Buffer
	offsets := make([]uint32, len(names))
	cursor := uint32(0)
	for i, n := range names {
		offsets[i] = cursor
		body.WriteString(n)
		cursor += uint32(len(n))
	}

	totalSize := uint32(4+4*len(names)) + uint32(body.Len())
	writeU32(buf, totalSize)
	writeU32(buf, uint32(len(names)))
	for _, off := range offsets {
		writeU32(buf, off)
	}
	buf.Write(body.Bytes())
}
