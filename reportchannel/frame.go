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

// Package reportchannel implements the Report Channel: a one-direction,
// length-prefixed stream of access reports from a sandboxed process tree to
// the host, plus the liveness/shutdown protocol that decides — without a
// race — when the monitored process tree has truly finished (spec §4.D).
//
// The active-process bookkeeping is grounded on the teacher's
// seccomp/pidTracker.go: a refcounted per-pid table protected by one mutex,
// used there to serialize seccomp notification handling per thread. This
// package reuses that shape (one map, one mutex) for the active-process set
// the liveness protocol needs, tracking plain membership rather than
// reference counts, and adds the
// tombstone/orphan bookkeeping spec §4.D calls for on top of it.
package reportchannel

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Sentinel frame-length values, per spec §4.D wire framing.
const (
	sentinelNoActiveProcesses int32 = -21
	sentinelEndOfReports      int32 = -22
)

// ReportType is the leading integer field of a FileAccess/DebugMessage
// payload, per spec §4.D.
type ReportType int

const (
	ReportTypeFileAccess ReportType = iota
	ReportTypeDebugMessage
)

// FileAccessFrame is one parsed FileAccess report record.
type FileAccessFrame struct {
	SystemCall      string
	Op              string
	Pid             uint32
	PPid            uint32
	Errno           int
	RequestedAccess int
	Status          int
	Explicit        bool
	IsDirectory     bool
	PathTruncated   bool
	Path            string
	CommandLine     string // only present for process-exec reports
}

// DebugMessageFrame is one parsed DebugMessage report record.
type DebugMessageFrame struct {
	Pid      uint32
	Severity int
	Text     string
}

// Frame is one decoded unit read off the channel: exactly one of FileAccess,
// DebugMessage, or a sentinel is set.
type Frame struct {
	FileAccess   *FileAccessFrame
	DebugMessage *DebugMessageFrame

	IsNoActiveProcesses bool
	IsEndOfReports      bool
}

// writeFrame writes one length-prefixed payload to w, per spec §4.D.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(int32(len(payload))))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// writeSentinel writes a bare length-prefix sentinel (no payload).
func writeSentinel(w io.Writer, value int32) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(value))
	_, err := w.Write(lenBuf[:])
	return err
}

// EncodeFileAccess renders a FileAccessFrame into the wire payload format
// documented in spec §4.D: a leading report-type integer, then
// pipe-separated fields.
func EncodeFileAccess(f FileAccessFrame) []byte {
	fields := []string{
		strconv.Itoa(int(ReportTypeFileAccess)),
		f.SystemCall,
		f.Op,
		strconv.FormatUint(uint64(f.Pid), 10),
		strconv.FormatUint(uint64(f.PPid), 10),
		strconv.Itoa(f.Errno),
		strconv.Itoa(f.RequestedAccess),
		strconv.Itoa(f.Status),
		boolField(f.Explicit),
		boolField(f.IsDirectory),
		boolField(f.PathTruncated),
		f.Path,
	}
	if f.CommandLine != "" {
		fields = append(fields, f.CommandLine)
	}
	return []byte(strings.Join(fields, "|"))
}

// EncodeDebugMessage renders a DebugMessageFrame into its wire payload.
func EncodeDebugMessage(f DebugMessageFrame) []byte {
	fields := []string{
		strconv.Itoa(int(ReportTypeDebugMessage)),
		strconv.FormatUint(uint64(f.Pid), 10),
		strconv.Itoa(f.Severity),
		f.Text,
	}
	return []byte(strings.Join(fields, "|"))
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// decodePayload parses one report payload into a Frame.
func decodePayload(payload []byte) (Frame, error) {
	s := string(payload)
	parts := strings.Split(s, "|")
	if len(parts) == 0 {
		return Frame{}, fmt.Errorf("reportchannel: empty payload")
	}

	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Frame{}, fmt.Errorf("reportchannel: bad report type %q: %w", parts[0], err)
	}

	switch ReportType(kind) {
	case ReportTypeFileAccess:
		if len(parts) < 12 {
			return Frame{}, fmt.Errorf("reportchannel: short FileAccess payload: %q", s)
		}
		pid, _ := strconv.ParseUint(parts[3], 10, 32)
		ppid, _ := strconv.ParseUint(parts[4], 10, 32)
		errno, _ := strconv.Atoi(parts[5])
		reqAccess, _ := strconv.Atoi(parts[6])
		status, _ := strconv.Atoi(parts[7])

		f := &FileAccessFrame{
			SystemCall:      parts[1],
			Op:              parts[2],
			Pid:             uint32(pid),
			PPid:            uint32(ppid),
			Errno:           errno,
			RequestedAccess: reqAccess,
			Status:          status,
			Explicit:        parts[8] == "1",
			IsDirectory:     parts[9] == "1",
			PathTruncated:   parts[10] == "1",
			Path:            parts[11],
		}
		if len(parts) > 12 {
			f.CommandLine = strings.Join(parts[12:], "|")
		}
		return Frame{FileAccess: f}, nil

	case ReportTypeDebugMessage:
		if len(parts) < 4 {
			return Frame{}, fmt.Errorf("reportchannel: short DebugMessage payload: %q", s)
		}
		pid, _ := strconv.ParseUint(parts[1], 10, 32)
		severity, _ := strconv.Atoi(parts[2])
		return Frame{DebugMessage: &DebugMessageFrame{
			Pid:      uint32(pid),
			Severity: severity,
			Text:     strings.Join(parts[3:], "|"),
		}}, nil

	default:
		return Frame{}, fmt.Errorf("reportchannel: unknown report type %d", kind)
	}
}

// readFrame reads one length-prefixed unit from r.
func readFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := int32(binary.LittleEndian.Uint32(lenBuf[:]))

	switch {
	case length == sentinelNoActiveProcesses:
		return Frame{IsNoActiveProcesses: true}, nil
	case length == sentinelEndOfReports:
		return Frame{IsEndOfReports: true}, nil
	case length < 0:
		return Frame{}, fmt.Errorf("reportchannel: reserved negative frame length %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return decodePayload(payload)
}
