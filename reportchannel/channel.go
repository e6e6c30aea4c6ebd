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

package reportchannel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/buildxl-oss/pipsandbox/domain"
	"golang.org/x/sys/unix"
)

// CreateFIFO creates the named pipe backing a report channel at path, per
// spec §4.D. It is idempotent: an existing FIFO at path is left alone.
func CreateFIFO(path string) error {
	err := unix.Mkfifo(path, 0o600)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("reportchannel: mkfifo %s: %w", path, err)
	}
	return nil
}

// fifoEnds adapts a FIFO's separately-opened read and write file
// descriptors to a single io.ReadWriteCloser. The two handles are opened
// independently (rather than once with O_RDWR) because the host needs its
// own write handle purely to keep the pipe's writer count above zero: a
// FIFO opened O_RDONLY with no writer present reads as perpetually empty
// the instant the last real writer closes, which would make the brief gap
// between two monitored processes look identical to "the whole tree is
// done". This is this package's analogue of the teacher's procfs handlers
// never letting a virtual file look closed to the kernel.
type fifoEnds struct {
	r *os.File
	w *os.File
}

func (f *fifoEnds) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fifoEnds) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *fifoEnds) Close() error {
	werr := f.w.Close()
	rerr := f.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Channel is the host side of one job's report channel. It owns the FIFO
// (or, in tests, an in-memory stand-in), drives the active-process set,
// and runs the `-21`/`-22` liveness protocol of spec §4.D entirely from
// its own Run loop: the "host" that writes `-21` and the "reader" that
// rechecks and writes `-22` are the same goroutine, reading back the
// sentinels it wrote to itself through the same pipe.
type Channel struct {
	rw     io.ReadWriter
	closer io.Closer

	mu     sync.Mutex
	active *activeSet
}

// Open creates (if needed) and opens the FIFO at famPath, returning a
// Channel ready to report accesses for the process tree rooted at rootPid.
func Open(famPath string, rootPid uint32) (*Channel, error) {
	if err := CreateFIFO(famPath); err != nil {
		return nil, err
	}

	rfd, err := unix.Open(famPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("reportchannel: open reader %s: %w", famPath, err)
	}
	wfd, err := unix.Open(famPath, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(rfd)
		return nil, fmt.Errorf("reportchannel: open keep-alive writer %s: %w", famPath, err)
	}

	ends := &fifoEnds{
		r: os.NewFile(uintptr(rfd), famPath),
		w: os.NewFile(uintptr(wfd), famPath),
	}
	return newChannel(ends, ends, rootPid), nil
}

// newChannel builds a Channel over an arbitrary transport, used by Open for
// real FIFOs and by tests for in-memory ones.
func newChannel(rw io.ReadWriter, closer io.Closer, rootPid uint32) *Channel {
	return &Channel{rw: rw, closer: closer, active: newActiveSet(rootPid)}
}

// ReportFileAccess writes one FileAccess record onto the channel. In the
// real system this is called by the sandboxed process tree's instrumented
// runtime; since this module does not implement kernel-level interposition,
// it is the orchestrator that calls this — synthesizing ProcessStart and
// ProcessExit records for the root process from the lifecycle events it
// observes directly (spec §4.G point 7), standing in for the interposed
// runtime.
func (c *Channel) ReportFileAccess(f FileAccessFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.rw, EncodeFileAccess(f))
}

// ReportDebugMessage writes one DebugMessage record onto the channel.
func (c *Channel) ReportDebugMessage(f DebugMessageFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.rw, EncodeDebugMessage(f))
}

// Run consumes frames until the channel reaches end-of-reports or the
// underlying transport errors out (the signature of external cancellation:
// the process tree was killed and the reader exits on its next read, per
// spec §4.D point "Cancellation"). onAccess/onDebug are invoked for every
// FileAccess/DebugMessage record seen; IsNoActiveProcesses frames are
// consumed internally and never surfaced.
func (c *Channel) Run(onAccess func(FileAccessFrame) error, onDebug func(DebugMessageFrame) error) error {
	rd := NewReader(c.rw)
	for {
		f, err := rd.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case f.FileAccess != nil:
			if err := c.observeLifecycle(*f.FileAccess); err != nil {
				return err
			}
			if onAccess != nil {
				if err := onAccess(*f.FileAccess); err != nil {
					return err
				}
			}

		case f.DebugMessage != nil:
			if onDebug != nil {
				if err := onDebug(*f.DebugMessage); err != nil {
					return err
				}
			}

		case f.IsNoActiveProcesses:
			if err := c.recheckAfterDrain(); err != nil {
				return err
			}

		case f.IsEndOfReports:
			return c.closer.Close()
		}
	}
}

// observeLifecycle implements spec §4.D point 1-2: track ProcessStart/Exit/
// Breakaway in the active-process set, and the instant a removal drains it
// to empty, write the `-21` barrier.
func (c *Channel) observeLifecycle(f FileAccessFrame) error {
	drained := false
	switch f.Op {
	case domain.OpProcessStart.String():
		c.active.start(f.Pid)
	case domain.OpProcessExit.String():
		drained = c.active.exit(f.Pid)
	case domain.OpProcessBreakaway.String():
		drained = c.active.breakaway(f.Pid)
	}
	if !drained {
		return nil
	}
	return c.writeSentinelLocked(sentinelNoActiveProcesses)
}

// recheckAfterDrain implements spec §4.D point 3: having read back a `-21`
// it (or a previous drain) wrote, recheck whether the active set is still
// empty. If so, commit to `-22`. If a ProcessStart arrived in the
// meantime, the `-21` is ignored; the dance repeats on the next drain.
func (c *Channel) recheckAfterDrain() error {
	if !c.active.isEmpty() {
		return nil
	}
	return c.writeSentinelLocked(sentinelEndOfReports)
}

// writeSentinelLocked serializes sentinel writes per spec §4.D point 4. A
// broken-pipe error (no reader attached any more) is treated as "already
// shutting down" rather than a failure.
func (c *Channel) writeSentinelLocked(value int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := writeSentinel(c.rw, value)
	if err != nil && errors.Is(err, syscall.EPIPE) {
		return nil
	}
	return err
}

// Orphans reports whether the root process exited while descendants of it
// were still active (spec §4.D "Orphan detection").
func (c *Channel) Orphans() bool {
	return c.active.orphans()
}

// ActiveCount reports the current size of the active-process set, exposed
// for orchestrator-side timeout and diagnostic logging.
func (c *Channel) ActiveCount() int {
	return c.active.size()
}

// Close kills the channel without a clean `-22` handshake, for the
// orchestrator's cancellation path: the process tree has already been
// killed, so Run's next read will see EOF or an error and return.
func (c *Channel) Close() error {
	return c.closer.Close()
}

// Reader sequentially decodes frames from a report channel stream. Channel
// uses it internally; it is also exported for tests and for any consumer
// that wants to inspect raw frames without driving the liveness protocol.
type Reader struct {
	r io.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Recv reads and decodes the next frame.
func (rd *Reader) Recv() (Frame, error) {
	return readFrame(rd.r)
}
