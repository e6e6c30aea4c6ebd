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

import "sync"

// activeSet tracks the live pids of a monitored process tree and implements
// the race-free liveness/shutdown protocol of spec §4.D. It is grounded on
// the teacher's seccompNotifPidTracker (seccomp/pidTracker.go): one mutex,
// one refcounted map, track()/untrack() primitives. Here the table is used
// for process membership (a pid is "active" or not) rather than recursion
// depth, and is extended with a breakaway tombstone set so reused pids are
// not mistaken for the same process.
type activeSet struct {
	mu sync.Mutex

	active    map[uint32]struct{}
	tombstone map[uint32]struct{} // pids that broke away and haven't been reused yet

	rootPid           uint32
	rootSeen          bool
	rootSynthesized   bool // one-shot: root removed before ever being seen
	orphansActive     bool
}

func newActiveSet(rootPid uint32) *activeSet {
	return &activeSet{
		active:    make(map[uint32]struct{}),
		tombstone: make(map[uint32]struct{}),
		rootPid:   rootPid,
	}
}

// start records a ProcessStart: pid joins the active set, and any breakaway
// tombstone left under the same numeric pid is cleared (pid reuse). A start
// that lands after a drain wrote "-21" leaves the set non-empty, which is
// what makes the later recheck of that "-21" ignore it.
func (s *activeSet) start(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tombstone, pid) // pid reuse: clear any stale breakaway tombstone
	s.active[pid] = struct{}{}
	if pid == s.rootPid {
		s.rootSeen = true
	}
}

// exit records a ProcessExit. Returns true if this removal brought the
// active set to zero (the trigger for writing the -21 sentinel).
func (s *activeSet) exit(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(pid)
}

// breakaway records a ProcessBreakaway: the pid leaves the monitored tree
// but did not "exit" in the classic sense. It is tombstoned so that a
// pid-reuse race (a new ProcessStart for the same numeric pid before the
// kernel recycles bookkeeping) is recognized and the tombstone cleared.
func (s *activeSet) breakaway(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstone[pid] = struct{}{}
	return s.removeLocked(pid)
}

func (s *activeSet) removeLocked(pid uint32) bool {
	_, wasActive := s.active[pid]

	if pid == s.rootPid && !s.rootSeen {
		// Root exited abruptly without a preceding ProcessStart ever being
		// observed for it. Spec §4.D/§9: synthesize the drained transition
		// exactly once, and never again for this pid.
		if s.rootSynthesized {
			return false
		}
		s.rootSynthesized = true
		return len(s.active) == 0
	}

	if !wasActive {
		return false
	}
	delete(s.active, pid)

	if pid == s.rootPid && len(s.active) > 0 {
		s.orphansActive = true
	}

	return len(s.active) == 0
}

func (s *activeSet) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) == 0
}

func (s *activeSet) orphans() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphansActive
}

func (s *activeSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
