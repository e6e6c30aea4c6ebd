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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveSetStartThenExitDrains(t *testing.T) {
	s := newActiveSet(7)
	s.start(7)
	assert.False(t, s.isEmpty())
	assert.True(t, s.exit(7))
	assert.True(t, s.isEmpty())
}

func TestActiveSetExitOfUnknownPidDoesNotDrain(t *testing.T) {
	s := newActiveSet(7)
	s.start(7)
	assert.False(t, s.exit(99), "exiting a pid that was never active must not report a drain")
	assert.Equal(t, 1, s.size())
}

func TestActiveSetPidReuseAfterBreakaway(t *testing.T) {
	s := newActiveSet(1)
	s.start(42)
	s.breakaway(42)
	assert.Equal(t, 0, s.size())
	s.start(42)
	assert.Equal(t, 1, s.size())
	_, tombstoned := s.tombstone[42]
	assert.False(t, tombstoned, "starting a reused pid must clear its tombstone")
}

func TestActiveSetOrphansWhenRootExitsFirst(t *testing.T) {
	s := newActiveSet(7)
	s.start(7)
	s.start(9)
	drained := s.exit(7)
	assert.False(t, drained, "a child is still active, so this is not a drain to zero")
	assert.True(t, s.orphans())
	assert.Equal(t, 1, s.size())
}

func TestActiveSetNoOrphansWhenRootExitsLast(t *testing.T) {
	s := newActiveSet(7)
	s.start(7)
	s.start(9)
	s.exit(9)
	s.exit(7)
	assert.False(t, s.orphans())
}

func TestActiveSetAbruptRootExitSynthesizesDrainOnce(t *testing.T) {
	s := newActiveSet(7)
	assert.True(t, s.exit(7), "root exiting without ever being started must still synthesize a drain")
	assert.False(t, s.exit(7), "the synthesized drain is one-shot")
}
