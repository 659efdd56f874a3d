/*
Copyright (C) 2024  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package index

import (
	"runtime"
	"sync/atomic"
)

// versionedLock is the leaf write latch: a 64-bit version with a generation
// in the high 32 bits, bumped on mount so waiters from a previous process
// incarnation give up rather than spin forever. The low bit of the low 32
// bits marks "locked".
type versionedLock struct {
	word atomic.Uint64
}

const lockedBit = uint64(1)

func packVersion(generation uint32, seq uint32) uint64 {
	return uint64(generation)<<32 | uint64(seq)
}

func (l *versionedLock) init(generation uint32) {
	l.word.Store(packVersion(generation, 0))
}

// lock spins until it wins the CAS that sets the locked bit, giving up and
// returning false if gen no longer matches (a stale waiter from a prior
// mount, per the "versioned generation ids" design note).
func (l *versionedLock) lock(generation uint32) bool {
	for spins := 0; ; spins++ {
		cur := l.word.Load()
		gen := uint32(cur >> 32)
		if gen != generation {
			return false
		}
		if cur&lockedBit != 0 {
			if spins > 64 {
				runtime.Gosched()
			}
			continue
		}
		if l.word.CompareAndSwap(cur, cur|lockedBit) {
			return true
		}
	}
}

// unlock clears the locked bit and advances the sequence, invalidating any
// readers that cached a pre-lock version (not currently consulted by
// readers in this implementation, kept for parity with the NVM layout).
func (l *versionedLock) unlock(generation uint32) {
	cur := l.word.Load()
	seq := uint32(cur) &^ 1
	l.word.Store(packVersion(generation, seq+2))
}
