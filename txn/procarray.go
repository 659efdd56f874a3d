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
/*
Package txn implements the MVCC Transaction Manager: a
fixed-size proc array for snapshot publication, CSN assignment, visibility
arbitration and the rollback driver.

The proc array uses a torn-read-protected scan guarded by a version counter
bumped before and after each registration, so a concurrent minimum-snapshot
scan can detect and retry across a race instead of reading stale slots.
*/
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

type procSlot struct {
	inUse       atomic.Bool
	snapshotCSN atomic.Uint64
}

// procArray is the fixed-size registry of live transaction snapshots used
// to compute the engine-wide minimum snapshot the undo recycler honors.
type procArray struct {
	slots   []procSlot
	version atomic.Uint64
	regMu   sync.Mutex // short spinlock-equivalent across registration only
}

func newProcArray(size int) *procArray {
	return &procArray{slots: make([]procSlot, size)}
}

// register claims the first free slot, publishes snapshot with release
// ordering, and bumps the version counter so concurrent scanners notice the
// registration.
func (p *procArray) register(snapshot nvmtypes.CSN) int {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	for i := range p.slots {
		if p.slots[i].inUse.CompareAndSwap(false, true) {
			p.version.Add(1)
			p.slots[i].snapshotCSN.Store(snapshot)
			p.version.Add(1)
			return i
		}
	}
	panic("txn: proc array exhausted: more concurrent transactions than configured max threads")
}

func (p *procArray) deregister(slot int) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	p.version.Add(1)
	p.slots[slot].snapshotCSN.Store(0)
	p.slots[slot].inUse.Store(false)
	p.version.Add(1)
}

// minSnapshot scans every in-use slot's published snapshot and returns the
// minimum, retrying (bounded) if the version counter shows the scan raced a
// concurrent register/deregister.
func (p *procArray) minSnapshot(fallback nvmtypes.CSN) nvmtypes.CSN {
	const maxRetries = 8
	for attempt := 0; attempt < maxRetries; attempt++ {
		before := p.version.Load()
		min := fallback
		any := false
		for i := range p.slots {
			if !p.slots[i].inUse.Load() {
				continue
			}
			csn := p.slots[i].snapshotCSN.Load()
			if csn == 0 {
				continue
			}
			if !any || csn < min {
				min = csn
				any = true
			}
		}
		after := p.version.Load()
		if before == after {
			return min
		}
	}
	return fallback
}
