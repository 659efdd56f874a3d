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
rowidmap.go implements the RowId Map: a two-level dynamic
array of per-row entries, each with a spin latch on a flag1 bit and a
size-bounded DRAM cache mirroring the NVM tuple.
*/
package heap

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// entriesPerSegment mirrors roughly 128 Ki entries per segment.
const entriesPerSegment = 128 * 1024

// Entry is one row's DRAM-resident bookkeeping: where its tuple lives in
// NVM, and a cached copy of head+body for read-hot paths.
type Entry struct {
	flag1 atomic.Uint32 // latch bit (nvmtypes.RowEntryLatchBit) + USED/DELETED mirror
	flag2 uint16

	pageNo nvmtypes.PageNo
	offset int // byte offset of the tuple within pageNo

	dram []byte // head+body cache, length == table's tuple size once populated
}

func (e *Entry) lock() {
	for {
		old := e.flag1.Load()
		if old&nvmtypes.RowEntryLatchBit == 0 {
			if e.flag1.CompareAndSwap(old, old|nvmtypes.RowEntryLatchBit) {
				return
			}
		}
		runtime.Gosched()
	}
}

func (e *Entry) unlock() {
	for {
		old := e.flag1.Load()
		if e.flag1.CompareAndSwap(old, old&^nvmtypes.RowEntryLatchBit) {
			return
		}
	}
}

// RowIdMap is the two-level segmented array of per-row latch and DRAM cache
// entries, fronting the vector store for every heap access.
type RowIdMap struct {
	mu       sync.Mutex // guards segment-slice extension only
	segments [][]*Entry
}

func NewRowIdMap() *RowIdMap { return &RowIdMap{} }

// GetEntry returns the entry for rowid, extending the segmented array under
// a latch if needed. With readOnly set, a row that has never been touched
// returns (nil, false) instead of allocating a fresh entry.
func (m *RowIdMap) GetEntry(rowid nvmtypes.RowId, readOnly bool) (*Entry, bool) {
	segIdx := int(rowid) / entriesPerSegment
	idx := int(rowid) % entriesPerSegment

	m.mu.Lock()
	for len(m.segments) <= segIdx {
		if readOnly {
			m.mu.Unlock()
			return nil, false
		}
		m.segments = append(m.segments, make([]*Entry, entriesPerSegment))
	}
	seg := m.segments[segIdx]
	e := seg[idx]
	if e == nil {
		if readOnly {
			m.mu.Unlock()
			return nil, false
		}
		e = &Entry{}
		seg[idx] = e
	}
	m.mu.Unlock()
	return e, true
}

// readDRAMCache refreshes the cache from an NVM byte image (head+body).
func (e *Entry) readDRAMCache(nvmImage []byte) {
	e.dram = append(e.dram[:0], nvmImage...)
}

// syncDRAMCache pushes the given head+body bytes to NVM at the entry's
// address and refreshes the DRAM mirror, keeping both coherent.
func (e *Entry) syncDRAMCache(nvm []byte, fresh []byte) {
	copy(nvm, fresh)
	e.dram = append(e.dram[:0], fresh...)
}

// syncDRAMCacheDeleted mirrors only the head (the first headSize bytes)
// into the DRAM cache sync_dram_cache_deleted.
func (e *Entry) syncDRAMCacheDeleted(nvm []byte, newHead []byte) {
	copy(nvm[:headSize], newHead)
	if len(e.dram) >= headSize {
		copy(e.dram[:headSize], newHead)
	}
}
