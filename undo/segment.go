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
segment.go lays a segment's on-disk geometry over a pmemfile.LogicalFile:
page 0 holds the scalar header fields, the next few pages hold the fixed
trx-slot ring, and everything after that is a byte arena of undo records,
addressed the way an insert-undo-record append works: rec.prev = slot.end;
write rec at free_begin; free_begin += len.
*/
package undo

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/pmemfile"
)

const (
	slotEncodedSize = 32 // status(1)+pad(7)+csn(8)+start(8)+end(8)
	headerScalarLen = 64 // 8 uint64 fields, see flushHeader below
)

func slotPagesNeeded() uint32 {
	bytes := uint32(nvmtypes.SlotsPerSegment) * slotEncodedSize
	return (bytes + nvmtypes.PageSize - 1) / nvmtypes.PageSize
}

func arenaStartPage() nvmtypes.PageNo {
	return nvmtypes.PageNo(1 + slotPagesNeeded())
}

// Segment is one undo segment: a logical file with its own slot ring and
// record arena. A Manager owns a fixed pool of these and hands them out to
// transactions round-robin.
type Segment struct {
	id   uint16
	file *pmemfile.LogicalFile

	mu sync.Mutex // guards header scalars and slot-ring bookkeeping

	minSnapshot     atomic.Uint64
	freeBegin       uint64
	recycledBegin   uint64
	recoveryStart   uint64
	recoveryEnd     uint64
	nextFreeSlot    uint64
	nextRecycleSlot uint64
	minSlotID       atomic.Uint64
}

func newSegment(id uint16, name string, dirs []string, sliceLen uint64, maxSliceNum uint32) *Segment {
	return &Segment{
		id:   id,
		file: pmemfile.New(name, dirs, sliceLen, maxSliceNum),
	}
}

// Create lays down a fresh segment: zeroed header, empty slot ring.
func (s *Segment) Create() error {
	if err := s.file.Create(); err != nil {
		return err
	}
	if err := s.file.Extend(arenaStartPage()); err != nil {
		return err
	}
	s.freeBegin = uint64(arenaStartPage()) * nvmtypes.PageSize
	s.recycledBegin = s.freeBegin
	s.nextFreeSlot = 0
	s.nextRecycleSlot = 0
	s.minSlotID.Store(0)
	s.flushHeader()
	for i := uint64(0); i < nvmtypes.SlotsPerSegment; i++ {
		s.writeSlot(i, TrxSlot{Status: StatusFree})
	}
	return nil
}

// Mount remounts an existing segment and rehydrates the header from page 0.
func (s *Segment) Mount() error {
	if err := s.file.Mount(); err != nil {
		return err
	}
	page0, err := s.pageAt(0)
	if err != nil {
		return err
	}
	s.minSnapshot.Store(binary.LittleEndian.Uint64(page0[0:]))
	s.freeBegin = binary.LittleEndian.Uint64(page0[8:])
	s.recycledBegin = binary.LittleEndian.Uint64(page0[16:])
	s.recoveryStart = binary.LittleEndian.Uint64(page0[24:])
	s.recoveryEnd = binary.LittleEndian.Uint64(page0[32:])
	s.nextFreeSlot = binary.LittleEndian.Uint64(page0[40:])
	s.nextRecycleSlot = binary.LittleEndian.Uint64(page0[48:])
	s.minSlotID.Store(binary.LittleEndian.Uint64(page0[56:]))
	return nil
}

func (s *Segment) Unmount() error { return s.file.Unmount() }

func (s *Segment) pageAt(p nvmtypes.PageNo) ([]byte, error) {
	if err := s.file.Extend(p); err != nil {
		return nil, err
	}
	return s.file.RelpointOfPageno(p)
}

func (s *Segment) persistPage(p nvmtypes.PageNo) {
	full, err := s.file.RelpointOfPageno(p)
	if err != nil {
		panic(fmt.Sprintf("undo: persist page %d: %v", p, err))
	}
	s.file.Persist(full)
}

func (s *Segment) flushHeader() {
	page0, err := s.pageAt(0)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(page0[0:], s.minSnapshot.Load())
	binary.LittleEndian.PutUint64(page0[8:], s.freeBegin)
	binary.LittleEndian.PutUint64(page0[16:], s.recycledBegin)
	binary.LittleEndian.PutUint64(page0[24:], s.recoveryStart)
	binary.LittleEndian.PutUint64(page0[32:], s.recoveryEnd)
	binary.LittleEndian.PutUint64(page0[40:], s.nextFreeSlot)
	binary.LittleEndian.PutUint64(page0[48:], s.nextRecycleSlot)
	binary.LittleEndian.PutUint64(page0[56:], s.minSlotID.Load())
	s.persistPage(0)
}

func (s *Segment) slotLocation(slotID uint64) (nvmtypes.PageNo, int) {
	byteOff := slotID * slotEncodedSize
	page := 1 + nvmtypes.PageNo(byteOff/nvmtypes.PageSize)
	inPage := int(byteOff % nvmtypes.PageSize)
	return page, inPage
}

func (s *Segment) readSlot(slotID uint64) TrxSlot {
	page, off := s.slotLocation(slotID)
	b, err := s.pageAt(page)
	if err != nil {
		panic(err)
	}
	var t TrxSlot
	t.Status = Status(b[off])
	t.CSN = binary.LittleEndian.Uint64(b[off+8:])
	t.Start = binary.LittleEndian.Uint64(b[off+16:])
	t.End = binary.LittleEndian.Uint64(b[off+24:])
	return t
}

func (s *Segment) writeSlot(slotID uint64, t TrxSlot) {
	page, off := s.slotLocation(slotID)
	b, err := s.pageAt(page)
	if err != nil {
		panic(err)
	}
	b[off] = byte(t.Status)
	binary.LittleEndian.PutUint64(b[off+8:], t.CSN)
	binary.LittleEndian.PutUint64(b[off+16:], t.Start)
	binary.LittleEndian.PutUint64(b[off+24:], t.End)
	s.persistPage(page)
}

// GetNextTrxSlot allocates the next free slot in the ring for a new
// transaction, returning its TransactionSlotPtr. The ring wraps; a caller
// that wraps all the way back to the recycler's frontier means the segment
// is full and the manager should try another one.
func (s *Segment) GetNextTrxSlot() (nvmtypes.TransactionSlotPtr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.nextFreeSlot
	for i := uint64(0); i < nvmtypes.SlotsPerSegment; i++ {
		id := (start + i) % nvmtypes.SlotsPerSegment
		if id == s.nextRecycleSlot && i != 0 {
			break // caught up with the recycler's frontier: ring is full
		}
		slot := s.readSlot(id)
		if slot.Status == StatusFree {
			slot.Status = StatusInProgress
			slot.CSN = nvmtypes.InvalidCSN
			slot.Start = 0
			slot.End = 0
			s.writeSlot(id, slot)
			s.nextFreeSlot = (id + 1) % nvmtypes.SlotsPerSegment
			s.flushHeader()
			return nvmtypes.MakeTrxSlotPtr(s.id, id), true
		}
	}
	return nvmtypes.InvalidTrxSlotPtr, false
}

// Slot reads the current state of a slot by id.
func (s *Segment) Slot(slotID uint64) TrxSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSlot(slotID)
}

// MinSlotID returns the public lower bound: slot ids below it belong to
// transactions retired long enough ago to be visible to every live snapshot.
func (s *Segment) MinSlotID() uint64 { return s.minSlotID.Load() }

// SetStatus transitions a slot (Commit stamps CSN + Committed, Abort stamps
// RolledBack after the rollback walk completes).
func (s *Segment) SetStatus(slotID uint64, status Status, csn nvmtypes.CSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.readSlot(slotID)
	slot.Status = status
	if status == StatusCommitted {
		slot.CSN = csn
	}
	s.writeSlot(slotID, slot)
}

// writeArena copies data into the arena starting at byte offset off,
// looping across page boundaries since a record may span two pages.
func (s *Segment) writeArena(off uint64, data []byte) {
	for len(data) > 0 {
		page := nvmtypes.PageNo(off / nvmtypes.PageSize)
		inPage := int(off % nvmtypes.PageSize)
		b, err := s.pageAt(page)
		if err != nil {
			panic(err)
		}
		n := copy(b[inPage:], data)
		s.persistPage(page)
		data = data[n:]
		off += uint64(n)
	}
}

func (s *Segment) readArena(off uint64, length int) []byte {
	out := make([]byte, length)
	pos := 0
	for pos < length {
		page := nvmtypes.PageNo(off / nvmtypes.PageSize)
		inPage := int(off % nvmtypes.PageSize)
		b, err := s.pageAt(page)
		if err != nil {
			panic(err)
		}
		n := copy(out[pos:], b[inPage:])
		pos += n
		off += uint64(n)
	}
	return out
}
