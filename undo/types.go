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
Package undo implements the Undo Subsystem: per-segment
transaction slot rings, append-only undo record chains, rollback, and a
background recycler.

Grounded on the undo segment header layout (UNDO_TRX_SLOTS, UNDO_SLICE_SIZE,
the TransactionSlotPtr bit split, UndoSegmentHead, and the
GetNextTrxSlot/RollBack/Recovery/RecycleTransactionSlot method shapes), with
the Go idiom of an UndoEntry/UndoType enum walked backwards on abort — the
same shape this package's rollback walk follows, generalized to
PMEM-resident chains instead of an in-memory slice.
*/
package undo

import "github.com/nvmdb/pmemstore/nvmtypes"

// Status is a transaction slot's lifecycle state.
type Status uint8

const (
	StatusFree Status = iota
	StatusInProgress
	StatusCommitted
	StatusRolledBack
)

// RecType tags an undo record's payload shape.
type RecType uint8

const (
	RecHeapInsert RecType = iota
	RecHeapUpdate
	RecHeapDelete
	RecIndexInsert
	RecIndexDelete
)

// TrxSlot is the fixed-size, PMEM-resident record of one transaction's undo
// state: its commit/abort status, its CSN once committed, and the bounds of
// its undo chain within the segment's record arena.
type TrxSlot struct {
	Status Status
	CSN    nvmtypes.CSN
	Start  uint64 // arena offset of the first record this trx ever wrote
	End    uint64 // arena offset of the most recently appended record (chain head)
}

func (s *TrxSlot) reset() {
	s.Status = StatusFree
	s.CSN = nvmtypes.InvalidCSN
	s.Start = 0
	s.End = 0
}

// HeapApplier is implemented by a heap table so undo can dispatch rollback of
// heap records without importing the heap package (undo is a lower layer;
// heap calls into undo, never the reverse).
type HeapApplier interface {
	RollbackInsert(rowID nvmtypes.RowId)
	RollbackUpdate(rowID nvmtypes.RowId, oldHead []byte, delta []ColumnDelta)
	RollbackDelete(rowID nvmtypes.RowId, oldHead []byte, oldBody []byte)
}

// IndexApplier is implemented by an index instance for the same reason.
type IndexApplier interface {
	RollbackInsert(key []byte, refillCSN nvmtypes.CSN)
	RollbackDelete(key []byte)
}

// ColumnDelta is one changed column captured by HeapUpdateUndo: offset,
// length and the pre-update bytes, packed back-to-back in the undo record.
type ColumnDelta struct {
	Offset uint64
	Bytes  []byte
}
