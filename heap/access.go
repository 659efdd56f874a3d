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
access.go implements Heap Access: HeapInsert/HeapRead/
HeapUpdate/HeapDelete, each interlocking the row latch, the undo context
and MVCC visibility the way a shard-level commit path interlocks its
overlay, undo log and lock ordering, generalized here to PMEM-resident
tuples and a per-row spin latch instead of a per-shard mutex.
*/
package heap

import (
	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/txn"
	"github.com/nvmdb/pmemstore/undo"
)

// HeapInsert allocates a fresh RowId, writes its undo record, and
// initializes the tuple head+body under the row latch.
func (t *Table) HeapInsert(trx *txn.Transaction, cache *RowIdCache, values Values) (nvmtypes.RowId, error) {
	if trx.IsWaitAbort() {
		return 0, txn.ErrWaitAbort
	}
	ctx, err := trx.PrepareUndo()
	if err != nil {
		return 0, err
	}
	rowid, err := t.vecStore.InsertVersion(cache, t.isUsed)
	if err != nil {
		return 0, err
	}
	ctx.AppendHeapInsertUndo(t.segHead, rowid, uint32(t.schema.TupleSize()))

	entry, _ := t.rowMap.GetEntry(rowid, false)
	entry.lock()
	defer entry.unlock()

	nvm, err := t.nvmTuple(rowid, true)
	if err != nil {
		return 0, err
	}
	head := Head{
		TrxInfo: nvmtypes.TrxInfoFromSlotPtr(trx.SlotPtr()),
		Flag1:   nvmtypes.TupleFlagUsed,
		Len:     uint16(t.schema.RowSize),
	}
	body := Serialize(head, values, t.schema)
	entry.syncDRAMCache(nvm, body)
	t.persistTuplePage(rowid)
	return rowid, nil
}

// HeapRead copies the visible version of rowid as of trx's snapshot into
// values, walking the undo chain backward through older versions when the
// current NVM head isn't visible yet.
func (t *Table) HeapRead(trx *txn.Transaction, rowid nvmtypes.RowId) (Values, error) {
	if trx.IsWaitAbort() {
		return nil, txn.ErrWaitAbort
	}
	entry, ok := t.rowMap.GetEntry(rowid, true)
	if !ok {
		return nil, ErrReadRowNotUsed
	}

	entry.lock()
	nvm, err := t.nvmTuple(rowid, false)
	if err != nil {
		entry.unlock()
		return nil, err
	}
	if nvm == nil || !decodeHead(nvm[:headSize]).Used() {
		entry.unlock()
		return nil, ErrReadRowNotUsed
	}
	curHead, curBody := Deserialize(nvm, t.schema)
	entry.unlock()

	for {
		switch trx.VersionIsVisible(curHead.TrxInfo) {
		case txn.ResOk, txn.ResSelfUpdated:
			if curHead.Deleted() {
				return nil, ErrRowDeleted
			}
			return curBody, nil
		default:
			if !curHead.PrevUndo.Valid() {
				return nil, ErrNoVisibleVersion
			}
			kind, oldHead, oldBody, deltas, err := t.undoMgr.ReadHeapVersionAt(curHead.PrevUndo)
			if err != nil {
				return nil, err
			}
			if kind == undo.RecHeapDelete {
				curBody = splitBody(oldBody, t.schema)
			} else { // RecHeapUpdate: reconstruct the prior body by replaying
				// the delta's old column bytes over the current live body.
				flat := serializeBody(curBody, t.schema)
				ApplyDelta(flat, deltas)
				curBody = splitBody(flat, t.schema)
			}
			curHead = decodeHead(oldHead)
		}
	}
}

// serializeBody/splitBody pack and unpack a Values slice into/out of a flat
// byte buffer so ApplyDelta (which works on contiguous bytes) can be reused
// for the version-walk's delta replay, the same layout Serialize/Deserialize
// use for the on-disk tuple body.
func serializeBody(v Values, schema Schema) []byte {
	buf := make([]byte, schema.RowSize)
	for i, col := range schema.Columns {
		copy(buf[col.Offset:col.Offset+col.Size], v[i])
	}
	return buf
}

func splitBody(buf []byte, schema Schema) Values {
	out := make(Values, len(schema.Columns))
	for i, col := range schema.Columns {
		out[i] = append([]byte(nil), buf[col.Offset:col.Offset+col.Size]...)
	}
	return out
}

// HeapUpdate arbitrates the write against the current version, then writes
// an undo record and updates the tuple in place.
func (t *Table) HeapUpdate(trx *txn.Transaction, rowid nvmtypes.RowId, newValues Values, updated []bool) error {
	if trx.IsWaitAbort() {
		return txn.ErrWaitAbort
	}
	ctx, err := trx.PrepareUndo()
	if err != nil {
		return err
	}
	entry, ok := t.rowMap.GetEntry(rowid, false)
	if !ok {
		return ErrReadRowNotUsed
	}

	entry.lock()
	defer entry.unlock()

	nvm, err := t.nvmTuple(rowid, false)
	if err != nil {
		return err
	}
	head, oldValues := Deserialize(nvm, t.schema)

	switch trx.SatisfiedUpdate(head.TrxInfo) {
	case txn.UpdateBeingModified:
		trx.EnterWaitAbort()
		return ErrUpdateConflict
	}
	if head.Deleted() {
		trx.EnterWaitAbort()
		return ErrRowDeleted
	}

	oldHeadBytes := make([]byte, headSize)
	encodeHead(head, oldHeadBytes)
	deltas := Diff(oldValues, newValues, updated, t.schema)
	undoPtr := ctx.AppendHeapUpdateUndo(t.segHead, rowid, oldHeadBytes, deltas)

	newHead := Head{
		TrxInfo:  nvmtypes.TrxInfoFromSlotPtr(trx.SlotPtr()),
		PrevUndo: undoPtr,
		Flag1:    head.Flag1,
		Len:      head.Len,
	}
	body := Serialize(newHead, newValues, t.schema)
	entry.syncDRAMCache(nvm, body)
	t.persistTuplePage(rowid)
	return nil
}

// HeapDelete is HeapUpdate's sibling: it snapshots the full old head+body
// and sets DELETED in place.
func (t *Table) HeapDelete(trx *txn.Transaction, rowid nvmtypes.RowId) error {
	if trx.IsWaitAbort() {
		return txn.ErrWaitAbort
	}
	ctx, err := trx.PrepareUndo()
	if err != nil {
		return err
	}
	entry, ok := t.rowMap.GetEntry(rowid, false)
	if !ok {
		return ErrReadRowNotUsed
	}

	entry.lock()
	defer entry.unlock()

	nvm, err := t.nvmTuple(rowid, false)
	if err != nil {
		return err
	}
	head, _ := Deserialize(nvm, t.schema)

	switch trx.SatisfiedUpdate(head.TrxInfo) {
	case txn.UpdateBeingModified:
		trx.EnterWaitAbort()
		return ErrUpdateConflict
	}
	if head.Deleted() {
		trx.EnterWaitAbort()
		return ErrRowDeleted
	}

	oldHeadBytes := make([]byte, headSize)
	encodeHead(head, oldHeadBytes)
	oldBody := append([]byte(nil), nvm[headSize:]...)
	undoPtr := ctx.AppendHeapDeleteUndo(t.segHead, rowid, oldHeadBytes, oldBody)

	newHead := Head{
		TrxInfo:  nvmtypes.TrxInfoFromSlotPtr(trx.SlotPtr()),
		PrevUndo: undoPtr,
		Flag1:    head.Flag1 | nvmtypes.TupleFlagDeleted,
		Len:      head.Len,
	}
	newHeadBytes := make([]byte, headSize)
	encodeHead(newHead, newHeadBytes)
	entry.syncDRAMCacheDeleted(nvm, newHeadBytes)
	t.persistTuplePage(rowid)
	return nil
}
