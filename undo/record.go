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
package undo

import (
	"encoding/binary"
	"fmt"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// recPrefix is the fixed-size header written before every record's payload.
// A/B are reused per record kind: for heap records they hold segHead/rowID
// (the registry key and row the record applies to); for index-insert
// records they jointly carry the 64-bit refill CSN used to restore the
// index value on rollback, overloading the same two header words.
type recPrefix struct {
	Prev       uint64
	RecType    RecType
	A          uint32
	B          uint32
	PayloadLen uint32
}

const recPrefixSize = 8 + 1 + 7 + 4 + 4 + 4 // 28 bytes: RecType padded to 8, no trailing alignment padding

func encodePrefix(p recPrefix) []byte {
	buf := make([]byte, recPrefixSize)
	binary.LittleEndian.PutUint64(buf[0:], p.Prev)
	buf[8] = byte(p.RecType)
	binary.LittleEndian.PutUint32(buf[16:], p.A)
	binary.LittleEndian.PutUint32(buf[20:], p.B)
	binary.LittleEndian.PutUint32(buf[24:], p.PayloadLen)
	return buf
}

func decodePrefix(buf []byte) recPrefix {
	return recPrefix{
		Prev:       binary.LittleEndian.Uint64(buf[0:]),
		RecType:    RecType(buf[8]),
		A:          binary.LittleEndian.Uint32(buf[16:]),
		B:          binary.LittleEndian.Uint32(buf[20:]),
		PayloadLen: binary.LittleEndian.Uint32(buf[24:]),
	}
}

// Context is a transaction's bound handle into its undo segment: a slot id
// plus the segment that owns it. Heap and index code append records through
// it; txn.Transaction owns one Context per active writer.
type Context struct {
	seg    *Segment
	slotID uint64
}

func newContext(seg *Segment, slotID uint64) *Context {
	return &Context{seg: seg, slotID: slotID}
}

// SlotPtr returns the TransactionSlotPtr a tuple head or index value should
// be stamped with while this transaction is in progress.
func (c *Context) SlotPtr() nvmtypes.TransactionSlotPtr {
	return nvmtypes.MakeTrxSlotPtr(c.seg.id, c.slotID)
}

// append writes prefix+payload at the segment's free_begin, threading
// prev = slot.End, and advances both free_begin and the slot's End. The
// offset reservation, the arena write and the free_begin advance all
// happen under one critical section: two Contexts sharing a segment (the
// common case, since many transactions round-robin onto the same segment)
// must never compute the same recOff, which releasing the lock between
// reserving it and writing at it would allow.
func (c *Context) append(prefix recPrefix, payload []byte) nvmtypes.UndoRecPtr {
	c.seg.mu.Lock()
	defer c.seg.mu.Unlock()

	slot := c.seg.readSlot(c.slotID)
	prefix.Prev = slot.End
	prefix.PayloadLen = uint32(len(payload))
	recOff := c.seg.freeBegin
	buf := append(encodePrefix(prefix), payload...)

	c.seg.writeArena(recOff, buf)

	if slot.Start == 0 && slot.End == 0 {
		slot.Start = recOff
	}
	slot.End = recOff
	c.seg.writeSlot(c.slotID, slot)
	c.seg.freeBegin = recOff + uint64(len(buf))
	c.seg.flushHeader()
	return nvmtypes.MakeUndoRecPtr(c.seg.id, recOff)
}

// AppendHeapInsertUndo records that rowID in the table rooted at segHead was
// freshly inserted; rollback clears its USED bit.
func (c *Context) AppendHeapInsertUndo(segHead nvmtypes.PageNo, rowID nvmtypes.RowId, rowLen uint32) nvmtypes.UndoRecPtr {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, rowLen)
	return c.append(recPrefix{RecType: RecHeapInsert, A: uint32(segHead), B: uint32(rowID)}, payload)
}

// AppendHeapUpdateUndo records the pre-update head and the changed-column
// delta for rollback to replay.
func (c *Context) AppendHeapUpdateUndo(segHead nvmtypes.PageNo, rowID nvmtypes.RowId, oldHead []byte, deltas []ColumnDelta) nvmtypes.UndoRecPtr {
	buf := make([]byte, 0, 2+len(oldHead)+2)
	buf = appendUint16(buf, uint16(len(oldHead)))
	buf = append(buf, oldHead...)
	buf = appendUint16(buf, uint16(len(deltas)))
	for _, d := range deltas {
		buf = appendUint64(buf, d.Offset)
		buf = appendUint32(buf, uint32(len(d.Bytes)))
		buf = append(buf, d.Bytes...)
	}
	return c.append(recPrefix{RecType: RecHeapUpdate, A: uint32(segHead), B: uint32(rowID)}, buf)
}

// AppendHeapDeleteUndo records the full pre-delete head and body.
func (c *Context) AppendHeapDeleteUndo(segHead nvmtypes.PageNo, rowID nvmtypes.RowId, oldHead, oldBody []byte) nvmtypes.UndoRecPtr {
	buf := make([]byte, 0, 2+len(oldHead)+4+len(oldBody))
	buf = appendUint16(buf, uint16(len(oldHead)))
	buf = append(buf, oldHead...)
	buf = appendUint32(buf, uint32(len(oldBody)))
	buf = append(buf, oldBody...)
	return c.append(recPrefix{RecType: RecHeapDelete, A: uint32(segHead), B: uint32(rowID)}, buf)
}

// AppendIndexInsertUndo records a fresh index key; rollback refills the
// value with refillCSN instead of deleting outright, so readers whose
// snapshot predates this transaction's abort still see the entry.
func (c *Context) AppendIndexInsertUndo(indexID uint32, refillCSN nvmtypes.CSN, key []byte) nvmtypes.UndoRecPtr {
	buf := make([]byte, 0, 4+2+len(key))
	buf = appendUint32(buf, indexID)
	buf = appendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)
	return c.append(recPrefix{RecType: RecIndexInsert, A: uint32(refillCSN >> 32), B: uint32(refillCSN)}, buf)
}

// AppendIndexDeleteUndo records a logical delete of key; rollback writes
// INVALID_CSN as its value.
func (c *Context) AppendIndexDeleteUndo(indexID uint32, key []byte) nvmtypes.UndoRecPtr {
	buf := make([]byte, 0, 4+2+len(key))
	buf = appendUint32(buf, indexID)
	buf = appendUint16(buf, uint16(len(key)))
	buf = append(buf, key...)
	return c.append(recPrefix{RecType: RecIndexDelete}, buf)
}

// Rollback walks the chain from the slot's End back to Start via each
// record's Prev link, dispatching each to its applier.
func (c *Context) Rollback() error {
	slot := c.seg.Slot(c.slotID)
	if slot.End == 0 && slot.Start == 0 {
		return nil // no writes, nothing to undo
	}
	cur := slot.End
	for {
		prefix, payload := c.readRecord(cur)
		if err := c.applyRollback(prefix, payload); err != nil {
			return err
		}
		if cur == slot.Start {
			break
		}
		cur = prefix.Prev
	}
	return nil
}

func (c *Context) readRecord(off uint64) (recPrefix, []byte) {
	head := c.seg.readArena(off, recPrefixSize)
	prefix := decodePrefix(head)
	payload := c.seg.readArena(off+recPrefixSize, int(prefix.PayloadLen))
	return prefix, payload
}

func (c *Context) applyRollback(p recPrefix, payload []byte) error {
	switch p.RecType {
	case RecHeapInsert:
		applier, err := lookupHeapApplier(p.A)
		if err != nil {
			return err
		}
		applier.RollbackInsert(nvmtypes.RowId(p.B))
	case RecHeapUpdate:
		applier, err := lookupHeapApplier(p.A)
		if err != nil {
			return err
		}
		oldHead, deltas := decodeUpdatePayload(payload)
		applier.RollbackUpdate(nvmtypes.RowId(p.B), oldHead, deltas)
	case RecHeapDelete:
		applier, err := lookupHeapApplier(p.A)
		if err != nil {
			return err
		}
		oldHead, oldBody := decodeDeletePayload(payload)
		applier.RollbackDelete(nvmtypes.RowId(p.B), oldHead, oldBody)
	case RecIndexInsert:
		indexID, key := decodeIndexKeyPayload(payload)
		applier, err := lookupIndexApplier(indexID)
		if err != nil {
			return err
		}
		csn := (nvmtypes.CSN(p.A) << 32) | nvmtypes.CSN(p.B)
		applier.RollbackInsert(key, csn)
	case RecIndexDelete:
		indexID, key := decodeIndexKeyPayload(payload)
		applier, err := lookupIndexApplier(indexID)
		if err != nil {
			return err
		}
		applier.RollbackDelete(key)
	default:
		return fmt.Errorf("undo: unknown record type %d", p.RecType)
	}
	return nil
}

func decodeUpdatePayload(b []byte) ([]byte, []ColumnDelta) {
	pos := 0
	headLen := int(binary.LittleEndian.Uint16(b[pos:]))
	pos += 2
	oldHead := b[pos : pos+headLen]
	pos += headLen
	n := int(binary.LittleEndian.Uint16(b[pos:]))
	pos += 2
	deltas := make([]ColumnDelta, 0, n)
	for i := 0; i < n; i++ {
		off := binary.LittleEndian.Uint64(b[pos:])
		pos += 8
		l := int(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
		deltas = append(deltas, ColumnDelta{Offset: off, Bytes: b[pos : pos+l]})
		pos += l
	}
	return oldHead, deltas
}

func decodeDeletePayload(b []byte) ([]byte, []byte) {
	pos := 0
	headLen := int(binary.LittleEndian.Uint16(b[pos:]))
	pos += 2
	oldHead := b[pos : pos+headLen]
	pos += headLen
	bodyLen := int(binary.LittleEndian.Uint32(b[pos:]))
	pos += 4
	oldBody := b[pos : pos+bodyLen]
	return oldHead, oldBody
}

func decodeIndexKeyPayload(b []byte) (uint32, []byte) {
	indexID := binary.LittleEndian.Uint32(b[0:])
	keyLen := int(binary.LittleEndian.Uint16(b[4:]))
	return indexID, b[6 : 6+keyLen]
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendUint32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

func appendUint64(b []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(b, tmp...)
}
