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
Package heap implements the Row Store: the Tuple Representation, the
two-level vector store mapping RowId to a tuple slot in PMEM, the
DRAM-cached RowId map fronting it, and the transactional
Insert/Read/Update/Delete operations.

Grounded on the tuple-head layout (restated in nvmtypes.TupleFlag* and the
encoding below) and on a fixed ordered list of typed columns with a
byte-offset layout for the Schema/serialize idiom, generalized from a
Go-slice-of-interface{} row representation to a packed fixed-width NVM byte
image.
*/
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/undo"
)

// headSize is the on-disk size of the tuple head: trx_info(8) + prev_undo(8)
// + flag1(4) + flag2+len(4) + null_bitmap(8)
const headSize = 32

// Head is the NVM-resident tuple head.
type Head struct {
	TrxInfo    nvmtypes.TrxInfo
	PrevUndo   nvmtypes.UndoRecPtr
	Flag1      uint32
	Flag2      uint16
	Len        uint16
	NullBitmap uint64
}

func (h Head) Used() bool    { return h.Flag1&nvmtypes.TupleFlagUsed != 0 }
func (h Head) Deleted() bool { return h.Flag1&nvmtypes.TupleFlagDeleted != 0 }

func encodeHead(h Head, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.TrxInfo))
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.PrevUndo))
	binary.LittleEndian.PutUint32(buf[16:], h.Flag1)
	binary.LittleEndian.PutUint16(buf[20:], h.Flag2)
	binary.LittleEndian.PutUint16(buf[22:], h.Len)
	binary.LittleEndian.PutUint64(buf[24:], h.NullBitmap)
}

func decodeHead(buf []byte) Head {
	return Head{
		TrxInfo:    nvmtypes.TrxInfo(binary.LittleEndian.Uint64(buf[0:])),
		PrevUndo:   nvmtypes.UndoRecPtr(binary.LittleEndian.Uint64(buf[8:])),
		Flag1:      binary.LittleEndian.Uint32(buf[16:]),
		Flag2:      binary.LittleEndian.Uint16(buf[20:]),
		Len:        binary.LittleEndian.Uint16(buf[22:]),
		NullBitmap: binary.LittleEndian.Uint64(buf[24:]),
	}
}

// ColumnType is the set of fixed-width column types the heap can store.
// Variable-length payloads (text/blob) aren't supported: every tuple is
// capped at MaxTupleLen and there is no overflow-chunk mechanism.
type ColumnType int

const (
	ColInt64 ColumnType = iota
	ColFloat64
	ColBytesFixed
)

// Column describes one fixed-offset column in a table's schema.
type Column struct {
	Name   string
	Type   ColumnType
	Size   int // byte width; for ColBytesFixed, the fixed capacity
	Offset int // computed by Schema.finalize
}

// Schema is a table's column layout, computed once at CreateTable time.
type Schema struct {
	Columns []Column
	RowSize int // total body bytes, excluding the head
}

// NewSchema lays columns out in declaration order with no padding, mirroring
// simple column-offset bookkeeping.
func NewSchema(cols []Column) (Schema, error) {
	if len(cols) > nvmtypes.MaxColumnCount {
		return Schema{}, fmt.Errorf("heap: %d columns exceeds cap %d", len(cols), nvmtypes.MaxColumnCount)
	}
	off := 0
	out := make([]Column, len(cols))
	for i, c := range cols {
		c.Offset = off
		out[i] = c
		off += c.Size
	}
	if headSize+off > nvmtypes.MaxTupleLen {
		return Schema{}, fmt.Errorf("heap: row size %d exceeds max tuple length %d", off, nvmtypes.MaxTupleLen-headSize)
	}
	return Schema{Columns: out, RowSize: off}, nil
}

func (s Schema) TupleSize() int { return headSize + s.RowSize }

// Values is one row's in-memory column values, indexed the same as
// Schema.Columns.
type Values [][]byte

// Serialize packs head and column bytes into one contiguous tuple image.
func Serialize(h Head, body Values, schema Schema) []byte {
	buf := make([]byte, schema.TupleSize())
	encodeHead(h, buf)
	for i, col := range schema.Columns {
		copy(buf[headSize+col.Offset:headSize+col.Offset+col.Size], body[i])
	}
	return buf
}

// Deserialize is Serialize's inverse: Serialize(Deserialize(b)) == b for any
// tuple byte image of a given schema, since both are pure field copies over
// a schema-determined fixed layout.
func Deserialize(b []byte, schema Schema) (Head, Values) {
	h := decodeHead(b)
	vals := make(Values, len(schema.Columns))
	for i, col := range schema.Columns {
		vals[i] = append([]byte(nil), b[headSize+col.Offset:headSize+col.Offset+col.Size]...)
	}
	return h, vals
}

// Diff computes the column-level delta between old and new bodies (the
// columns new marks as updated), for HeapUpdateUndo.
func Diff(old Values, new Values, updated []bool, schema Schema) []undo.ColumnDelta {
	var deltas []undo.ColumnDelta
	for i, col := range schema.Columns {
		if !updated[i] {
			continue
		}
		deltas = append(deltas, undo.ColumnDelta{
			Offset: uint64(col.Offset),
			Bytes:  append([]byte(nil), old[i]...),
		})
	}
	return deltas
}

// ApplyDelta overwrites body in place at the recorded offsets, used by
// rollback to restore pre-update column values.
func ApplyDelta(body []byte, deltas []undo.ColumnDelta) {
	for _, d := range deltas {
		copy(body[d.Offset:int(d.Offset)+len(d.Bytes)], d.Bytes)
	}
}
