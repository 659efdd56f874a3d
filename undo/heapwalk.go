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
	"fmt"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// ReadHeapVersionAt decodes the undo record a tuple head's PrevUndo points
// to, for HeapRead's version-chain walk: a HeapUpdateUndo
// yields the pre-update head plus its column delta, a HeapDeleteUndo yields
// the pre-delete head plus the full old body.
func (m *Manager) ReadHeapVersionAt(ptr nvmtypes.UndoRecPtr) (recType RecType, oldHead []byte, oldBody []byte, deltas []ColumnDelta, err error) {
	seg := m.segments[ptr.SegmentID()]
	head := seg.readArena(ptr.Offset(), recPrefixSize)
	prefix := decodePrefix(head)
	payload := seg.readArena(ptr.Offset()+recPrefixSize, int(prefix.PayloadLen))
	switch prefix.RecType {
	case RecHeapUpdate:
		oldHead, deltas = decodeUpdatePayload(payload)
		return RecHeapUpdate, oldHead, nil, deltas, nil
	case RecHeapDelete:
		oldHead, oldBody = decodeDeletePayload(payload)
		return RecHeapDelete, oldHead, oldBody, nil, nil
	default:
		return 0, nil, nil, nil, fmt.Errorf("undo: unexpected record type %d for heap version walk", prefix.RecType)
	}
}
