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
package heap

import (
	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/undo"
)

// RollbackInsert clears USED on the NVM tuple (and mirrors into the DRAM
// cache if one exists), undoing HeapInsert.
func (t *Table) RollbackInsert(rowID nvmtypes.RowId) {
	entry, ok := t.rowMap.GetEntry(rowID, true)
	nvm, err := t.nvmTuple(rowID, false)
	if err != nil {
		panic(err)
	}
	head := decodeHead(nvm[:headSize])
	head.Flag1 &^= nvmtypes.TupleFlagUsed
	encodeHead(head, nvm[:headSize])
	t.persistTuplePage(rowID)
	if ok {
		entry.lock()
		if len(entry.dram) >= headSize {
			encodeHead(head, entry.dram[:headSize])
		}
		entry.unlock()
	}
}

// RollbackUpdate restores the pre-update head and replays the column delta
// over the NVM body.
func (t *Table) RollbackUpdate(rowID nvmtypes.RowId, oldHead []byte, delta []undo.ColumnDelta) {
	entry, ok := t.rowMap.GetEntry(rowID, true)
	if ok {
		entry.lock()
		defer entry.unlock()
	}
	nvm, err := t.nvmTuple(rowID, false)
	if err != nil {
		panic(err)
	}
	copy(nvm[:headSize], oldHead)
	ApplyDelta(nvm[headSize:], delta)
	t.persistTuplePage(rowID)
	if ok {
		entry.readDRAMCache(nvm)
	}
}

// RollbackDelete restores the full pre-delete head and body.
func (t *Table) RollbackDelete(rowID nvmtypes.RowId, oldHead []byte, oldBody []byte) {
	entry, ok := t.rowMap.GetEntry(rowID, true)
	if ok {
		entry.lock()
		defer entry.unlock()
	}
	nvm, err := t.nvmTuple(rowID, false)
	if err != nil {
		panic(err)
	}
	copy(nvm[:headSize], oldHead)
	copy(nvm[headSize:], oldBody)
	t.persistTuplePage(rowID)
	if ok {
		entry.readDRAMCache(nvm)
	}
}
