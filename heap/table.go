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
	"github.com/nvmdb/pmemstore/tablespace"
	"github.com/nvmdb/pmemstore/undo"
)

// Table ties the tablespace's segment/extent allocator, the vector store
// and the RowId map together for one fixed-schema table, and implements
// undo.HeapApplier so rollback can reach back into it.
type Table struct {
	ts      *tablespace.TableSpace
	undoMgr *undo.Manager
	schema  Schema

	OID     uint32
	segHead nvmtypes.PageNo

	vecStore *VecStore
	rowMap   *RowIdMap
}

// CreateTable allocates a fresh root extent, registers it in the
// tablespace catalog, and wires up a brand-new Table.
func CreateTable(ts *tablespace.TableSpace, undoMgr *undo.Manager, schema Schema) (*Table, error) {
	segHead, err := ts.AllocNewExtent(nvmtypes.ExtentSmall, nvmtypes.InvalidPageNo, 0)
	if err != nil {
		return nil, err
	}
	oid, err := ts.CreateTable(segHead)
	if err != nil {
		return nil, err
	}
	page, err := ts.PageAt(segHead)
	if err != nil {
		return nil, err
	}
	for i := range page {
		page[i] = 0
	}
	ts.PersistPage(segHead)

	t := newTable(ts, undoMgr, schema, oid, segHead)
	return t, nil
}

// OpenTable remounts an existing table by catalog id.
func OpenTable(ts *tablespace.TableSpace, undoMgr *undo.Manager, schema Schema, oid uint32) (*Table, error) {
	segHead, ok, err := ts.SearchTable(oid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errTableNotFound(oid)
	}
	return newTable(ts, undoMgr, schema, oid, segHead), nil
}

func newTable(ts *tablespace.TableSpace, undoMgr *undo.Manager, schema Schema, oid uint32, segHead nvmtypes.PageNo) *Table {
	t := &Table{
		ts:       ts,
		undoMgr:  undoMgr,
		schema:   schema,
		OID:      oid,
		segHead:  segHead,
		vecStore: NewVecStore(ts, segHead, schema.TupleSize()),
		rowMap:   NewRowIdMap(),
	}
	undo.RegisterHeapApplier(uint32(segHead), t)
	return t
}

func (t *Table) nvmTuple(rowid nvmtypes.RowId, append bool) ([]byte, error) {
	pageNo, offset, err := t.vecStore.VersionPointer(rowid, append)
	if err != nil {
		return nil, err
	}
	if !pageNo.Valid() {
		return nil, nil
	}
	page, err := t.ts.PageAt(pageNo)
	if err != nil {
		return nil, err
	}
	return page[offset : offset+t.schema.TupleSize()], nil
}

func (t *Table) persistTuplePage(rowid nvmtypes.RowId) {
	pageNo, _, err := t.vecStore.VersionPointer(rowid, false)
	if err != nil {
		panic(err)
	}
	t.ts.PersistPage(pageNo)
}

func (t *Table) isUsed(rowid nvmtypes.RowId) (bool, error) {
	nvm, err := t.nvmTuple(rowid, true)
	if err != nil {
		return false, err
	}
	return decodeHead(nvm[:headSize]).Used(), nil
}

type tableNotFoundError uint32

func errTableNotFound(oid uint32) error { return tableNotFoundError(oid) }
func (e tableNotFoundError) Error() string {
	return "heap: table not found in catalog"
}
