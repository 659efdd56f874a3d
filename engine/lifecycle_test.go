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
package engine

import (
	"testing"

	"github.com/nvmdb/pmemstore/heap"
	"github.com/nvmdb/pmemstore/txn"
)

func accountSchema(t *testing.T) heap.Schema {
	t.Helper()
	s, err := heap.NewSchema([]heap.Column{
		{Name: "id", Type: heap.ColInt64, Size: 8},
		{Name: "balance", Type: heap.ColInt64, Size: 8},
	})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeI64(b []byte) int64 {
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

func TestBootStrapCreateInsertCommitPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("acctdb", dir)

	e, err := BootStrap(cfg)
	if err != nil {
		t.Fatalf("BootStrap: %v", err)
	}
	schema := accountSchema(t)
	table, err := e.CreateTable(schema)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	oid := table.OID

	cache := &heap.RowIdCache{}
	trx := e.Begin()
	row, err := table.HeapInsert(trx, cache, heap.Values{encodeI64(1), encodeI64(500)})
	if err != nil {
		t.Fatalf("HeapInsert: %v", err)
	}
	trx.Commit()

	if err := ExitDBProcess(e); err != nil {
		t.Fatalf("ExitDBProcess: %v", err)
	}

	e2, err := InitDB(cfg)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer func() {
		if err := ExitDBProcess(e2); err != nil {
			t.Fatalf("ExitDBProcess e2: %v", err)
		}
	}()

	table2, err := e2.OpenTable(schema, oid)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	reader := e2.Begin()
	v, err := table2.HeapRead(reader, row)
	if err != nil {
		t.Fatalf("HeapRead after restart: %v", err)
	}
	if decodeI64(v[1]) != 500 {
		t.Fatalf("balance after restart = %d, want 500", decodeI64(v[1]))
	}
	reader.Commit()
}

func TestInitDBRollsBackDanglingTransactionOnCrash(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("crashdb", dir)

	e, err := BootStrap(cfg)
	if err != nil {
		t.Fatalf("BootStrap: %v", err)
	}
	schema := accountSchema(t)
	table, err := e.CreateTable(schema)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	oid := table.OID

	cache := &heap.RowIdCache{}
	setup := e.Begin()
	row, err := table.HeapInsert(setup, cache, heap.Values{encodeI64(9), encodeI64(1)})
	if err != nil {
		t.Fatalf("HeapInsert setup: %v", err)
	}
	setup.Commit()

	// Simulate a crash mid-transaction: begin a writer, leave it neither
	// committed nor aborted, and tear the process down without going
	// through ExitDBProcess's orderly shutdown.
	dangling := e.Begin()
	if err := table.HeapUpdate(dangling, row, heap.Values{encodeI64(9), encodeI64(999)}, []bool{false, true}); err != nil {
		t.Fatalf("HeapUpdate dangling: %v", err)
	}
	e.TrxMgr.StopRecycler()
	if err := e.UndoMgr.Unmount(); err != nil {
		t.Fatalf("UndoMgr.Unmount: %v", err)
	}
	if err := e.TableSpace.Unmount(); err != nil {
		t.Fatalf("TableSpace.Unmount: %v", err)
	}

	e2, err := InitDB(cfg)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer func() {
		if err := ExitDBProcess(e2); err != nil {
			t.Fatalf("ExitDBProcess: %v", err)
		}
	}()

	table2, err := e2.OpenTable(schema, oid)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	reader := e2.Begin()
	v, err := table2.HeapRead(reader, row)
	if err != nil {
		t.Fatalf("HeapRead after recovery: %v", err)
	}
	if decodeI64(v[1]) != 1 {
		t.Fatalf("balance after recovery = %d, want 1 (dangling update must roll back)", decodeI64(v[1]))
	}
	reader.Commit()
}

func TestWorkloadRetriesOnWaitAbortThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("workloaddb", dir)
	e, err := BootStrap(cfg)
	if err != nil {
		t.Fatalf("BootStrap: %v", err)
	}
	defer func() {
		if err := ExitDBProcess(e); err != nil {
			t.Fatalf("ExitDBProcess: %v", err)
		}
	}()

	schema := accountSchema(t)
	table, err := e.CreateTable(schema)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	cache := &heap.RowIdCache{}
	setup := e.Begin()
	row, err := table.HeapInsert(setup, cache, heap.Values{encodeI64(1), encodeI64(10)})
	if err != nil {
		t.Fatalf("HeapInsert: %v", err)
	}
	setup.Commit()

	// A concurrent writer holds row open (uncommitted) through the
	// workload's first attempt, then releases it before the retry, the
	// way a real conflicting transaction would finish and free the row
	// for the next attempt.
	blocker := e.Begin()
	if err := table.HeapUpdate(blocker, row, heap.Values{encodeI64(1), encodeI64(20)}, []bool{false, true}); err != nil {
		t.Fatalf("HeapUpdate blocker: %v", err)
	}

	attempts := 0
	w := NewWorkload(e)
	err = w.Run(5, func(trx *txn.Transaction) error {
		attempts++
		if attempts == 1 {
			if uerr := table.HeapUpdate(trx, row, heap.Values{encodeI64(1), encodeI64(30)}, []bool{false, true}); uerr != nil {
				if !trx.IsWaitAbort() {
					return uerr
				}
				blocker.Commit() // release the row before the retry
				return txn.ErrWaitAbort
			}
			return nil
		}
		return table.HeapUpdate(trx, row, heap.Values{encodeI64(1), encodeI64(30)}, []bool{false, true})
	})
	if err != nil {
		t.Fatalf("Workload.Run: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2 (a retry after WaitAbort)", attempts)
	}

	reader := e.Begin()
	v, err := table.HeapRead(reader, row)
	if err != nil {
		t.Fatalf("HeapRead: %v", err)
	}
	if decodeI64(v[1]) != 30 {
		t.Fatalf("balance = %d, want 30", decodeI64(v[1]))
	}
	reader.Commit()
}
