package heap

import (
	"testing"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/tablespace"
	"github.com/nvmdb/pmemstore/txn"
	"github.com/nvmdb/pmemstore/undo"
)

func accountSchema(t *testing.T) Schema {
	t.Helper()
	s, err := NewSchema([]Column{
		{Name: "id", Type: ColInt64, Size: 8},
		{Name: "balance", Type: ColInt64, Size: 8},
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

type testEnv struct {
	ts      *tablespace.TableSpace
	undoMgr *undo.Manager
	txnMgr  *txn.Manager
	table   *Table
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tsDir := t.TempDir()
	ts := tablespace.Open("ts", []string{tsDir}, tablespace.BuildDebug)
	if err := ts.Create(); err != nil {
		t.Fatalf("tablespace.Create: %v", err)
	}
	t.Cleanup(func() { ts.Unmount() })

	undoDir := t.TempDir()
	undoMgr := undo.NewManager("undo", []string{undoDir}, 2, true)
	if err := undoMgr.Create(); err != nil {
		t.Fatalf("undo.Create: %v", err)
	}
	t.Cleanup(func() { undoMgr.Unmount() })

	txnMgr := txn.NewManager(undoMgr, 8)

	table, err := CreateTable(ts, undoMgr, accountSchema(t))
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return &testEnv{ts: ts, undoMgr: undoMgr, txnMgr: txnMgr, table: table}
}

func TestInsertReadTransferPreservesSum(t *testing.T) {
	env := newTestEnv(t)
	cache := &RowIdCache{}

	trx := env.txnMgr.Begin()
	a, err := env.table.HeapInsert(trx, cache, Values{encodeI64(1), encodeI64(100)})
	if err != nil {
		t.Fatalf("HeapInsert a: %v", err)
	}
	b, err := env.table.HeapInsert(trx, cache, Values{encodeI64(2), encodeI64(50)})
	if err != nil {
		t.Fatalf("HeapInsert b: %v", err)
	}
	trx.Commit()

	transfer := env.txnMgr.Begin()
	va, err := env.table.HeapRead(transfer, a)
	if err != nil {
		t.Fatalf("HeapRead a: %v", err)
	}
	vb, err := env.table.HeapRead(transfer, b)
	if err != nil {
		t.Fatalf("HeapRead b: %v", err)
	}
	balA := decodeI64(va[1])
	balB := decodeI64(vb[1])
	const amount = 30
	if err := env.table.HeapUpdate(transfer, a, Values{va[0], encodeI64(balA - amount)}, []bool{false, true}); err != nil {
		t.Fatalf("HeapUpdate a: %v", err)
	}
	if err := env.table.HeapUpdate(transfer, b, Values{vb[0], encodeI64(balB + amount)}, []bool{false, true}); err != nil {
		t.Fatalf("HeapUpdate b: %v", err)
	}
	transfer.Commit()

	check := env.txnMgr.Begin()
	va2, err := env.table.HeapRead(check, a)
	if err != nil {
		t.Fatalf("HeapRead a after transfer: %v", err)
	}
	vb2, err := env.table.HeapRead(check, b)
	if err != nil {
		t.Fatalf("HeapRead b after transfer: %v", err)
	}
	check.Commit()

	got := decodeI64(va2[1]) + decodeI64(vb2[1])
	want := int64(100 + 50)
	if got != want {
		t.Fatalf("sum after transfer = %d, want %d", got, want)
	}
	if decodeI64(va2[1]) != balA-amount || decodeI64(vb2[1]) != balB+amount {
		t.Fatalf("unexpected balances after transfer: a=%d b=%d", decodeI64(va2[1]), decodeI64(vb2[1]))
	}
}

func TestDeleteVisibility(t *testing.T) {
	env := newTestEnv(t)
	cache := &RowIdCache{}

	setup := env.txnMgr.Begin()
	row, err := env.table.HeapInsert(setup, cache, Values{encodeI64(9), encodeI64(7)})
	if err != nil {
		t.Fatalf("HeapInsert: %v", err)
	}
	setup.Commit()

	reader := env.txnMgr.Begin() // snapshot taken before the delete commits

	deleter := env.txnMgr.Begin()
	if err := env.table.HeapDelete(deleter, row); err != nil {
		t.Fatalf("HeapDelete: %v", err)
	}
	deleter.Commit()

	// reader's snapshot predates the delete's commit CSN, so it must still
	// see the live row.
	v, err := env.table.HeapRead(reader, row)
	if err != nil {
		t.Fatalf("HeapRead by pre-delete reader: %v", err)
	}
	if decodeI64(v[1]) != 7 {
		t.Fatalf("pre-delete reader saw balance %d, want 7", decodeI64(v[1]))
	}
	reader.Commit()

	lateReader := env.txnMgr.Begin()
	if _, err := env.table.HeapRead(lateReader, row); err != ErrRowDeleted {
		t.Fatalf("HeapRead by post-delete reader: err = %v, want ErrRowDeleted", err)
	}
	lateReader.Commit()
}

func TestInsertRollbackReleasesRowIdForReuse(t *testing.T) {
	env := newTestEnv(t)
	cache := &RowIdCache{}

	trx := env.txnMgr.Begin()
	row, err := env.table.HeapInsert(trx, cache, Values{encodeI64(1), encodeI64(1)})
	if err != nil {
		t.Fatalf("HeapInsert: %v", err)
	}
	if err := trx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	cache.Release(row)

	trx2 := env.txnMgr.Begin()
	row2, err := env.table.HeapInsert(trx2, cache, Values{encodeI64(2), encodeI64(2)})
	if err != nil {
		t.Fatalf("HeapInsert after rollback: %v", err)
	}
	if row2 != row {
		t.Fatalf("expected reused RowId %d, got %d", row, row2)
	}

	v, err := env.table.HeapRead(trx2, row2)
	if err != nil {
		t.Fatalf("HeapRead reused row: %v", err)
	}
	if decodeI64(v[0]) != 2 {
		t.Fatalf("reused row id column = %d, want 2", decodeI64(v[0]))
	}
	trx2.Commit()

	// A reader that begins after trx2 commits reads the reused RowId as the
	// new, committed row.
	reader := env.txnMgr.Begin()
	if _, err := env.table.HeapRead(reader, row); err != nil {
		t.Fatalf("HeapRead after reuse: %v", err)
	}
	reader.Commit()
}

func TestUpdateConflictEntersWaitAbort(t *testing.T) {
	env := newTestEnv(t)
	cache := &RowIdCache{}

	setup := env.txnMgr.Begin()
	row, err := env.table.HeapInsert(setup, cache, Values{encodeI64(3), encodeI64(10)})
	if err != nil {
		t.Fatalf("HeapInsert: %v", err)
	}
	setup.Commit()

	writerA := env.txnMgr.Begin()
	if err := env.table.HeapUpdate(writerA, row, Values{encodeI64(3), encodeI64(20)}, []bool{false, true}); err != nil {
		t.Fatalf("HeapUpdate writerA: %v", err)
	}

	writerB := env.txnMgr.Begin()
	err = env.table.HeapUpdate(writerB, row, Values{encodeI64(3), encodeI64(30)}, []bool{false, true})
	if err != ErrUpdateConflict {
		t.Fatalf("HeapUpdate writerB: err = %v, want ErrUpdateConflict", err)
	}
	if !writerB.IsWaitAbort() {
		t.Fatalf("writerB not in WaitAbort after conflict")
	}
	if _, err := env.table.HeapRead(writerB, row); err != txn.ErrWaitAbort {
		t.Fatalf("HeapRead on WaitAbort transaction: err = %v, want txn.ErrWaitAbort", err)
	}
	if err := writerB.Abort(); err != nil {
		t.Fatalf("Abort writerB: %v", err)
	}

	writerA.Commit()
}
