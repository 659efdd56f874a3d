package index

import (
	"testing"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/tablespace"
	"github.com/nvmdb/pmemstore/txn"
	"github.com/nvmdb/pmemstore/undo"
)

func bigEndianKey(v uint32) Key {
	return Key{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

type testEnv struct {
	ts      *tablespace.TableSpace
	undoMgr *undo.Manager
	txnMgr  *txn.Manager
	idx     *Index
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

	idx, err := CreateIndex(ts, txnMgr, 1)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	return &testEnv{ts: ts, undoMgr: undoMgr, txnMgr: txnMgr, idx: idx}
}

func TestInsertAndLookupRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	trx := env.txnMgr.Begin()
	if err := env.idx.Insert(trx, bigEndianKey(10), 100); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	trx.Commit()

	reader := env.txnMgr.Begin()
	rowID, found, err := env.idx.Lookup(reader, bigEndianKey(10))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found {
		t.Fatalf("Lookup: key not found after commit")
	}
	if rowID != 100 {
		t.Fatalf("Lookup: got rowID %d, want 100", rowID)
	}
	reader.Commit()

	_, found, err = env.idx.Lookup(reader, bigEndianKey(11))
	if err != nil {
		t.Fatalf("Lookup missing key: %v", err)
	}
	if found {
		t.Fatalf("Lookup: unexpectedly found a never-inserted key")
	}
}

func TestRangeScanVisibilityAcrossDelete(t *testing.T) {
	env := newTestEnv(t)

	setup := env.txnMgr.Begin()
	keys := []uint32{1, 2, 3}
	for i, k := range keys {
		if err := env.idx.Insert(setup, bigEndianKey(k), nvmtypes.RowId(100+i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	setup.Commit()

	reader := env.txnMgr.Begin() // snapshot predates the delete

	deleter := env.txnMgr.Begin()
	if err := env.idx.Delete(deleter, bigEndianKey(2)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	deleter.Commit()

	pairs, err := env.idx.RangeScan(reader, bigEndianKey(0), nil, 10)
	if err != nil {
		t.Fatalf("RangeScan by pre-delete reader: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("pre-delete reader saw %d pairs, want 3: %+v", len(pairs), pairs)
	}
	reader.Commit()

	lateReader := env.txnMgr.Begin()
	pairs, err = env.idx.RangeScan(lateReader, bigEndianKey(0), nil, 10)
	if err != nil {
		t.Fatalf("RangeScan by post-delete reader: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("post-delete reader saw %d pairs, want 2: %+v", len(pairs), pairs)
	}
	for _, p := range pairs {
		if compareKeys(p.Key, bigEndianKey(2)) == 0 {
			t.Fatalf("post-delete reader still saw deleted key 2")
		}
	}
	lateReader.Commit()
}

func TestInsertRollbackHidesKey(t *testing.T) {
	env := newTestEnv(t)

	trx := env.txnMgr.Begin()
	if err := env.idx.Insert(trx, bigEndianKey(42), 7); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := trx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	reader := env.txnMgr.Begin()
	_, found, err := env.idx.Lookup(reader, bigEndianKey(42))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Fatalf("Lookup: rolled-back insert still visible")
	}
	reader.Commit()
}

func TestGenerateIterReverseYieldsDescendingOrder(t *testing.T) {
	env := newTestEnv(t)

	setup := env.txnMgr.Begin()
	keys := []uint32{1, 2, 3, 4, 5}
	for i, k := range keys {
		if err := env.idx.Insert(setup, bigEndianKey(k), nvmtypes.RowId(100+i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	setup.Commit()

	reader := env.txnMgr.Begin()
	it := env.idx.GenerateIter(reader, bigEndianKey(2), nil, 10, true)
	var got []uint32
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, bigEndianKeyToUint32(p.Key))
	}
	reader.Commit()

	want := []uint32{5, 4, 3, 2}
	if len(got) != len(want) {
		t.Fatalf("reverse iterator returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reverse iterator returned %v, want %v", got, want)
		}
	}
}

func TestGenerateIterRespectsLimitLazily(t *testing.T) {
	env := newTestEnv(t)

	setup := env.txnMgr.Begin()
	for _, k := range []uint32{1, 2, 3, 4, 5} {
		if err := env.idx.Insert(setup, bigEndianKey(k), nvmtypes.RowId(k)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	setup.Commit()

	reader := env.txnMgr.Begin()
	it := env.idx.GenerateIter(reader, bigEndianKey(0), nil, 2, false)
	first, ok := it.Next()
	if !ok || bigEndianKeyToUint32(first.Key) != 1 {
		t.Fatalf("first pair = %+v, ok=%v, want key 1", first, ok)
	}
	second, ok := it.Next()
	if !ok || bigEndianKeyToUint32(second.Key) != 2 {
		t.Fatalf("second pair = %+v, ok=%v, want key 2", second, ok)
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("iterator yielded a third pair past its limit of 2")
	}
	reader.Commit()
}

func bigEndianKeyToUint32(k Key) uint32 {
	return uint32(k[0])<<24 | uint32(k[1])<<16 | uint32(k[2])<<8 | uint32(k[3])
}

func TestDeleteRollbackRestoresVisibility(t *testing.T) {
	env := newTestEnv(t)

	setup := env.txnMgr.Begin()
	if err := env.idx.Insert(setup, bigEndianKey(5), 55); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	setup.Commit()

	deleter := env.txnMgr.Begin()
	if err := env.idx.Delete(deleter, bigEndianKey(5)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := deleter.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	reader := env.txnMgr.Begin()
	rowID, found, err := env.idx.Lookup(reader, bigEndianKey(5))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || rowID != 55 {
		t.Fatalf("Lookup after delete rollback: found=%v rowID=%d, want found=true rowID=55", found, rowID)
	}
	reader.Commit()
}
