package undo

import (
	"testing"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := NewManager("t", []string{dir}, 2, true)
	if err := m.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { m.Unmount() })
	return m
}

type fakeHeapApplier struct {
	inserts []nvmtypes.RowId
	deletes []nvmtypes.RowId
	updates []nvmtypes.RowId
}

func (f *fakeHeapApplier) RollbackInsert(rowID nvmtypes.RowId) { f.inserts = append(f.inserts, rowID) }
func (f *fakeHeapApplier) RollbackUpdate(rowID nvmtypes.RowId, oldHead []byte, delta []ColumnDelta) {
	f.updates = append(f.updates, rowID)
}
func (f *fakeHeapApplier) RollbackDelete(rowID nvmtypes.RowId, oldHead, oldBody []byte) {
	f.deletes = append(f.deletes, rowID)
}

func TestCommitLeavesSlotResolvable(t *testing.T) {
	m := newTestManager(t)

	ctx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	const tableID = uint32(7)
	applier := &fakeHeapApplier{}
	RegisterHeapApplier(tableID, applier)

	ctx.AppendHeapInsertUndo(nvmtypes.PageNo(tableID), 42, 64)
	m.Commit(ctx, 100)

	slot, ok := m.ResolveSlot(ctx.SlotPtr())
	if !ok {
		t.Fatalf("ResolveSlot: slot not found after commit")
	}
	if slot.Status != StatusCommitted {
		t.Fatalf("slot.Status = %v, want Committed", slot.Status)
	}
	if slot.CSN != 100 {
		t.Fatalf("slot.CSN = %d, want 100", slot.CSN)
	}
	if len(applier.inserts) != 0 {
		t.Fatalf("commit must not roll back: got %v", applier.inserts)
	}
}

func TestAbortRollsBackInReverseOrder(t *testing.T) {
	m := newTestManager(t)

	ctx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	const tableID = uint32(9)
	applier := &fakeHeapApplier{}
	RegisterHeapApplier(tableID, applier)

	ctx.AppendHeapInsertUndo(nvmtypes.PageNo(tableID), 1, 64)
	ctx.AppendHeapInsertUndo(nvmtypes.PageNo(tableID), 2, 64)
	ctx.AppendHeapInsertUndo(nvmtypes.PageNo(tableID), 3, 64)

	if err := m.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	want := []nvmtypes.RowId{3, 2, 1}
	if len(applier.inserts) != len(want) {
		t.Fatalf("rolled back %v, want %v", applier.inserts, want)
	}
	for i, r := range want {
		if applier.inserts[i] != r {
			t.Fatalf("rollback order[%d] = %d, want %d", i, applier.inserts[i], r)
		}
	}

	slot, ok := m.ResolveSlot(ctx.SlotPtr())
	if !ok || slot.Status != StatusRolledBack {
		t.Fatalf("slot after abort: ok=%v status=%v, want RolledBack", ok, slot.Status)
	}
}

func TestIndexInsertAndDeleteUndoRoundTrip(t *testing.T) {
	m := newTestManager(t)

	type call struct {
		key      string
		refillCSN nvmtypes.CSN
		deleted  bool
	}
	var calls []call
	applier := indexApplierFunc{
		insert: func(key []byte, csn nvmtypes.CSN) { calls = append(calls, call{key: string(key), refillCSN: csn}) },
		delete: func(key []byte) { calls = append(calls, call{key: string(key), deleted: true}) },
	}
	const indexID = uint32(3)
	RegisterIndexApplier(indexID, applier)

	ctx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ctx.AppendIndexInsertUndo(indexID, 55, []byte("alpha"))
	ctx.AppendIndexDeleteUndo(indexID, []byte("beta"))

	if err := m.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2: %+v", len(calls), calls)
	}
	// Rollback walks the chain backwards: the delete-undo was appended last,
	// so it replays first.
	if !calls[0].deleted || calls[0].key != "beta" {
		t.Fatalf("calls[0] = %+v, want delete of beta", calls[0])
	}
	if calls[1].deleted || calls[1].key != "alpha" || calls[1].refillCSN != 55 {
		t.Fatalf("calls[1] = %+v, want insert-refill of alpha at csn 55", calls[1])
	}
}

type indexApplierFunc struct {
	insert func(key []byte, refillCSN nvmtypes.CSN)
	delete func(key []byte)
}

func (f indexApplierFunc) RollbackInsert(key []byte, refillCSN nvmtypes.CSN) { f.insert(key, refillCSN) }
func (f indexApplierFunc) RollbackDelete(key []byte)                        { f.delete(key) }

func TestMountRecoversCommittedMaxCSN(t *testing.T) {
	dir := t.TempDir()
	m := NewManager("t", []string{dir}, 2, true)
	if err := m.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	RegisterHeapApplier(20, &fakeHeapApplier{})

	ctx, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ctx.AppendHeapInsertUndo(20, 1, 64)
	m.Commit(ctx, 500)
	if err := m.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	m2 := NewManager("t", []string{dir}, 2, true)
	if err := m2.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer m2.Unmount()

	maxCSN, err := m2.RecoverAll()
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if maxCSN < 500 {
		t.Fatalf("RecoverAll max CSN = %d, want >= 500", maxCSN)
	}
}
