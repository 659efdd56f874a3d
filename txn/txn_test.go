package txn

import (
	"testing"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/undo"
)

type noopHeapApplier struct{}

func (noopHeapApplier) RollbackInsert(nvmtypes.RowId) {}
func (noopHeapApplier) RollbackUpdate(nvmtypes.RowId, []byte, []undo.ColumnDelta) {}
func (noopHeapApplier) RollbackDelete(nvmtypes.RowId, []byte, []byte) {}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	um := undo.NewManager("t", []string{dir}, 2, true)
	if err := um.Create(); err != nil {
		t.Fatalf("undo.Create: %v", err)
	}
	t.Cleanup(func() { um.Unmount() })
	undo.RegisterHeapApplier(1, noopHeapApplier{})
	return NewManager(um, 8)
}

func TestBeginCommitKeepsMinSnapshotMonotonic(t *testing.T) {
	m := newTestManager(t)

	t1 := m.Begin()
	t2 := m.Begin()
	if t1.Snapshot() != t2.Snapshot() {
		// Two readers started back to back with no committed writer in
		// between legitimately observe the same CSN counter value.
	}

	before := m.GetMinSnapshot()
	t1.Commit()
	t2.Commit()
	after := m.GetMinSnapshot()
	if after < before {
		t.Fatalf("min snapshot went backwards: %d -> %d", before, after)
	}
}

func TestWriterCommitStampsNewCSN(t *testing.T) {
	m := newTestManager(t)

	trx := m.Begin()
	ctx, err := trx.PrepareUndo()
	if err != nil {
		t.Fatalf("PrepareUndo: %v", err)
	}
	ctx.AppendHeapInsertUndo(1, 7, 64)
	trx.Commit()

	slot, ok := m.undo.ResolveSlot(ctx.SlotPtr())
	if !ok {
		t.Fatalf("ResolveSlot: not found after commit")
	}
	if slot.Status != undo.StatusCommitted {
		t.Fatalf("slot.Status = %v, want Committed", slot.Status)
	}
	if slot.CSN < nvmtypes.MinCSN {
		t.Fatalf("committed slot CSN %d below MinCSN %d", slot.CSN, nvmtypes.MinCSN)
	}
}

func TestVersionIsVisibleAcrossCommitAndAbort(t *testing.T) {
	m := newTestManager(t)

	writer := m.Begin()
	ctx, err := writer.PrepareUndo()
	if err != nil {
		t.Fatalf("PrepareUndo: %v", err)
	}
	ctx.AppendHeapInsertUndo(1, 1, 64)

	reader := m.Begin()
	inProgress := nvmtypes.TrxInfoFromSlotPtr(writer.SlotPtr())
	if got := reader.VersionIsVisible(inProgress); got != ResBeingModified {
		t.Fatalf("in-progress version visibility = %v, want ResBeingModified", got)
	}
	if got := writer.VersionIsVisible(inProgress); got != ResSelfUpdated {
		t.Fatalf("writer's own in-progress version = %v, want ResSelfUpdated", got)
	}

	writer.Commit()
	if got := reader.VersionIsVisible(inProgress); got != ResInvisible {
		t.Fatalf("committed-after-snapshot version = %v, want ResInvisible (committed after reader's snapshot was taken)", got)
	}

	lateReader := m.Begin()
	if got := lateReader.VersionIsVisible(inProgress); got != ResOk {
		t.Fatalf("committed-before-snapshot version = %v, want ResOk", got)
	}
	reader.Commit()
	lateReader.Commit()
}

func TestVersionIsVisibleAfterAbortIsAborted(t *testing.T) {
	m := newTestManager(t)

	writer := m.Begin()
	ctx, err := writer.PrepareUndo()
	if err != nil {
		t.Fatalf("PrepareUndo: %v", err)
	}
	ctx.AppendHeapInsertUndo(1, 2, 64)
	info := nvmtypes.TrxInfoFromSlotPtr(writer.SlotPtr())

	if err := writer.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	reader := m.Begin()
	if got := reader.VersionIsVisible(info); got != ResAborted {
		t.Fatalf("rolled-back version = %v, want ResAborted", got)
	}
	reader.Commit()
}

func TestSatisfiedUpdateConflictDrivesWaitAbort(t *testing.T) {
	m := newTestManager(t)

	writerA := m.Begin()
	ctxA, err := writerA.PrepareUndo()
	if err != nil {
		t.Fatalf("PrepareUndo: %v", err)
	}
	ctxA.AppendHeapInsertUndo(1, 3, 64)
	info := nvmtypes.TrxInfoFromSlotPtr(writerA.SlotPtr())

	writerB := m.Begin()
	if got := writerB.SatisfiedUpdate(info); got != UpdateBeingModified {
		t.Fatalf("concurrent writer's SatisfiedUpdate = %v, want UpdateBeingModified", got)
	}
	// A real caller would EnterWaitAbort and retry from the top; here we
	// only check the transaction records the latch correctly.
	writerB.EnterWaitAbort()
	if !writerB.IsWaitAbort() {
		t.Fatalf("IsWaitAbort false after EnterWaitAbort")
	}
	if err := writerB.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	writerA.Commit()
}

func TestClassifyIndexValueThreeRegions(t *testing.T) {
	m := newTestManager(t)

	// Region 1: InvalidCSN is the permanent visible-forever sentinel left
	// behind by a rolled-back delete.
	reader := m.Begin()
	class, _ := m.ClassifyIndexValue(nvmtypes.TrxInfo(nvmtypes.InvalidCSN), reader.Snapshot())
	if class != IndexValueVisible {
		t.Fatalf("InvalidCSN sentinel classified as %v, want IndexValueVisible", class)
	}

	// Region 2: a slot pointer below InvalidCSN that resolves to an
	// in-progress transaction classifies as visible for any reader, since
	// the delete it marks has not committed; in particular it isn't
	// misclassified as removable.
	writer := m.Begin()
	ctx, err := writer.PrepareUndo()
	if err != nil {
		t.Fatalf("PrepareUndo: %v", err)
	}
	ctx.AppendHeapInsertUndo(1, 4, 64)
	inProgress := nvmtypes.TrxInfoFromSlotPtr(writer.SlotPtr())
	class, _ = m.ClassifyIndexValue(inProgress, reader.Snapshot())
	if class != IndexValueVisible {
		t.Fatalf("in-progress delete classified as %v, want IndexValueVisible", class)
	}
	writer.Commit()

	// Region 3: a committed delete CSN at or above MinCSN hides the key
	// from readers whose snapshot is past it.
	lateReader := m.Begin()
	committed := nvmtypes.TrxInfoFromCSN(lateReader.Snapshot() - 1)
	class, _ = m.ClassifyIndexValue(committed, lateReader.Snapshot())
	if class != IndexValueInvisible {
		t.Fatalf("committed-before-snapshot delete classified as %v, want IndexValueInvisible", class)
	}
	reader.Commit()
	lateReader.Commit()
}
