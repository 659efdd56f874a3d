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
package txn

import (
	"fmt"
	"sync/atomic"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/undo"
)

// Manager is the engine-wide transaction manager: the proc array, the CSN
// counter, and the undo pool transactions borrow from.
type Manager struct {
	procs       *procArray
	undo        *undo.Manager
	csnCounter  atomic.Uint64
	minSnapshot atomic.Uint64
}

// NewManager wires a Manager over an already created/mounted undo.Manager.
// maxThreads sizes the proc array.
func NewManager(undoMgr *undo.Manager, maxThreads int) *Manager {
	m := &Manager{
		procs: newProcArray(maxThreads),
		undo:  undoMgr,
	}
	m.csnCounter.Store(nvmtypes.MinCSN)
	m.minSnapshot.Store(nvmtypes.MinCSN)
	return m
}

// Recover reseeds the CSN counter from the undo pool's recovery scan; call
// once at startup after undo.Manager.Mount (or Create, for a fresh store).
func (m *Manager) Recover() error {
	next, err := m.undo.RecoverAll()
	if err != nil {
		return err
	}
	m.csnCounter.Store(next)
	m.minSnapshot.Store(next)
	return nil
}

// GetMinSnapshot implements undo.MinSnapshotSource: it republishes the
// proc array's current minimum so the recycler always reads a fresh value.
func (m *Manager) GetMinSnapshot() nvmtypes.CSN {
	fallback := m.csnCounter.Load()
	min := m.procs.minSnapshot(fallback)
	m.minSnapshot.Store(min)
	return min
}

// StartRecycler launches the background undo recycler bound to this
// manager's min-snapshot source.
func (m *Manager) StartRecycler() { m.undo.StartRecycler(m) }

func (m *Manager) StopRecycler() { m.undo.Stop() }

// Status mirrors a transaction's externally visible lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusWaitAbort
	StatusCommitted
	StatusAborted
)

// Transaction is one user transaction: a published snapshot, a lazily
// acquired undo context, and the WaitAbort latch a conflicting writer sets.
type Transaction struct {
	mgr      *Manager
	procSlot int
	snapshot nvmtypes.CSN
	status   Status
	undoCtx  *undo.Context
}

// ErrWaitAbort is returned by every heap/index operation once a transaction
// has entered WaitAbort; the caller must call Abort before anything else.
var ErrWaitAbort = fmt.Errorf("txn: transaction is in WaitAbort, call Abort")

// Begin publishes a fresh snapshot and returns a new Transaction.
func (m *Manager) Begin() *Transaction {
	snapshot := m.csnCounter.Load()
	slot := m.procs.register(snapshot)
	return &Transaction{mgr: m, procSlot: slot, snapshot: snapshot, status: StatusActive}
}

// Snapshot returns the CSN this transaction reads as-of.
func (t *Transaction) Snapshot() nvmtypes.CSN { return t.snapshot }

// IsWaitAbort reports whether this transaction must be aborted before any
// further operation.
func (t *Transaction) IsWaitAbort() bool { return t.status == StatusWaitAbort }

// EnterWaitAbort transitions the transaction into WaitAbort; called by a
// heap/index writer that just lost a write-write race.
func (t *Transaction) EnterWaitAbort() { t.status = StatusWaitAbort }

// SlotPtr returns InvalidTrxSlotPtr until the first write lazily acquires an
// undo context.
func (t *Transaction) SlotPtr() nvmtypes.TransactionSlotPtr {
	if t.undoCtx == nil {
		return nvmtypes.InvalidTrxSlotPtr
	}
	return t.undoCtx.SlotPtr()
}

// PrepareUndo lazily allocates this transaction's undo slot on its first
// write; later writes reuse the same context.
func (t *Transaction) PrepareUndo() (*undo.Context, error) {
	if t.undoCtx != nil {
		return t.undoCtx, nil
	}
	ctx, err := t.mgr.undo.Begin()
	if err != nil {
		return nil, err
	}
	t.undoCtx = ctx
	return ctx, nil
}

// VersionIsVisible and SatisfiedUpdate are the per-transaction-scoped
// wrappers heap/index call, closing over this transaction's snapshot and
// slot identity.
func (t *Transaction) VersionIsVisible(info nvmtypes.TrxInfo) Result {
	return t.mgr.VersionIsVisible(info, t.snapshot, t.SlotPtr())
}

func (t *Transaction) SatisfiedUpdate(info nvmtypes.TrxInfo) UpdateResult {
	return t.mgr.SatisfiedUpdate(info, t.snapshot, t.SlotPtr())
}

// Commit finalizes a transaction: transactions with no writes just
// unpublish; writers are stamped with a fresh CSN before the undo context
// is released (the slot itself is retired later by the recycler).
func (t *Transaction) Commit() {
	if t.undoCtx != nil {
		csn := t.mgr.csnCounter.Add(1) - 1
		t.mgr.undo.Commit(t.undoCtx, csn)
	}
	t.mgr.procs.deregister(t.procSlot)
	t.status = StatusCommitted
}

// Abort rolls back every write this transaction made and unpublishes its
// snapshot.
func (t *Transaction) Abort() error {
	if t.undoCtx != nil {
		if err := t.mgr.undo.Abort(t.undoCtx); err != nil {
			return err
		}
	}
	t.mgr.procs.deregister(t.procSlot)
	t.status = StatusAborted
	return nil
}
