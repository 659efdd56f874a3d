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
manager.go owns the fixed pool of undo segments and a background recycler:
it recomputes min_snapshot and advances each segment's recycle frontier
past terminal slots, resetting them for reuse. It does not punch slices or
reclaim record-arena space. Grounded on the
per-segment RecycleTransactionSlot/Recovery method shapes, with a plain
goroutine plus golang.org/x/sync/errgroup for shutdown, and
github.com/dc0d/onexit to guarantee the recycler drains before process
exit even if the caller forgets to call Manager.Stop.
*/
package undo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dc0d/onexit"
	"golang.org/x/sync/errgroup"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// MinSnapshotSource is supplied by the transaction manager: the recycler
// asks it for the current global minimum live snapshot on every pass.
type MinSnapshotSource interface {
	GetMinSnapshot() nvmtypes.CSN
}

type Manager struct {
	segments []*Segment
	nextSeg  atomic.Uint32

	snapshots MinSnapshotSource

	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewManager constructs (but does not create/mount) a pool of numSegs
// segments named "<namePrefix>.undo.<i>" striped over dirs.
func NewManager(namePrefix string, dirs []string, numSegs int, debug bool) *Manager {
	sliceLen := uint64(nvmtypes.UndoSliceSizeRelease)
	if debug {
		sliceLen = nvmtypes.UndoSliceSizeDebug
	}
	segs := make([]*Segment, numSegs)
	for i := 0; i < numSegs; i++ {
		segs[i] = newSegment(uint16(i), fmt.Sprintf("%s.undo.%d", namePrefix, i), dirs, sliceLen, 64*1024)
	}
	return &Manager{segments: segs}
}

func (m *Manager) Create() error {
	for _, s := range m.segments {
		if err := s.Create(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Mount() error {
	for _, s := range m.segments {
		if err := s.Mount(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Unmount() error {
	var firstErr error
	for _, s := range m.segments {
		if err := s.Unmount(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) NumSegments() int { return len(m.segments) }

// Begin acquires a fresh transaction slot, trying each segment once
// starting from a round-robin cursor so load spreads across the pool.
func (m *Manager) Begin() (*Context, error) {
	n := uint32(len(m.segments))
	start := m.nextSeg.Add(1) % n
	for i := uint32(0); i < n; i++ {
		seg := m.segments[(start+i)%n]
		if ptr, ok := seg.GetNextTrxSlot(); ok {
			return newContext(seg, ptr.SlotID()), nil
		}
	}
	return nil, fmt.Errorf("undo: all %d segments exhausted their slot ring", n)
}

// Commit stamps the slot Committed with csn and drops the context; the slot
// itself is freed later by the recycler, never here.
func (m *Manager) Commit(ctx *Context, csn nvmtypes.CSN) {
	ctx.seg.SetStatus(ctx.slotID, StatusCommitted, csn)
}

// Abort rolls back the context's chain and marks the slot RolledBack.
func (m *Manager) Abort(ctx *Context) error {
	if err := ctx.Rollback(); err != nil {
		return err
	}
	ctx.seg.SetStatus(ctx.slotID, StatusRolledBack, nvmtypes.InvalidCSN)
	return nil
}

// ResolveSlot reads the current status/CSN of a transaction slot pointer,
// used by the transaction manager's visibility arbitration.
func (m *Manager) ResolveSlot(ptr nvmtypes.TransactionSlotPtr) (TrxSlot, bool) {
	seg := m.segments[ptr.SegmentID()]
	if ptr.SlotID() < seg.MinSlotID() {
		return TrxSlot{}, false // recycled: caller treats this as post-horizon
	}
	return seg.Slot(ptr.SlotID()), true
}

// StartRecycler launches the background recycler goroutine: one thread,
// sleeping 1µs idle between passes.
func (m *Manager) StartRecycler(snapshots MinSnapshotSource) {
	m.snapshots = snapshots
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error {
		m.recycleLoop(gctx)
		return nil
	})
	onexit.Register(func() { m.Stop() })
}

func (m *Manager) recycleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recyclePass()
		}
	}
}

func (m *Manager) recyclePass() {
	minSnapshot := m.snapshots.GetMinSnapshot()
	for _, seg := range m.segments {
		seg.recycleUpTo(minSnapshot)
	}
}

// Stop cancels the recycler and waits for it to exit; idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.group != nil {
			m.group.Wait()
		}
	})
}
