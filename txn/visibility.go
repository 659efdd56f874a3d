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
	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/undo"
)

// Result is the outcome of arbitrating a stored TrxInfo against a reader's
// snapshot in VersionIsVisible.
type Result int

const (
	ResOk Result = iota
	ResSelfUpdated
	ResInvisible
	ResAborted
	ResBeingModified
)

// UpdateResult is SatisfiedUpdate's coarser view: Ok collapses
// Ok/Aborted/SelfUpdated, BeingModified collapses Invisible/BeingModified.
type UpdateResult int

const (
	UpdateOk UpdateResult = iota
	UpdateBeingModified
)

// VersionIsVisible arbitrates a stored TrxInfo against the reading
// transaction's snapshot and identity.
func (m *Manager) VersionIsVisible(info nvmtypes.TrxInfo, snapshot nvmtypes.CSN, readerSlot nvmtypes.TransactionSlotPtr) Result {
	if info.IsCSN() {
		if info.CSN() < snapshot {
			return ResOk
		}
		return ResInvisible
	}
	ptr := info.SlotPtr()
	slot, live := m.undo.ResolveSlot(ptr)
	if !live {
		return ResOk // recycled: post-horizon, visible to everyone
	}
	switch slot.Status {
	case undo.StatusCommitted:
		if slot.CSN < snapshot {
			return ResOk
		}
		return ResInvisible
	case undo.StatusInProgress:
		if ptr == readerSlot {
			return ResSelfUpdated
		}
		return ResBeingModified
	default: // RolledBack, or Free (raced with recycler retiring it)
		return ResAborted
	}
}

// SatisfiedUpdate is VersionIsVisible collapsed to the two outcomes a writer
// cares about.
func (m *Manager) SatisfiedUpdate(info nvmtypes.TrxInfo, snapshot nvmtypes.CSN, writerSlot nvmtypes.TransactionSlotPtr) UpdateResult {
	switch m.VersionIsVisible(info, snapshot, writerSlot) {
	case ResOk, ResAborted, ResSelfUpdated:
		return UpdateOk
	default:
		return UpdateBeingModified
	}
}

// IndexValueClass is the outcome of the index leaf's MVCC value policy:
// whether a stored 64-bit value is still visible to some live snapshot,
// invisible to this one snapshot, or removable by everyone.
type IndexValueClass int

const (
	IndexValueVisible IndexValueClass = iota
	IndexValueInvisible
	IndexValueRemovable
)

// ClassifyIndexValue applies the leaf value policy to v as of snapshot.
// v's own numeric space has three regions, not two: below InvalidCSN it is
// a live transaction-slot pointer, exactly InvalidCSN is a permanent
// "visible to everyone" sentinel written by a rolled-back delete, and at
// or above MinCSN it is a committed delete's cover CSN. The second return
// value is the
// TrxInfo the caller should compare-and-store back into the leaf slot when
// a slot pointer resolved to a committed CSN, so later lookups skip the
// slot resolution entirely.
func (m *Manager) ClassifyIndexValue(v nvmtypes.TrxInfo, snapshot nvmtypes.CSN) (IndexValueClass, nvmtypes.TrxInfo) {
	val := uint64(v)
	minSnapshot := m.GetMinSnapshot()

	if val < nvmtypes.InvalidCSN {
		ptr := v.SlotPtr()
		slot, live := m.undo.ResolveSlot(ptr)
		if !live {
			return IndexValueRemovable, v
		}
		if slot.Status != undo.StatusCommitted {
			return IndexValueVisible, v // InProgress or RolledBack: not yet, or never, deleted
		}
		if slot.CSN < minSnapshot {
			return IndexValueRemovable, v
		}
		val = slot.CSN
		v = nvmtypes.TrxInfoFromCSN(slot.CSN)
	}

	if val >= nvmtypes.MinCSN {
		if val < minSnapshot {
			return IndexValueRemovable, v
		}
		if val < snapshot {
			return IndexValueInvisible, v
		}
	}
	return IndexValueVisible, v
}
