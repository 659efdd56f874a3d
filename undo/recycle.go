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
package undo

import "github.com/nvmdb/pmemstore/nvmtypes"

// recycleUpTo advances next_recycle_slot past every prefix slot that is
// RolledBack outright, or Committed with CSN below minSnapshot, publishing
// min_slot_id before each slot is reset so a concurrent reader resolving a
// TransactionSlotPtr against the old id still sees a consistent terminal
// state.
func (s *Segment) recycleUpTo(minSnapshot nvmtypes.CSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint64(0); i < nvmtypes.SlotsPerSegment; i++ {
		id := s.nextRecycleSlot
		if id == s.nextFreeSlot && i != 0 {
			break // caught up with allocation frontier
		}
		slot := s.readSlot(id)
		recyclable := slot.Status == StatusRolledBack ||
			(slot.Status == StatusCommitted && slot.CSN < minSnapshot)
		if !recyclable {
			break
		}
		next := id + 1
		s.minSlotID.Store(next) // publish the new horizon before reuse
		slot.reset()
		s.writeSlot(id, slot)
		s.nextRecycleSlot = next % nvmtypes.SlotsPerSegment
		s.recycledBegin = slot.End
	}
	s.flushHeader()
}

// Recovery scans the last two allocated slots to decide whether in-progress
// transactions must be rolled back, and returns the highest committed CSN
// observed so the caller can reseed the global counter at max+1.
func (s *Segment) Recovery() (maxCSN nvmtypes.CSN, err error) {
	s.mu.Lock()
	candidates := []uint64{}
	if s.nextFreeSlot >= 1 {
		candidates = append(candidates, s.nextFreeSlot-1)
	}
	if s.nextFreeSlot >= 2 {
		candidates = append(candidates, s.nextFreeSlot-2)
	}
	s.mu.Unlock()

	for _, id := range candidates {
		slot := s.Slot(id)
		switch slot.Status {
		case StatusCommitted:
			if slot.CSN != nvmtypes.InvalidCSN && slot.CSN > maxCSN {
				maxCSN = slot.CSN
			}
		case StatusInProgress:
			ctx := newContext(s, id)
			if rbErr := ctx.Rollback(); rbErr != nil {
				return maxCSN, rbErr
			}
			s.SetStatus(id, StatusRolledBack, nvmtypes.InvalidCSN)
		}
	}
	return maxCSN, nil
}

// RecoverAll runs Recovery over every segment in the pool and returns the
// CSN the engine should resume counting from.
func (m *Manager) RecoverAll() (nvmtypes.CSN, error) {
	var maxCSN nvmtypes.CSN
	for _, seg := range m.segments {
		c, err := seg.Recovery()
		if err != nil {
			return 0, err
		}
		if c > maxCSN {
			maxCSN = c
		}
	}
	if maxCSN == 0 {
		return nvmtypes.MinCSN, nil
	}
	return maxCSN + 1, nil
}
