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
package index

import "sync"

// opKind is an oplog event's structural kind, consumed by the search-layer
// worker threads to keep the jump trie in sync with the leaf chain.
type opKind int

const (
	opSplit opKind = iota
	opRemove
	opDone // every group has replayed this record; safe to skip on recovery
)

// oplogEntry is one structural event a leaf writer pushes after a split or
// an empty-leaf merge. groupsRemaining counts the search-layer groups that
// still need to replay it; markReplayed decrements it under mu, and when it
// reaches zero the entry's op flips to opDone.
type oplogEntry struct {
	op   opKind
	key  Key
	leaf *Leaf

	mu              sync.Mutex
	groupsRemaining int
}

func (e *oplogEntry) markReplayed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groupsRemaining--
	if e.groupsRemaining <= 0 {
		e.op = opDone
		return true
	}
	return false
}

// pushOplog is called by leaf writers (always holding that leaf's latch)
// after a structural change; it buffers the entry for the combiner thread
// rather than touching the jump trie synchronously.
func (idx *Index) pushOplog(e oplogEntry) {
	e.groupsRemaining = idx.numGroups
	idx.oplogMu.Lock()
	idx.oplogBuf = append(idx.oplogBuf, &e)
	idx.oplogMu.Unlock()
	select {
	case idx.oplogSignal <- struct{}{}:
	default:
	}
}

// drainOplog hands the combiner thread everything buffered since its last
// pass; writers keep appending to a fresh slice concurrently.
func (idx *Index) drainOplog() []*oplogEntry {
	idx.oplogMu.Lock()
	defer idx.oplogMu.Unlock()
	if len(idx.oplogBuf) == 0 {
		return nil
	}
	out := idx.oplogBuf
	idx.oplogBuf = nil
	return out
}
