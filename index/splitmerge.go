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

import (
	"github.com/nvmdb/pmemstore/nvmtypes"
)

// rebuild clears the leaf's arena/perm and re-inserts a set of (fullKey,
// value) pairs using the leaf's current min/max-derived prefix. Used after
// a split shrinks the old leaf's max, which can lengthen its prefix.
func (l *Leaf) rebuild(pairs []struct {
	key   Key
	value uint64
}) {
	l.prefix = commonPrefix(l.min, l.max)
	l.arena = make([]byte, arenaCapacity)
	l.nextSlot = 0
	l.perm[0] = permArray{}
	l.perm[1] = permArray{}
	l.curPerm.Store(0)
	for _, p := range pairs {
		l.insertLocked(p.key, p.value)
	}
}

// split implements Split: allocate a new leaf, move the upper
// half of the published perm into it under the new, typically-longer
// prefixes each half now has, link it into the chain, and emit an oplog
// record for the search-layer workers.
func (idx *Index) split(l *Leaf) (*Leaf, Key, error) {
	cur := l.published()
	medianIdx := len(cur.entries) / 2
	_, medSuffix := l.readEntry(cur.entries[medianIdx].offset)
	newMin := make(Key, 0, len(l.prefix)+len(medSuffix))
	newMin = append(newMin, l.prefix...)
	newMin = append(newMin, medSuffix...)

	shard := uint32(idx.nextShard.Add(1)) % idx.numShards
	pageNo, err := idx.ts.AllocNewExtent(nvmtypes.ExtentSmall, nvmtypes.InvalidPageNo, shard)
	if err != nil {
		return nil, nil, err
	}

	upper := make([]struct {
		key   Key
		value uint64
	}, 0, len(cur.entries)-medianIdx)
	for _, e := range cur.entries[medianIdx:] {
		val, suf := l.readEntry(e.offset)
		full := make(Key, 0, len(l.prefix)+len(suf))
		full = append(full, l.prefix...)
		full = append(full, suf...)
		upper = append(upper, struct {
			key   Key
			value uint64
		}{full, val})
	}
	lower := make([]struct {
		key   Key
		value uint64
	}, 0, medianIdx)
	for _, e := range cur.entries[:medianIdx] {
		val, suf := l.readEntry(e.offset)
		full := make(Key, 0, len(l.prefix)+len(suf))
		full = append(full, l.prefix...)
		full = append(full, suf...)
		lower = append(lower, struct {
			key   Key
			value uint64
		}{full, val})
	}

	newLeaf := newLeaf(idx.ts, pageNo, append(Key(nil), newMin...), append(Key(nil), l.max...), idx.generation)
	newLeaf.Lock()
	newLeaf.rebuild(upper)
	newLeaf.persist()

	l.max = append(Key(nil), newMin...)
	l.rebuild(lower)

	oldNext := l.next.Load()
	newLeaf.next.Store(oldNext)
	newLeaf.prev.Store(l)
	l.next.Store(newLeaf)
	if oldNext != nil {
		oldNext.prev.Store(newLeaf)
	}
	l.persist()
	newLeaf.Unlock()

	idx.pushOplog(oplogEntry{op: opSplit, key: append(Key(nil), newMin...), leaf: newLeaf})
	return newLeaf, newMin, nil
}

// mergeEmptyWithPrev implements Merge-empty-with-prev: called
// after a prune leaves a leaf with zero live entries. prev absorbs the
// range, self is spliced out and marked deleted.
func (idx *Index) mergeEmptyWithPrev(l *Leaf) {
	prev := l.prev.Load()
	if prev == nil {
		return // head sentinel never merges away
	}
	if !prev.Lock() {
		return
	}
	defer prev.Unlock()
	prev.max = append(Key(nil), l.max...)
	next := l.next.Load()
	prev.next.Store(next)
	if next != nil {
		next.prev.Store(prev)
	}
	l.deleted.Store(true)
	prev.persist()
	idx.pushOplog(oplogEntry{op: opRemove, key: append(Key(nil), l.min...), leaf: l})
}

// prune rebuilds a leaf's perm, excluding entries the MVCC value policy
// classifies as REMOVABLE, when at least half of a scan pass came back
// removable. Returns true if the leaf ended up empty.
func (idx *Index) prune(l *Leaf, classify func(nvmtypes.TrxInfo) bool) bool {
	cur := l.published()
	kept := make([]struct {
		key   Key
		value uint64
	}, 0, len(cur.entries))
	removable := 0
	for _, e := range cur.entries {
		val, suf := l.readEntry(e.offset)
		if classify(nvmtypes.TrxInfo(val)) {
			removable++
			continue
		}
		full := make(Key, 0, len(l.prefix)+len(suf))
		full = append(full, l.prefix...)
		full = append(full, suf...)
		kept = append(kept, struct {
			key   Key
			value uint64
		}{full, val})
	}
	if removable*2 < len(cur.entries) {
		return false // below the 50% threshold, leave perm as-is
	}
	l.rebuild(kept)
	l.persist()
	return len(kept) == 0
}
