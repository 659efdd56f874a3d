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
	"github.com/nvmdb/pmemstore/txn"
)

// Iterator is a lazy, pull-based walk over one leaf chain direction,
// returned by GenerateIter. It buffers at most one leaf's worth of visible
// pairs at a time rather than materializing the whole range up front.
type Iterator struct {
	idx     *Index
	trx     *txn.Transaction
	start   Key
	end     Key
	reverse bool
	limit   int

	restartAt Key
	leaf      *Leaf
	pending   []Pair
	yielded   int
	done      bool
}

// GenerateIter returns a lazy iterator over [start, end): ascending order
// via l.next when reverse is false, descending via l.prev when true (in
// which case end is the exclusive upper bound to start from and start is
// the inclusive lower bound to stop at). It yields at most limit visible
// pairs, classified against trx's snapshot the same way Lookup and
// RangeScan are.
func (idx *Index) GenerateIter(trx *txn.Transaction, start, end Key, limit int, reverse bool) *Iterator {
	it := &Iterator{idx: idx, trx: trx, start: start, end: end, reverse: reverse, limit: limit}
	if reverse {
		it.restartAt = end
		if it.restartAt == nil {
			it.restartAt = tailKey()
		}
	} else {
		it.restartAt = start
	}
	it.leaf = idx.lookupLeaf(it.restartAt, 0)
	return it
}

// Next returns the iterator's next visible pair, or (Pair{}, false) once
// the range or limit is exhausted.
func (it *Iterator) Next() (Pair, bool) {
	for len(it.pending) == 0 {
		if it.done || it.yielded >= it.limit || it.leaf == nil {
			return Pair{}, false
		}
		it.fillFromLeaf()
	}
	p := it.pending[0]
	it.pending = it.pending[1:]
	it.yielded++
	return p, true
}

// fillFromLeaf scans it.leaf for more visible pairs into it.pending and
// advances it.leaf to the next leaf in the iteration direction, running the
// same opportunistic prune/merge maintenance RangeScan always performed
// when walking forward. A stale-generation lock re-resolves it.leaf from
// the jump trie instead of giving up.
func (it *Iterator) fillFromLeaf() {
	l := it.leaf
	if !l.Lock() {
		it.leaf = it.idx.lookupLeaf(it.restartAt, 0)
		return
	}

	visit := func(k Key, v uint64) bool {
		class, _ := it.idx.trxMgr.ClassifyIndexValue(nvmtypes.TrxInfo(v), it.trx.Snapshot())
		if class == IndexValueVisible {
			it.pending = append(it.pending, Pair{Key: append(Key(nil), k...), Value: nvmtypes.RowId(v)})
		}
		return it.yielded+len(it.pending) < it.limit
	}

	var next *Leaf
	if it.reverse {
		_ = l.scanLockedReverse(it.start, it.end, visit)
		next = l.prev.Load()
		if it.start != nil && next != nil && compareKeys(l.min, it.start) <= 0 {
			next = nil
		}
	} else {
		l.scanLocked(it.start, it.end, visit)
		empty := it.idx.prune(l, func(info nvmtypes.TrxInfo) bool {
			class, _ := it.idx.trxMgr.ClassifyIndexValue(info, it.trx.Snapshot())
			return class == IndexValueRemovable
		})
		next = l.next.Load()
		if empty {
			it.idx.mergeEmptyWithPrev(l)
		}
		if it.end != nil && next != nil && compareKeys(next.min, it.end) >= 0 {
			next = nil
		}
	}
	l.Unlock()

	it.leaf = next
	if next == nil {
		it.done = true
	}
}
