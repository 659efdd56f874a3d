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
	"encoding/binary"
	"sync/atomic"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/tablespace"
)

// linepoint is one sorted entry in a leaf's perm array: an offset into the
// kv arena plus a one-byte fingerprint of the suffix key stored there, so a
// scan can reject most mismatches without touching the arena.
type linepoint struct {
	offset      int
	fingerprint uint8
}

// permArray is one of a leaf's two alternating sort orders.
type permArray struct {
	entries    []linepoint
	recyclable int // not written by prune or any other code path; always zero
}

// Leaf is a PMEM leaf node generalized to Go: min/max/prefix bound the keys
// it owns, perm[0]/perm[1] alternate as published/staging sort orders over
// an append-only kv arena, and prev/next chain leaves in key order. Readers
// and writers both take the leaf's versioned lock, so unlike perm's NVM-facing
// double-buffer, this implementation does not need a lock-free read path.
type Leaf struct {
	latch      versionedLock
	generation uint32

	min, max Key
	prefix   []byte

	arena    []byte
	nextSlot int

	curPerm atomic.Int32
	perm    [2]permArray

	deleted atomic.Bool

	prev atomic.Pointer[Leaf]
	next atomic.Pointer[Leaf]

	ts     *tablespace.TableSpace
	pageNo nvmtypes.PageNo
}

// arenaCapacity mirrors one small tablespace extent's full page budget; a
// leaf owns its extent outright once allocated, the same reasoning
// tablespace.TableSpace.PageAt documents for heap tuple pages.
const arenaCapacity = nvmtypes.PageSize

func newLeaf(ts *tablespace.TableSpace, pageNo nvmtypes.PageNo, min, max Key, generation uint32) *Leaf {
	l := &Leaf{
		min:        min,
		max:        max,
		prefix:     commonPrefix(min, max),
		arena:      make([]byte, arenaCapacity),
		ts:         ts,
		pageNo:     pageNo,
		generation: generation,
	}
	l.latch.init(generation)
	return l
}

// commonPrefix is the leaf's stored prefix: the longest common prefix of
// its min and max bound, stripped from every key held inside.
func commonPrefix(min, max Key) []byte {
	n := commonPrefixLen(min, max)
	return append([]byte(nil), min[:n]...)
}

func (l *Leaf) suffixOf(key Key) []byte {
	if len(key) < len(l.prefix) {
		return nil
	}
	return key[len(l.prefix):]
}

func entrySize(suffixLen int) int {
	n := 8 + 2 + suffixLen
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}

func (l *Leaf) writeEntry(off int, value uint64, suffix []byte) {
	binary.LittleEndian.PutUint64(l.arena[off:], value)
	binary.LittleEndian.PutUint16(l.arena[off+8:], uint16(len(suffix)))
	copy(l.arena[off+10:], suffix)
}

func (l *Leaf) readEntry(off int) (value uint64, suffix []byte) {
	value = binary.LittleEndian.Uint64(l.arena[off:])
	n := binary.LittleEndian.Uint16(l.arena[off+8:])
	suffix = l.arena[off+10 : off+10+int(n)]
	return
}

func (l *Leaf) readValue(off int) uint64 { return binary.LittleEndian.Uint64(l.arena[off:]) }

func (l *Leaf) writeValue(off int, value uint64) {
	binary.LittleEndian.PutUint64(l.arena[off:], value)
}

// published returns the currently authoritative perm array.
func (l *Leaf) published() *permArray { return &l.perm[l.curPerm.Load()] }

// findOrLowerBound scans the published perm for an equal suffix key,
// returning (idx, true) on a hit, or the insertion position and false.
func (l *Leaf) findOrLowerBound(suffix []byte, fp uint8) (int, bool) {
	p := l.published()
	lo, hi := 0, len(p.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		_, k := l.readEntry(p.entries[mid].offset)
		if compareKeys(Key(k), Key(suffix)) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(p.entries) {
		off := p.entries[lo].offset
		if p.entries[lo].fingerprint == fp {
			_, k := l.readEntry(off)
			if compareKeys(Key(k), Key(suffix)) == 0 {
				return lo, true
			}
		}
	}
	return lo, false
}

// Lock acquires the leaf's write latch; the bool reports whether the
// generation still matches (false means the leaf's segment was remounted
// after a crash and the caller must re-resolve via the jump trie).
func (l *Leaf) Lock() bool   { return l.latch.lock(l.generation) }
func (l *Leaf) Unlock()      { l.latch.unlock(l.generation) }
func (l *Leaf) IsDeleted() bool { return l.deleted.Load() }

// insertLocked implements Insert, called with the latch held.
// It returns needSplit=true when the arena or fanout would overflow.
func (l *Leaf) insertLocked(key Key, value uint64) (needSplit bool) {
	suffix := l.suffixOf(key)
	fp := fingerprint(suffix)
	idx, found := l.findOrLowerBound(suffix, fp)
	if found {
		off := l.published().entries[idx].offset
		l.writeValue(off, value)
		l.persist()
		return false
	}
	size := entrySize(len(suffix))
	cur := l.published()
	if l.nextSlot+size > len(l.arena) || len(cur.entries)+1 > nvmtypes.LeafFanout {
		return true
	}
	off := l.nextSlot
	l.writeEntry(off, value, suffix)
	l.nextSlot += size

	staging := &l.perm[1-l.curPerm.Load()]
	staging.entries = make([]linepoint, 0, len(cur.entries)+1)
	staging.entries = append(staging.entries, cur.entries[:idx]...)
	staging.entries = append(staging.entries, linepoint{off, fp})
	staging.entries = append(staging.entries, cur.entries[idx:]...)
	l.curPerm.Store(1 - l.curPerm.Load()) // publish
	l.persist()
	return false
}

// scanLocked walks the published perm from the lower bound of start,
// invoking visit for each entry until it returns false or end is reached.
// It returns false if the caller should continue into l.next.
func (l *Leaf) scanLocked(start, end Key, visit func(key Key, value uint64) bool) (exhausted bool) {
	p := l.published()
	startSuffix := l.suffixOf(start)
	idx, _ := l.findOrLowerBound(startSuffix, fingerprint(startSuffix))
	full := make([]byte, 0, 64)
	for ; idx < len(p.entries); idx++ {
		_, suffix := l.readEntry(p.entries[idx].offset)
		full = full[:0]
		full = append(full, l.prefix...)
		full = append(full, suffix...)
		key := Key(append([]byte(nil), full...))
		if end != nil && compareKeys(key, end) >= 0 {
			return true
		}
		if !visit(key, l.readValue(p.entries[idx].offset)) {
			return true
		}
	}
	return false
}

// scanLockedReverse walks the published perm backward from the entry just
// below end (exclusive), invoking visit for each entry until it returns
// false or a key below start (inclusive) is reached. It returns true once
// start has been passed, telling the caller not to continue into l.prev.
func (l *Leaf) scanLockedReverse(start, end Key, visit func(key Key, value uint64) bool) (hitStart bool) {
	p := l.published()
	idx := len(p.entries) - 1
	if end != nil {
		endSuffix := l.suffixOf(end)
		lo, _ := l.findOrLowerBound(endSuffix, fingerprint(endSuffix))
		idx = lo - 1
	}
	full := make([]byte, 0, 64)
	for ; idx >= 0; idx-- {
		_, suffix := l.readEntry(p.entries[idx].offset)
		full = full[:0]
		full = append(full, l.prefix...)
		full = append(full, suffix...)
		key := Key(append([]byte(nil), full...))
		if start != nil && compareKeys(key, start) < 0 {
			return true
		}
		if !visit(key, l.readValue(p.entries[idx].offset)) {
			return false
		}
	}
	return false
}

// persist copies this leaf's kv arena into its backing tablespace page; the
// header fields (min/max/prefix/perm/prev/next/deleted) are not written.
// Persisting is always a single page write.
func (l *Leaf) persist() {
	if l.ts == nil {
		return
	}
	page, err := l.ts.PageAt(l.pageNo)
	if err != nil {
		return
	}
	copy(page, l.arena)
	l.ts.PersistPage(l.pageNo)
}
