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
vecstore.go implements the Vector Store and RowIdMgr: the
two-level page table translating a RowId into the page and byte offset of
its tuple slot, lazy leaf-extent allocation, and the thread-local RowId
cache/range/bitmap allocation chain InsertVersion walks.
*/
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/nvmdb/pmemstore/fsm"
	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/tablespace"
)

const dirMaxLeafOffset = 0 // u32 max_leaf_idx lives at the start of the root page

// VecStore is the per-table two-level page table. Its directory (max leaf
// index + leaf page numbers) starts at byte 0 of the table's root (segment
// head) page, read and written through the full-page PageAt view; each leaf is one 2 MiB extent holding a fixed number
// of fixed-size tuple slots.
type VecStore struct {
	ts      *tablespace.TableSpace
	root    nvmtypes.PageNo
	shard   uint32 // shard the root page itself lives in; VersionPointer places leaves by leafIdx mod NumShards and does not read it
	tupleSz int

	perPage uint32 // tuples per single 8 KiB page
	perLeaf uint32 // tuples per leaf extent (perPage * pages-per-extent)

	bitmap *fsm.GlobalBitmap // allocates leaf indices lock-free
}

func NewVecStore(ts *tablespace.TableSpace, root nvmtypes.PageNo, tupleSz int) *VecStore {
	perPage := uint32(nvmtypes.PageSize) / uint32(tupleSz)
	perLeaf := perPage * nvmtypes.ExtentBlockCount(nvmtypes.ExtentLarge)
	return &VecStore{
		ts:      ts,
		root:    root,
		shard:   ts.ShardOfPage(root),
		tupleSz: tupleSz,
		perPage: perPage,
		perLeaf: perLeaf,
		bitmap:  fsm.New(0),
	}
}

func (v *VecStore) rootPage() []byte {
	p, err := v.ts.PageAt(v.root)
	if err != nil {
		panic(err)
	}
	return p
}

func (v *VecStore) maxLeafIdx() uint32 {
	return binary.LittleEndian.Uint32(v.rootPage()[dirMaxLeafOffset:])
}

func (v *VecStore) leafPageNo(leafIdx uint32) nvmtypes.PageNo {
	off := 4 + int(leafIdx)*4
	return nvmtypes.PageNo(binary.LittleEndian.Uint32(v.rootPage()[off:]))
}

func (v *VecStore) setLeafPageNo(leafIdx uint32, p nvmtypes.PageNo) {
	page := v.rootPage()
	off := 4 + int(leafIdx)*4
	binary.LittleEndian.PutUint32(page[off:], uint32(p))
	if leafIdx >= v.maxLeafIdx() {
		binary.LittleEndian.PutUint32(page[dirMaxLeafOffset:], leafIdx+1)
	}
	v.ts.PersistPage(v.root)
}

// VersionPointer computes the (page, offset) a RowId's tuple lives at,
// allocating a fresh leaf extent on demand when append is true.
func (v *VecStore) VersionPointer(rowid nvmtypes.RowId, appendLeaf bool) (nvmtypes.PageNo, int, error) {
	leafIdx := uint32(rowid) / v.perLeaf
	offInLeaf := uint32(rowid) % v.perLeaf

	base := v.leafPageNo(leafIdx)
	if !base.Valid() {
		if !appendLeaf {
			return 0, 0, nil
		}
		shard := leafIdx % v.ts.NumShards()
		extent, err := v.ts.AllocNewExtent(nvmtypes.ExtentLarge, nvmtypes.InvalidPageNo, shard)
		if err != nil {
			return 0, 0, err
		}
		v.setLeafPageNo(leafIdx, extent)
		base = extent
	}
	pageWithin := offInLeaf / v.perPage
	offsetInPage := int(offInLeaf%v.perPage) * v.tupleSz
	return base + nvmtypes.PageNo(pageWithin), offsetInPage, nil
}

// RowIdCache is the per-thread state InsertVersion draws from: a pool of
// deleted-then-reusable ids, then a contiguous [start,end) range from one
// leaf, before falling back to the shard-local bitmap. Exactly one writer
// ever holds a given RowId at a time, since a range is only ever handed to
// one cache.
type RowIdCache struct {
	reusable []nvmtypes.RowId
	rangePos nvmtypes.RowId
	rangeEnd nvmtypes.RowId
}

// Release returns a RowId a transaction ultimately didn't keep, e.g. after
// an insert is rolled back, making it eligible for reuse by the next insert
// on this thread.
func (c *RowIdCache) Release(r nvmtypes.RowId) {
	c.reusable = append(c.reusable, r)
}

// InsertVersion hands out a fresh RowId: the per-thread deleted cache
// first, then the current range, then a new range from the bitmap,
// retrying if the candidate's tuple head is already USED (possible after a
// restart without a persisted FSM).
func (v *VecStore) InsertVersion(cache *RowIdCache, isUsed func(nvmtypes.RowId) (bool, error)) (nvmtypes.RowId, error) {
	for {
		var candidate nvmtypes.RowId
		switch {
		case len(cache.reusable) > 0:
			candidate = cache.reusable[len(cache.reusable)-1]
			cache.reusable = cache.reusable[:len(cache.reusable)-1]
		case cache.rangePos < cache.rangeEnd:
			candidate = cache.rangePos
			cache.rangePos++
		default:
			bit := v.bitmap.SyncAcquire()
			start := nvmtypes.RowId(bit) * nvmtypes.RowId(v.perLeaf)
			if !start.Valid() || start >= nvmtypes.MaxRowId {
				return 0, fmt.Errorf("heap: row id space exhausted")
			}
			cache.rangePos = start
			cache.rangeEnd = start + nvmtypes.RowId(v.perLeaf)
			candidate = cache.rangePos
			cache.rangePos++
		}
		used, err := isUsed(candidate)
		if err != nil {
			return 0, err
		}
		if used {
			continue // restart-without-persistent-FSM race: try the next candidate
		}
		return candidate, nil
	}
}
