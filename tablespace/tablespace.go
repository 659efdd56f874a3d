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
Package tablespace implements the Tablespace layer: it layers
two metadata pages (a per-directory-shard SpaceMetaData array and a
TableMetaData catalog) over a pmemfile.LogicalFile, and exposes extent and
segment allocation plus the table catalog.

Grounded on the tablespace's AllocNewExtent/FreeExtent/FreeSegment,
CreateTable/SearchTable/DropTable, get_global_page_num/get_space_of_page
striping, and the segment/free-list linked structure (see pagelist.go).
google/uuid is wired in to hand out stable table ids, following the pattern
of sorting shard identities by a string-rendered uuid for deterministic
lock ordering — the same shape CreateTable follows when minting an id that
survives catalog rewrite.
*/
package tablespace

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/pmemfile"
)

// BuildMode selects the slice geometry: production uses 1 GiB slices, debug
// uses 10 MiB so tests don't need gigabytes of scratch space.
type BuildMode int

const (
	BuildRelease BuildMode = iota
	BuildDebug
)

func sliceLenFor(mode BuildMode) uint64 {
	if mode == BuildDebug {
		return nvmtypes.SpaceSliceSizeDebug
	}
	return nvmtypes.SpaceSliceSizeRelease
}

const maxSliceNum = 16 * 1024

// spaceMetaEntry is the per-directory-shard record stored in page 0's
// content area: a high-water mark plus one free-extent-list root per extent
// size class.
type spaceMetaEntry struct {
	HWM        uint32 // next never-allocated local page number for this shard
	FreeSmall  uint32 // global pageno of small (1-page) extent free-list head, or 0
	FreeLarge  uint32 // global pageno of large (256-page) extent free-list head, or 0
}

const spaceMetaEntrySize = 12

func readSpaceMetaEntry(b []byte) spaceMetaEntry {
	return spaceMetaEntry{
		HWM:       binary.LittleEndian.Uint32(b[0:4]),
		FreeSmall: binary.LittleEndian.Uint32(b[4:8]),
		FreeLarge: binary.LittleEndian.Uint32(b[8:12]),
	}
}

func writeSpaceMetaEntry(b []byte, e spaceMetaEntry) {
	binary.LittleEndian.PutUint32(b[0:4], e.HWM)
	binary.LittleEndian.PutUint32(b[4:8], e.FreeSmall)
	binary.LittleEndian.PutUint32(b[8:12], e.FreeLarge)
}

// TableSegMeta is one table catalog entry: a stable table id mapped to the
// global page number of its segment's root (head) page.
type TableSegMeta struct {
	OID     uint32
	SegHead nvmtypes.PageNo
}

const tableSegMetaSize = 8
const catalogCountOffset = 0
const catalogEntriesOffset = 4

// TableSpace is the allocator and catalog for one tablespace: a directory of
// PMEM slice files exposed as a flat pageno-addressable space.
type TableSpace struct {
	file *pmemfile.LogicalFile
	dirs []string
	mode BuildMode

	mu sync.Mutex // serializes all mutators failure model

	meta []spaceMetaEntry // in-memory mirror of page 0's content, index by shard
}

// Open constructs a TableSpace over the given directories without touching
// disk; call Create (first run) or Mount (subsequent runs).
func Open(name string, dirs []string, mode BuildMode) *TableSpace {
	return &TableSpace{
		file: pmemfile.New(name, dirs, sliceLenFor(mode), maxSliceNum),
		dirs: dirs,
		mode: mode,
		meta: make([]spaceMetaEntry, len(dirs)),
	}
}

func (ts *TableSpace) NumShards() uint32 { return uint32(len(ts.dirs)) }

// Create initializes a brand-new tablespace: page 0 metadata, page 1 empty
// catalog.
func (ts *TableSpace) Create() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.file.Create(); err != nil {
		return err
	}
	// page 0 and page 1 must live in slice 0, already mapped by Create().
	if err := ts.file.Extend(1); err != nil {
		return err
	}
	for i := range ts.meta {
		ts.meta[i] = spaceMetaEntry{HWM: 2} // pages 0 and 1 are reserved metadata
	}
	ts.flushSpaceMeta()
	ts.writeCatalogCount(0)
	ts.persistPage(0)
	ts.persistPage(1)
	return nil
}

// Mount remounts an existing tablespace and rehydrates the in-memory shard
// metadata mirror from page 0.
func (ts *TableSpace) Mount() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.file.Mount(); err != nil {
		return err
	}
	page0, err := ts.pageAt(0)
	if err != nil {
		return err
	}
	for i := range ts.meta {
		off := i * spaceMetaEntrySize
		ts.meta[i] = readSpaceMetaEntry(page0[off : off+spaceMetaEntrySize])
	}
	return nil
}

func (ts *TableSpace) Unmount() error { return ts.file.Unmount() }

func (ts *TableSpace) pageAt(p nvmtypes.PageNo) ([]byte, error) {
	if err := ts.file.Extend(p); err != nil {
		return nil, err
	}
	full, err := ts.file.RelpointOfPageno(p)
	if err != nil {
		return nil, err
	}
	return full[nvmtypes.PageHeaderSize:], nil
}

// PageAt returns the full PageSize-byte content of page p, for callers that
// own their page layout outright once allocated (e.g. heap tuple storage
// and the vector store directory) rather than needing the dlist header
// reserved for tablespace free-list bookkeeping (see pageAt).
func (ts *TableSpace) PageAt(p nvmtypes.PageNo) ([]byte, error) {
	if err := ts.file.Extend(p); err != nil {
		return nil, err
	}
	return ts.file.RelpointOfPageno(p)
}

// PersistPage flushes page p, for callers using PageAt.
func (ts *TableSpace) PersistPage(p nvmtypes.PageNo) { ts.persistPage(p) }

func (ts *TableSpace) persistPage(p nvmtypes.PageNo) {
	full, err := ts.file.RelpointOfPageno(p)
	if err != nil {
		panic(fmt.Sprintf("tablespace: persist page %d: %v", p, err))
	}
	ts.file.Persist(full)
}

func (ts *TableSpace) flushSpaceMeta() {
	page0, err := ts.pageAt(0)
	if err != nil {
		panic(err)
	}
	for i, e := range ts.meta {
		off := i * spaceMetaEntrySize
		writeSpaceMetaEntry(page0[off:off+spaceMetaEntrySize], e)
	}
}

func (ts *TableSpace) writeCatalogCount(n uint32) {
	page1, err := ts.pageAt(1)
	if err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint32(page1[catalogCountOffset:], n)
}

func (ts *TableSpace) catalogCount() uint32 {
	page1, err := ts.pageAt(1)
	if err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(page1[catalogCountOffset:])
}

// globalPageNo converts a shard-local page number to the global, flat page
// number the underlying logical file addresses, striping shards round-robin
// over slices the way get_global_page_num does.
func (ts *TableSpace) globalPageNo(shard uint32, local uint32) nvmtypes.PageNo {
	blocks := ts.file.SliceBlocks()
	sliceWithinShard := local / blocks
	offset := local % blocks
	d := uint32(len(ts.dirs))
	globalSlice := sliceWithinShard*d + shard
	return nvmtypes.PageNo(globalSlice*blocks + offset)
}

// ShardOfPage returns the shard (directory) a global page number belongs to.
func (ts *TableSpace) ShardOfPage(p nvmtypes.PageNo) uint32 {
	blocks := ts.file.SliceBlocks()
	sliceno := uint32(p) / blocks
	return sliceno % uint32(len(ts.dirs))
}

// AllocNewExtent allocates one extent of the given size class in shard, and
// links it into the segment rooted at root (InvalidPageNo to start a new
// segment). It first tries the shard's matching free list, then carves from
// the high-water mark, honoring the "an extent never straddles a slice"
// invariant: if the remaining blocks in the shard's current slice can't host
// the extent, they are pushed onto the small free list and the HWM jumps to
// the next slice.
func (ts *TableSpace) AllocNewExtent(size nvmtypes.ExtentSizeType, root nvmtypes.PageNo, shard uint32) (nvmtypes.PageNo, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if shard >= uint32(len(ts.dirs)) {
		return 0, fmt.Errorf("tablespace: shard %d out of range", shard)
	}

	ptr, err := ts.popFreeListLocked(size, shard)
	if err != nil {
		return 0, err
	}
	if !ptr.Valid() {
		ptr, err = ts.carveFromHWMLocked(size, shard)
		if err != nil {
			return 0, err
		}
	}

	if root.Valid() {
		if err := ts.dlistPushTail(root, ptr); err != nil {
			return 0, err
		}
	} else {
		if err := ts.dlistInitHead(ptr); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

func (ts *TableSpace) freeListRoot(size nvmtypes.ExtentSizeType, shard uint32) nvmtypes.PageNo {
	if size == nvmtypes.ExtentLarge {
		return nvmtypes.PageNo(ts.meta[shard].FreeLarge)
	}
	return nvmtypes.PageNo(ts.meta[shard].FreeSmall)
}

func (ts *TableSpace) setFreeListRoot(size nvmtypes.ExtentSizeType, shard uint32, p nvmtypes.PageNo) {
	if size == nvmtypes.ExtentLarge {
		ts.meta[shard].FreeLarge = uint32(p)
	} else {
		ts.meta[shard].FreeSmall = uint32(p)
	}
	ts.flushSpaceMeta()
	ts.persistPage(0)
}

func (ts *TableSpace) popFreeListLocked(size nvmtypes.ExtentSizeType, shard uint32) (nvmtypes.PageNo, error) {
	root := ts.freeListRoot(size, shard)
	if !root.Valid() {
		return nvmtypes.InvalidPageNo, nil
	}
	isHead, err := ts.dlistIsHead(root)
	if err != nil {
		return 0, err
	}
	if isHead {
		ts.setFreeListRoot(size, shard, nvmtypes.InvalidPageNo)
		return root, nil
	}
	tail, err := ts.dlistPopTail(root)
	if err != nil {
		return 0, err
	}
	return tail, nil
}

func (ts *TableSpace) pushFreeListLocked(size nvmtypes.ExtentSizeType, shard uint32, p nvmtypes.PageNo) error {
	root := ts.freeListRoot(size, shard)
	if !root.Valid() {
		if err := ts.dlistInitHead(p); err != nil {
			return err
		}
		ts.setFreeListRoot(size, shard, p)
		return nil
	}
	return ts.dlistPushTail(root, p)
}

func (ts *TableSpace) carveFromHWMLocked(size nvmtypes.ExtentSizeType, shard uint32) (nvmtypes.PageNo, error) {
	blocks := ts.file.SliceBlocks()
	need := nvmtypes.ExtentBlockCount(size)
	hwm := ts.meta[shard].HWM
	restInSlice := blocks - hwm%blocks

	if restInSlice < need {
		// Push the slice remainder onto the small free list and advance the
		// HWM to the next slice boundary, per the "never cross slice" rule.
		for i := uint32(0); i < restInSlice; i++ {
			leftover := hwm + i
			g := ts.globalPageNo(shard, leftover)
			if err := ts.file.Extend(g); err != nil {
				return 0, err
			}
			if err := ts.pushFreeListLocked(nvmtypes.ExtentSmall, shard, g); err != nil {
				return 0, err
			}
		}
		hwm += restInSlice
	}

	local := hwm
	g := ts.globalPageNo(shard, local)
	maxLocal := uint32(maxSliceNum/uint32(len(ts.dirs))) * blocks
	if local+need > maxLocal {
		panic(fmt.Sprintf("tablespace: shard %d exhausted its slice budget", shard))
	}
	if err := ts.file.Extend(g); err != nil {
		return 0, err
	}
	if need > 1 {
		// Touch the last page of the extent too so the whole range is mapped.
		if err := ts.file.Extend(ts.globalPageNo(shard, local+need-1)); err != nil {
			return 0, err
		}
	}
	ts.meta[shard].HWM = local + need
	ts.flushSpaceMeta()
	ts.persistPage(0)
	return g, nil
}

// FreeExtent returns a single extent to its shard's free list.
func (ts *TableSpace) FreeExtent(p nvmtypes.PageNo, size nvmtypes.ExtentSizeType) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	shard := ts.ShardOfPage(p)
	return ts.pushFreeListLocked(size, shard, p)
}

// FreeSegment walks a segment's whole doubly-linked extent list and returns
// every extent to its shard's free list.
func (ts *TableSpace) FreeSegment(root nvmtypes.PageNo, size nvmtypes.ExtentSizeType) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur := root
	for {
		page, err := ts.pageAt(cur)
		if err != nil {
			return err
		}
		next := pageGetNext(page)
		shard := ts.ShardOfPage(cur)
		if err := ts.pushFreeListLocked(size, shard, cur); err != nil {
			return err
		}
		if next == root {
			break
		}
		cur = next
	}
	return nil
}

// CreateTable mints a fresh table id and records its segment head in the
// catalog (page 1).
func (ts *TableSpace) CreateTable(segHead nvmtypes.PageNo) (uint32, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	oid := uuid.New().ID() // 32-bit, stable once minted; collisions are
	// astronomically unlikely and, if they ever happened, SearchTable would
	// simply return the first match — acceptable for a catalog of at most a
	// few thousand live tables.
	n := ts.catalogCount()
	page1, err := ts.pageAt(1)
	if err != nil {
		return 0, err
	}
	off := catalogEntriesOffset + int(n)*tableSegMetaSize
	binary.LittleEndian.PutUint32(page1[off:], oid)
	binary.LittleEndian.PutUint32(page1[off+4:], uint32(segHead))
	ts.writeCatalogCount(n + 1)
	ts.persistPage(1)
	return oid, nil
}

// SearchTable finds a table's segment head by id.
func (ts *TableSpace) SearchTable(oid uint32) (nvmtypes.PageNo, bool, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := ts.catalogCount()
	page1, err := ts.pageAt(1)
	if err != nil {
		return 0, false, err
	}
	for i := uint32(0); i < n; i++ {
		off := catalogEntriesOffset + int(i)*tableSegMetaSize
		if binary.LittleEndian.Uint32(page1[off:]) == oid {
			return nvmtypes.PageNo(binary.LittleEndian.Uint32(page1[off+4:])), true, nil
		}
	}
	return 0, false, nil
}

// DropTable removes a table's catalog entry (its segment storage is freed
// by the caller via FreeSegment beforehand).
func (ts *TableSpace) DropTable(oid uint32) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := ts.catalogCount()
	page1, err := ts.pageAt(1)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		off := catalogEntriesOffset + int(i)*tableSegMetaSize
		if binary.LittleEndian.Uint32(page1[off:]) != oid {
			continue
		}
		lastOff := catalogEntriesOffset + int(n-1)*tableSegMetaSize
		copy(page1[off:off+tableSegMetaSize], page1[lastOff:lastOff+tableSegMetaSize])
		ts.writeCatalogCount(n - 1)
		ts.persistPage(1)
		return nil
	}
	return fmt.Errorf("tablespace: table %d not found", oid)
}
