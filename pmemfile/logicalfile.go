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
Package pmemfile implements the Logical File layer: a named
object is mapped to a sequence of fixed-size slice files striped round-robin
over a configured list of NUMA directories, and a global page number
translates to a byte address inside one mmap'd slice.

Grounded on directory-striped slice-file geometry (ParseDirectoryConfig,
MMapFile/UMMapFile, extend/punch/relpoint), ported from libpmem's
pmem_map_file to golang.org/x/sys/unix's Mmap/Munmap/Msync — the standard
substitution wherever a real PMEM instruction set is unreachable from
portable Go. Msync after a write takes the place of PMEM's flush+fence:
durability rests on flush-then-fence rather than a redo log, and
msync(MS_SYNC) is the closest portable equivalent.
*/
package pmemfile

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

const Delimiter = ";"

// ParseDirectoryConfig splits a ";"-separated directory list into its
// individual shards, optionally wiping and recreating them ("init" mode, the
// way BootStrap resets a tablespace from scratch).
func ParseDirectoryConfig(dirNames string, doInit bool) ([]string, error) {
	var dirs []string
	for _, d := range strings.Split(dirNames, Delimiter) {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("pmemfile: empty directory list")
	}
	if len(dirs) > nvmtypes.MaxOplogGroups {
		return nil, fmt.Errorf("pmemfile: directory count %d exceeds max group count %d", len(dirs), nvmtypes.MaxOplogGroups)
	}
	if doInit {
		for _, d := range dirs {
			if err := os.RemoveAll(d); err != nil {
				return nil, fmt.Errorf("pmemfile: reset directory %s: %w", d, err)
			}
			if err := os.MkdirAll(d, 0o750); err != nil {
				return nil, fmt.Errorf("pmemfile: create directory %s: %w", d, err)
			}
		}
	}
	return dirs, nil
}

// LogicalFile is a logical, pageno-addressable flat object backed by fixed
// size slice files striped over a directory list. Tablespaces and undo
// segments both embed it.
type LogicalFile struct {
	name         string
	dirs         []string
	sliceLen     uint64 // bytes per slice, build-mode dependent
	sliceBlocks  uint32 // pages per slice
	maxSliceNum  uint32

	mu    sync.Mutex
	slice []*mappedSlice // index by slice number; nil entry == unmapped
}

type mappedSlice struct {
	data []byte
	file *os.File
}

// New constructs a LogicalFile. It performs no I/O; call Create or Mount.
func New(name string, dirs []string, sliceLen uint64, maxSliceNum uint32) *LogicalFile {
	return &LogicalFile{
		name:        name,
		dirs:        dirs,
		sliceLen:    sliceLen,
		sliceBlocks: uint32(sliceLen / nvmtypes.PageSize),
		maxSliceNum: maxSliceNum,
	}
}

func (f *LogicalFile) filename(sliceno uint32) string {
	dir := f.dirs[int(sliceno)%len(f.dirs)]
	return fmt.Sprintf("%s/%s.%d", dir, f.name, sliceno)
}

// SliceNumber returns how many slices are currently mapped.
func (f *LogicalFile) SliceNumber() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.slice))
}

func (f *LogicalFile) SliceBlocks() uint32 { return f.sliceBlocks }

// Create maps slice 0 fresh, creating its backing file.
func (f *LogicalFile) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.slice) != 0 {
		return fmt.Errorf("pmemfile: %s already created", f.name)
	}
	_, err := f.mmapSliceLocked(0, true)
	return err
}

// Mount remounts every slice file already present on disk, in order, the way
// UnMount/Mount brackets a process restart in the original engine.
func (f *LogicalFile) Mount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint32(0); i < f.maxSliceNum; i++ {
		if _, err := os.Stat(f.filename(i)); err != nil {
			break
		}
		if _, err := f.mmapSliceLocked(i, false); err != nil {
			return err
		}
	}
	if len(f.slice) == 0 {
		if _, err := f.mmapSliceLocked(0, false); err != nil {
			return err
		}
	}
	return nil
}

// Unmount releases all mappings without deleting the underlying files.
func (f *LogicalFile) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for i := range f.slice {
		if err := f.unmapSliceLocked(uint32(i), false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.slice = nil
	return firstErr
}

// Extend ensures the slice holding pageno is mapped, creating it if absent.
func (f *LogicalFile) Extend(pageno nvmtypes.PageNo) error {
	sliceno := uint32(pageno) / f.sliceBlocks
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.mmapSliceLocked(sliceno, true)
	return err
}

// Punch unmaps and unlinks slices in [start, end). The undo recycler does
// not call it.
func (f *LogicalFile) Punch(start, end uint32) error {
	if start >= end {
		return fmt.Errorf("pmemfile: punch requires start < end, got [%d, %d)", start, end)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for i := start; i < end; i++ {
		if err := f.unmapSliceLocked(i, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Relpoint translates a byte offset into the logical file into the mapped
// virtual address holding it.
func (f *LogicalFile) Relpoint(offset uint64) ([]byte, error) {
	blkno := uint32(offset / nvmtypes.PageSize)
	base, err := f.RelpointOfPageno(nvmtypes.PageNo(blkno))
	if err != nil {
		return nil, err
	}
	inPage := offset % nvmtypes.PageSize
	return base[inPage:], nil
}

// RelpointOfPageno returns the mapped page content for a global page number.
func (f *LogicalFile) RelpointOfPageno(pageno nvmtypes.PageNo) ([]byte, error) {
	sliceno := uint32(pageno) / f.sliceBlocks
	inSlice := uint64(uint32(pageno)%f.sliceBlocks) * nvmtypes.PageSize

	f.mu.Lock()
	defer f.mu.Unlock()
	if sliceno >= uint32(len(f.slice)) || f.slice[sliceno] == nil {
		return nil, fmt.Errorf("pmemfile: %s page %d not mapped (slice %d)", f.name, pageno, sliceno)
	}
	data := f.slice[sliceno].data
	return data[inSlice : inSlice+nvmtypes.PageSize], nil
}

// Persist stands in for PMEM's clflush+sfence: it msyncs the byte range so
// the write is durable before the caller proceeds. Invariant violations
// (bad range, failed syscall) are fatal — a corrupted flush
// means an invariant the engine cannot recover from was already broken.
func (f *LogicalFile) Persist(p []byte) {
	if len(p) == 0 {
		return
	}
	if err := unix.Msync(alignToPage(p), unix.MS_SYNC); err != nil {
		panic(fmt.Sprintf("pmemfile: %s msync failed: %v", f.name, err))
	}
}

// alignToPage returns p unchanged: msync needs a page-aligned base address,
// and every caller passes a whole page obtained from RelpointOfPageno, whose
// base is already aligned because each slice is a page-aligned mmap region.
func alignToPage(p []byte) []byte {
	return p
}

func (f *LogicalFile) mmapSliceLocked(sliceno uint32, create bool) ([]byte, error) {
	if sliceno < uint32(len(f.slice)) && f.slice[sliceno] != nil {
		return f.slice[sliceno].data, nil
	}
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	file, err := os.OpenFile(f.filename(sliceno), flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("pmemfile: open %s: %w", f.filename(sliceno), err)
	}
	if create {
		if err := file.Truncate(int64(f.sliceLen)); err != nil {
			file.Close()
			return nil, fmt.Errorf("pmemfile: truncate %s: %w", f.filename(sliceno), err)
		}
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(f.sliceLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pmemfile: mmap %s: %w", f.filename(sliceno), err)
	}
	for uint32(len(f.slice)) <= sliceno {
		f.slice = append(f.slice, nil)
	}
	f.slice[sliceno] = &mappedSlice{data: data, file: file}
	return data, nil
}

func (f *LogicalFile) unmapSliceLocked(sliceno uint32, destroy bool) error {
	if sliceno >= uint32(len(f.slice)) || f.slice[sliceno] == nil {
		return nil
	}
	s := f.slice[sliceno]
	err := unix.Munmap(s.data)
	name := s.file.Name()
	s.file.Close()
	f.slice[sliceno] = nil
	if destroy {
		os.Remove(name)
	}
	return err
}
