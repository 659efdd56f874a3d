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
package tablespace

import (
	"encoding/binary"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// The doubly-linked extent list is embedded in each page at the start of the
// view pageAt returns, i.e. right after nvmtypes.PageHeaderSize bytes.
// Grounded on the PageDListNode{prev, next} layout; offOwner reserves room
// for an owner tag, which no code writes or reads.
const (
	offPrev  = 0
	offNext  = 4
	offOwner = 8
)

func pageGetPrev(page []byte) nvmtypes.PageNo {
	return nvmtypes.PageNo(binary.LittleEndian.Uint32(page[offPrev:]))
}

func pageSetPrev(page []byte, p nvmtypes.PageNo) {
	binary.LittleEndian.PutUint32(page[offPrev:], uint32(p))
}

func pageGetNext(page []byte) nvmtypes.PageNo {
	return nvmtypes.PageNo(binary.LittleEndian.Uint32(page[offNext:]))
}

func pageSetNext(page []byte, p nvmtypes.PageNo) {
	binary.LittleEndian.PutUint32(page[offNext:], uint32(p))
}

// dlistInitHead turns a fresh page into a one-element circular list (its
// own head), the way page_dlist_init_head does.
func (ts *TableSpace) dlistInitHead(node nvmtypes.PageNo) error {
	page, err := ts.pageAt(node)
	if err != nil {
		return err
	}
	pageSetPrev(page, node)
	pageSetNext(page, node)
	ts.persistPage(node)
	return nil
}

// dlistPushTail appends node to the tail of the circular list rooted at head.
func (ts *TableSpace) dlistPushTail(head, node nvmtypes.PageNo) error {
	headPage, err := ts.pageAt(head)
	if err != nil {
		return err
	}
	tail := pageGetPrev(headPage)
	tailPage, err := ts.pageAt(tail)
	if err != nil {
		return err
	}
	nodePage, err := ts.pageAt(node)
	if err != nil {
		return err
	}
	pageSetNext(tailPage, node)
	pageSetPrev(nodePage, tail)
	pageSetNext(nodePage, head)
	pageSetPrev(headPage, node)
	ts.persistPage(tail)
	ts.persistPage(node)
	ts.persistPage(head)
	return nil
}

// dlistPopTail removes and returns the tail element of the list rooted at
// head. Returns InvalidPageNo if the list is empty (head is its own tail,
// i.e. a single-element list whose only element is the head itself and the
// caller is popping the root -- callers must check IsHead first when the
// head itself must not be removed).
func (ts *TableSpace) dlistPopTail(head nvmtypes.PageNo) (nvmtypes.PageNo, error) {
	headPage, err := ts.pageAt(head)
	if err != nil {
		return nvmtypes.InvalidPageNo, err
	}
	tail := pageGetPrev(headPage)
	if tail == head {
		return nvmtypes.InvalidPageNo, nil
	}
	tailPage, err := ts.pageAt(tail)
	if err != nil {
		return nvmtypes.InvalidPageNo, err
	}
	prevOfTail := pageGetPrev(tailPage)
	prevPage, err := ts.pageAt(prevOfTail)
	if err != nil {
		return nvmtypes.InvalidPageNo, err
	}
	pageSetNext(prevPage, head)
	pageSetPrev(headPage, prevOfTail)
	ts.persistPage(prevOfTail)
	ts.persistPage(head)
	return tail, nil
}

// dlistIsHead reports whether node is the sole element of its own list.
func (ts *TableSpace) dlistIsHead(node nvmtypes.PageNo) (bool, error) {
	page, err := ts.pageAt(node)
	if err != nil {
		return false, err
	}
	return pageGetNext(page) == node, nil
}
