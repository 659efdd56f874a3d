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

import "github.com/google/btree"

// searchEntry is one jump-trie entry: the leaf owning every key >= min
// (up to the next entry's min, or the tail sentinel).
type searchEntry struct {
	min  Key
	leaf *Leaf
}

func lessSearchEntry(a, b searchEntry) bool { return compareKeys(a.min, b.min) < 0 }

// searchLayer is one NUMA group's DRAM jump trie: a
// key->leaf map maintained asynchronously from the oplog, the same
// generic-btree idiom this codebase uses elsewhere for its
// delta overlay.
type searchLayer struct {
	tree *btree.BTreeG[searchEntry]
}

func newSearchLayer() *searchLayer {
	return &searchLayer{tree: btree.NewG[searchEntry](8, lessSearchEntry)}
}

func (s *searchLayer) insert(min Key, leaf *Leaf) {
	s.tree.ReplaceOrInsert(searchEntry{min: append(Key(nil), min...), leaf: leaf})
}

func (s *searchLayer) remove(min Key) {
	s.tree.Delete(searchEntry{min: min})
}

// lookup returns the leaf whose [min, next-min) range contains key: the
// entry with the greatest min <= key.
func (s *searchLayer) lookup(key Key) *Leaf {
	var found *Leaf
	s.tree.DescendLessOrEqual(searchEntry{min: key}, func(e searchEntry) bool {
		found = e.leaf
		return false
	})
	return found
}

// replay applies one oplog entry to this group's trie.
func (s *searchLayer) replay(e *oplogEntry) {
	switch e.op {
	case opSplit:
		s.insert(e.key, e.leaf)
	case opRemove:
		s.remove(e.key)
	}
}
