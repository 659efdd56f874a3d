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
Package index implements Index Core and Index Access:
a persistent ordered key→value map, organized as a doubly-linked chain of
PMEM-resident leaves plus a DRAM "jump trie" search layer maintained
asynchronously from an oplog. The jump trie reuses github.com/google/btree's
generic BTreeG verbatim, the same delta-overlay btree idiom used elsewhere
in this codebase, and registers itself for rollback through the undo
package's IndexApplier callback registry.
*/
package index

import (
	"errors"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// Key is a suffix- or full-key byte string, capped at IndexKeyCapBytes.
type Key []byte

// ErrKeyTooLong is returned when a caller's key exceeds nvmtypes.IndexKeyCapBytes.
var ErrKeyTooLong = errors.New("index: key exceeds cap")

// compareKeys is the index's one lexicographic order, used both for leaf
// perm ordering and for the jump trie's Less function.
func compareKeys(a, b Key) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// headKey and tailKey are the leaf chain's sentinel bounds.
var headKey = Key{}

func tailKey() Key {
	k := make(Key, nvmtypes.IndexKeyCapBytes)
	for i := range k {
		k[i] = 0xFF
	}
	return k
}

// fingerprint is the low 8 bits of an FNV-1a hash of the suffix key, stored
// alongside each linepoint so a scan can reject most mismatches without
// touching the kv arena.
func fingerprint(suffix []byte) uint8 {
	var h uint32 = 2166136261
	for _, b := range suffix {
		h ^= uint32(b)
		h *= 16777619
	}
	return uint8(h)
}

// commonPrefixLen returns how many leading bytes a and b share.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
