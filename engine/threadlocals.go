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
package engine

import (
	"github.com/jtolds/gls"

	"github.com/nvmdb/pmemstore/heap"
	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/txn"
)

// ThreadLocals is the per-OS-thread state, modeled as an explicit struct
// rather than hidden globals: a RowId cache per table this thread has
// inserted into, a NUMA-style group id for index search-layer affinity,
// and the transaction currently bound to this thread.
type ThreadLocals struct {
	GroupID   int
	RowCaches map[uint32]*heap.RowIdCache
	Trx       *txn.Transaction
}

func newThreadLocals(groupID int) *ThreadLocals {
	return &ThreadLocals{GroupID: groupID, RowCaches: map[uint32]*heap.RowIdCache{}}
}

// RowCacheFor returns this thread's RowIdCache for a table, creating one on
// first use.
func (tl *ThreadLocals) RowCacheFor(tableOID uint32) *heap.RowIdCache {
	c, ok := tl.RowCaches[tableOID]
	if !ok {
		c = &heap.RowIdCache{}
		tl.RowCaches[tableOID] = c
	}
	return c
}

const threadLocalsKey = "nvmdb.threadlocals"

// threadRegistry propagates a *ThreadLocals across goroutine boundaries the
// way goroutine-local propagation works elsewhere in this codebase, so a worker
// goroutine spawned from within InitThreadLocalVariables's scope inherits
// its caller's thread-local state without a context.Context parameter
// threaded through every heap/index call.
var threadRegistry = gls.NewContextManager()

// InitThreadLocalVariables runs fn with a fresh ThreadLocals bound for the
// duration of the call (and any gls-propagated goroutines fn spawns),
// bound to the NUMA-style index search-layer group groupID chosen by the
// caller (Engine.NextGroupID hands these out round robin).
func InitThreadLocalVariables(groupID int, fn func()) {
	tl := newThreadLocals(groupID)
	threadRegistry.SetValues(gls.Values{threadLocalsKey: tl}, fn)
}

// CurrentThreadLocals returns the calling goroutine's bound ThreadLocals,
// or nil outside any InitThreadLocalVariables scope.
func CurrentThreadLocals() *ThreadLocals {
	v, ok := threadRegistry.GetValue(threadLocalsKey)
	if !ok {
		return nil
	}
	return v.(*ThreadLocals)
}

// GetCurrentTrxContext returns the transaction bound to the calling
// goroutine's thread-locals.
func GetCurrentTrxContext() *txn.Transaction {
	tl := CurrentThreadLocals()
	if tl == nil {
		return nil
	}
	return tl.Trx
}

// BindTransaction attaches trx to the calling goroutine's thread-locals so
// GetCurrentTrxContext can find it without an explicit parameter.
func BindTransaction(trx *txn.Transaction) {
	if tl := CurrentThreadLocals(); tl != nil {
		tl.Trx = trx
	}
}

// groupCounter backs Engine.NextGroupID: it round-robins new threads across
// the fixed NUMA-group count.
type groupCounter struct{ n int }

func (g *groupCounter) next() int {
	id := g.n % nvmtypes.MaxOplogGroups
	g.n++
	return id
}
