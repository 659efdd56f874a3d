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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvmdb/pmemstore/nvmtypes"
	"github.com/nvmdb/pmemstore/tablespace"
	"github.com/nvmdb/pmemstore/txn"
	"github.com/nvmdb/pmemstore/undo"
)

// Pair is one (key, value) result from RangeScan.
type Pair struct {
	Key   Key
	Value nvmtypes.RowId
}

// Index is one ordered key->RowId map: a leaf chain over the tablespace
// plus per-group DRAM jump-trie search layers refreshed from an oplog by a
// single combiner goroutine. It implements
// undo.IndexApplier so rollback can reach back into it.
type Index struct {
	ts      *tablespace.TableSpace
	trxMgr  *txn.Manager
	indexID uint32

	generation uint32
	numShards  uint32
	nextShard  atomic.Uint32

	head *Leaf

	numGroups int
	groups    []*searchLayer
	groupsMu  []sync.RWMutex

	oplogMu     sync.Mutex
	oplogBuf    []*oplogEntry
	oplogSignal chan struct{}

	cancel  context.CancelFunc
	workers *errgroup.Group
}

// CreateIndex allocates the first (all-spanning) leaf and wires a brand new
// Index, registering it as indexID's undo applier.
func CreateIndex(ts *tablespace.TableSpace, trxMgr *txn.Manager, indexID uint32) (*Index, error) {
	idx := newIndexShell(ts, trxMgr, indexID, 1)
	pageNo, err := ts.AllocNewExtent(nvmtypes.ExtentSmall, nvmtypes.InvalidPageNo, 0)
	if err != nil {
		return nil, err
	}
	idx.head = newLeaf(ts, pageNo, headKey, tailKey(), idx.generation)
	idx.head.persist()
	for _, g := range idx.groups {
		g.insert(headKey, idx.head)
	}
	undo.RegisterIndexApplier(indexID, idx)
	return idx, nil
}

func newIndexShell(ts *tablespace.TableSpace, trxMgr *txn.Manager, indexID uint32, generation uint32) *Index {
	numGroups := nvmtypes.MaxOplogGroups
	idx := &Index{
		ts:          ts,
		trxMgr:      trxMgr,
		indexID:     indexID,
		generation:  generation,
		numShards:   uint32(ts.NumShards()),
		numGroups:   numGroups,
		groups:      make([]*searchLayer, numGroups),
		groupsMu:    make([]sync.RWMutex, numGroups),
		oplogSignal: make(chan struct{}, 1),
	}
	for i := range idx.groups {
		idx.groups[i] = newSearchLayer()
	}
	return idx
}

// lookupLeaf resolves key to its owning leaf via groupID's jump trie,
// defaulting to group 0 when the caller has no NUMA affinity assigned.
func (idx *Index) lookupLeaf(key Key, groupID int) *Leaf {
	if groupID < 0 || groupID >= idx.numGroups {
		groupID = 0
	}
	idx.groupsMu[groupID].RLock()
	defer idx.groupsMu[groupID].RUnlock()
	l := idx.groups[groupID].lookup(key)
	if l == nil {
		return idx.head
	}
	return l
}

// Insert implements Index Access's IndexInsert: write the
// undo record first (refilled on rollback with the inserting transaction's
// own snapshot, never its eventual commit CSN — safe because a key can only
// be re-inserted after the prior delete committed, so this transaction's
// snapshot already exceeds that CSN), then store the RowId directly; unlike
// Delete, a fresh insert carries no transaction-slot placeholder.
func (idx *Index) Insert(trx *txn.Transaction, key Key, rowID nvmtypes.RowId) error {
	if len(key) > nvmtypes.IndexKeyCapBytes {
		return ErrKeyTooLong
	}
	if trx.IsWaitAbort() {
		return txn.ErrWaitAbort
	}
	ctx, err := trx.PrepareUndo()
	if err != nil {
		return err
	}
	ctx.AppendIndexInsertUndo(idx.indexID, trx.Snapshot(), key)
	return idx.rawInsert(key, uint64(rowID), 0)
}

// Delete implements IndexDelete: the value written is the deleting
// transaction's own slot pointer, letting a concurrent reader whose
// snapshot predates the delete see it as still visible (the leaf MVCC
// policy's InProgress case) until the delete actually commits.
func (idx *Index) Delete(trx *txn.Transaction, key Key) error {
	if trx.IsWaitAbort() {
		return txn.ErrWaitAbort
	}
	ctx, err := trx.PrepareUndo()
	if err != nil {
		return err
	}
	ctx.AppendIndexDeleteUndo(idx.indexID, key)
	return idx.rawInsert(key, uint64(trx.SlotPtr()), 0)
}

// rawInsert retries against a freshly re-resolved leaf if the first latch
// attempt hits a stale generation (a remount after a crash).
func (idx *Index) rawInsert(key Key, value uint64, groupID int) error {
	for {
		l := idx.lookupLeaf(key, groupID)
		if !l.Lock() {
			continue
		}
		needSplit := l.insertLocked(key, value)
		if !needSplit {
			l.Unlock()
			return nil
		}
		_, _, err := idx.split(l)
		l.Unlock()
		if err != nil {
			return err
		}
		// retry: the key now belongs to either half of the split leaf
	}
}

// Lookup implements IndexAccess's visibility-filtered point read.
func (idx *Index) Lookup(trx *txn.Transaction, key Key) (nvmtypes.RowId, bool, error) {
	l := idx.lookupLeaf(key, 0)
	if !l.Lock() {
		return 0, false, nil
	}
	defer l.Unlock()
	suffix := l.suffixOf(key)
	pos, found := l.findOrLowerBound(suffix, fingerprint(suffix))
	if !found {
		return 0, false, nil
	}
	off := l.published().entries[pos].offset
	v := l.readValue(off)
	class, rewritten := idx.trxMgr.ClassifyIndexValue(nvmtypes.TrxInfo(v), trx.Snapshot())
	if uint64(rewritten) != v {
		l.writeValue(off, uint64(rewritten))
		l.persist()
	}
	if class != IndexValueVisible {
		return 0, false, nil
	}
	return nvmtypes.RowId(v), true, nil
}

// RangeScan is the eager convenience form of GenerateIter: walk forward from
// start (inclusive) to end (exclusive) and collect up to max visible pairs.
func (idx *Index) RangeScan(trx *txn.Transaction, start, end Key, max int) ([]Pair, error) {
	out := make([]Pair, 0, max)
	it := idx.GenerateIter(trx, start, end, max, false)
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

// RollbackInsert implements undo.IndexApplier: refill the key's value with
// the cover CSN captured at insert time.
func (idx *Index) RollbackInsert(key []byte, refillCSN nvmtypes.CSN) {
	_ = idx.rawInsert(Key(key), uint64(nvmtypes.TrxInfoFromCSN(refillCSN)), 0)
}

// RollbackDelete implements undo.IndexApplier: restore the key to being
// permanently visible.
func (idx *Index) RollbackDelete(key []byte) {
	_ = idx.rawInsert(Key(key), nvmtypes.InvalidCSN, 0)
}

// StartWorkers launches the combiner goroutine, which replays the oplog into
// every group's search layer itself; there is no separate per-group worker.
func (idx *Index) StartWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	idx.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	idx.workers = g
	g.Go(func() error { idx.combinerLoop(gctx); return nil })
}

func (idx *Index) StopWorkers() {
	if idx.cancel != nil {
		idx.cancel()
	}
	if idx.workers != nil {
		idx.workers.Wait()
	}
}

// combinerLoop drains the oplog and replays each entry into every group's
// trie, marking entries done once all groups have seen them. A single
// goroutine plays both "combiner" and every "group worker" role here since
// Go's GOMAXPROCS-scheduled goroutines don't need dedicated per-NUMA-group
// threads to get useful parallelism; replaying into each group's independent
// trie is kept so a future per-group split is additive.
func (idx *Index) combinerLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			idx.replayPending()
			return
		case <-idx.oplogSignal:
			idx.replayPending()
		case <-ticker.C:
			idx.replayPending()
		}
	}
}

func (idx *Index) replayPending() {
	entries := idx.drainOplog()
	for _, e := range entries {
		for g := range idx.groups {
			idx.groupsMu[g].Lock()
			idx.groups[g].replay(e)
			idx.groupsMu[g].Unlock()
			e.markReplayed()
		}
	}
}
