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
	"fmt"
	"strings"
	"sync"

	"github.com/nvmdb/pmemstore/heap"
	"github.com/nvmdb/pmemstore/index"
	"github.com/nvmdb/pmemstore/tablespace"
	"github.com/nvmdb/pmemstore/txn"
	"github.com/nvmdb/pmemstore/undo"
)

// Engine is the running database: a mounted tablespace, undo pool and
// transaction manager, plus the open tables/indexes registered against
// them. It collects the lifecycle surface (InitDB/BootStrap/
// ExitDBProcess) into one handle instead of process globals.
type Engine struct {
	cfg Config

	TableSpace *tablespace.TableSpace
	UndoMgr    *undo.Manager
	TrxMgr     *txn.Manager

	mu      sync.Mutex
	tables  map[uint32]*heap.Table
	indexes map[uint32]*index.Index

	groups groupCounter
}

func dirsOf(path string) []string { return strings.Split(path, ";") }

// BootStrap formats a brand-new store: lays down the tablespace and undo
// segments on disk and mounts them. Call once per fresh data directory.
func BootStrap(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spaceSlice, err := cfg.resolvedSpaceSliceBytes()
	if err != nil {
		return nil, err
	}
	_ = spaceSlice // geometry is currently fixed by BuildMode; kept for future tuning

	mode := tablespace.BuildRelease
	if cfg.Debug {
		mode = tablespace.BuildDebug
	}
	ts := tablespace.Open(cfg.Name, dirsOf(cfg.TablespaceDir), mode)
	if err := ts.Create(); err != nil {
		return nil, err
	}

	undoMgr := undo.NewManager(cfg.Name, dirsOf(cfg.UndoDir), cfg.NumUndoSegs, cfg.Debug)
	if err := undoMgr.Create(); err != nil {
		return nil, err
	}

	trxMgr := txn.NewManager(undoMgr, cfg.MaxThreads)
	trxMgr.StartRecycler()

	logf("bootstrapped store %q under %s", cfg.Name, cfg.TablespaceDir)
	return &Engine{
		cfg:        cfg,
		TableSpace: ts,
		UndoMgr:    undoMgr,
		TrxMgr:     trxMgr,
		tables:     map[uint32]*heap.Table{},
		indexes:    map[uint32]*index.Index{},
	}, nil
}

// InitDB mounts an existing store and replays recovery: each undo segment
// rolls back its dangling in-progress transactions and the CSN counter is
// reseeded past the highest recovered commit.
func InitDB(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode := tablespace.BuildRelease
	if cfg.Debug {
		mode = tablespace.BuildDebug
	}
	ts := tablespace.Open(cfg.Name, dirsOf(cfg.TablespaceDir), mode)
	if err := ts.Mount(); err != nil {
		return nil, err
	}

	undoMgr := undo.NewManager(cfg.Name, dirsOf(cfg.UndoDir), cfg.NumUndoSegs, cfg.Debug)
	if err := undoMgr.Mount(); err != nil {
		return nil, err
	}

	trxMgr := txn.NewManager(undoMgr, cfg.MaxThreads)
	if err := trxMgr.Recover(); err != nil {
		return nil, fmt.Errorf("engine: recovery failed: %w", err)
	}
	trxMgr.StartRecycler()

	logf("mounted store %q, recovered", cfg.Name)
	return &Engine{
		cfg:        cfg,
		TableSpace: ts,
		UndoMgr:    undoMgr,
		TrxMgr:     trxMgr,
		tables:     map[uint32]*heap.Table{},
		indexes:    map[uint32]*index.Index{},
	}, nil
}

// ExitDBProcess stops every background worker and unmounts the tablespace
// and undo pool, in the reverse order they were started.
func ExitDBProcess(e *Engine) error {
	e.mu.Lock()
	for _, idx := range e.indexes {
		idx.StopWorkers()
	}
	e.mu.Unlock()

	e.TrxMgr.StopRecycler()
	if err := e.UndoMgr.Unmount(); err != nil {
		return err
	}
	if err := e.TableSpace.Unmount(); err != nil {
		return err
	}
	logf("store %q unmounted", e.cfg.Name)
	return nil
}

// CreateTable registers a new heap table under this engine.
func (e *Engine) CreateTable(schema heap.Schema) (*heap.Table, error) {
	t, err := heap.CreateTable(e.TableSpace, e.UndoMgr, schema)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.tables[t.OID] = t
	e.mu.Unlock()
	return t, nil
}

// OpenTable remounts an existing table by its catalog id.
func (e *Engine) OpenTable(schema heap.Schema, oid uint32) (*heap.Table, error) {
	t, err := heap.OpenTable(e.TableSpace, e.UndoMgr, schema, oid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.tables[oid] = t
	e.mu.Unlock()
	return t, nil
}

// CreateIndex registers a new index under indexID and starts its
// background combiner goroutine.
func (e *Engine) CreateIndex(indexID uint32) (*index.Index, error) {
	idx, err := index.CreateIndex(e.TableSpace, e.TrxMgr, indexID)
	if err != nil {
		return nil, err
	}
	idx.StartWorkers()
	e.mu.Lock()
	e.indexes[indexID] = idx
	e.mu.Unlock()
	return idx, nil
}

// Begin starts a transaction and binds it to the calling goroutine's
// thread-locals, mirroring GetCurrentTrxContext's contract.
func (e *Engine) Begin() *txn.Transaction {
	trx := e.TrxMgr.Begin()
	BindTransaction(trx)
	return trx
}

// NextGroupID hands out the next NUMA-style search-layer group id for a new
// worker thread to register under InitThreadLocalVariables.
func (e *Engine) NextGroupID() int { return e.groups.next() }

// DestroyThreadLocalVariables is InitThreadLocalVariables's lifecycle
// counterpart. This implementation's thread-locals are scoped to
// InitThreadLocalVariables's callback via gls rather than allocated and
// freed by hand, so there is nothing left to release once that callback
// returns. Kept as a named no-op so callers expecting an explicit
// init/destroy pairing have somewhere to call.
func DestroyThreadLocalVariables() {}
