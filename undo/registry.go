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
package undo

import (
	"fmt"
	"sync"
)

// registry maps the small integer ids undo records carry (table/index
// ordinals assigned at CreateTable/CreateIndex time) back to the live Go
// object that can apply a rollback. Mirrors a package-level
// scm.GetCurrentTx() accessor pattern (storage/transaction.go) for reaching
// a live object from a lower layer without a direct import.
var (
	registryMu    sync.RWMutex
	heapAppliers  = map[uint32]HeapApplier{}
	indexAppliers = map[uint32]IndexApplier{}
)

// RegisterHeapApplier binds a heap table id to the object that will be asked
// to roll back HeapInsert/Update/Delete records tagged with that id.
func RegisterHeapApplier(tableID uint32, a HeapApplier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	heapAppliers[tableID] = a
}

// RegisterIndexApplier binds an index id the same way.
func RegisterIndexApplier(indexID uint32, a IndexApplier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	indexAppliers[indexID] = a
}

func lookupHeapApplier(tableID uint32) (HeapApplier, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := heapAppliers[tableID]
	if !ok {
		return nil, fmt.Errorf("undo: no heap applier registered for table %d", tableID)
	}
	return a, nil
}

func lookupIndexApplier(indexID uint32) (IndexApplier, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := indexAppliers[indexID]
	if !ok {
		return nil, fmt.Errorf("undo: no index applier registered for index %d", indexID)
	}
	return a, nil
}
