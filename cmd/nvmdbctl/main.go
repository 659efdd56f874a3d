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
Command nvmdbctl is a minimal lifecycle smoke test for the engine: bootstrap
a store under a scratch directory, create a table and an index, run a
handful of transactions through Heap Access and Index Access, and report
the final row count. It exists as a manual sanity check, not a benchmark or
a SQL front end.
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nvmdb/pmemstore/engine"
	"github.com/nvmdb/pmemstore/heap"
)

func main() {
	dir := flag.String("dir", "", "scratch directory for the store (required)")
	fresh := flag.Bool("bootstrap", false, "format a new store instead of mounting an existing one")
	rows := flag.Int("rows", 100, "number of rows to insert")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "nvmdbctl: -dir is required")
		os.Exit(2)
	}
	if err := run(*dir, *fresh, *rows); err != nil {
		fmt.Fprintln(os.Stderr, "nvmdbctl:", err)
		os.Exit(1)
	}
}

func run(dir string, fresh bool, rows int) error {
	cfg := engine.DefaultConfig("nvmdbctl", dir)

	var e *engine.Engine
	var err error
	if fresh {
		e, err = engine.BootStrap(cfg)
	} else {
		e, err = engine.InitDB(cfg)
	}
	if err != nil {
		return err
	}
	defer engine.ExitDBProcess(e)

	schema, err := heap.NewSchema([]heap.Column{
		{Name: "id", Type: heap.ColInt64, Size: 8},
		{Name: "balance", Type: heap.ColInt64, Size: 8},
	})
	if err != nil {
		return err
	}

	var table *heap.Table
	if fresh {
		table, err = e.CreateTable(schema)
	} else {
		return fmt.Errorf("nvmdbctl: -bootstrap required for this scratch demo")
	}
	if err != nil {
		return err
	}

	idx, err := e.CreateIndex(table.OID)
	if err != nil {
		return err
	}

	cache := &heap.RowIdCache{}
	for i := 0; i < rows; i++ {
		trx := e.Begin()
		id := int64(i)
		key := encodeInt64Key(id)
		values := heap.Values{encodeInt64(id), encodeInt64(1000)}
		rowID, err := table.HeapInsert(trx, cache, values)
		if err != nil {
			trx.Abort()
			return err
		}
		if err := idx.Insert(trx, key, rowID); err != nil {
			trx.Abort()
			return err
		}
		trx.Commit()
	}

	trx := e.Begin()
	pairs, err := idx.RangeScan(trx, nil, nil, rows+1)
	trx.Commit()
	if err != nil {
		return err
	}
	fmt.Printf("inserted %d rows, index range scan returned %d visible entries\n", rows, len(pairs))
	return nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func encodeInt64Key(v int64) []byte {
	// Big-endian so lexicographic byte comparison matches numeric order.
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}
