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
	"errors"

	"github.com/nvmdb/pmemstore/txn"
)

// Workload is the thin driver surface a benchmark would call into: start a
// transaction, run a body against it, and retry automatically on the
// WaitAbort outcome a conflicting writer leaves behind. It stands in for
// a TPC-C/SmallBank-style benchmark driver, without committing to any one
// workload's transaction mix; only the shared retry loop is worth keeping.
type Workload struct {
	e *Engine
}

// NewWorkload binds a retry-loop driver to an engine.
func NewWorkload(e *Engine) *Workload { return &Workload{e: e} }

// Run begins a transaction, calls body with it, and commits if body
// returns nil. If body returns txn.ErrWaitAbort the transaction is
// formally aborted and the whole attempt is retried from scratch, up to
// maxAttempts times. Any other error aborts the transaction and is
// returned immediately without retrying.
func (w *Workload) Run(maxAttempts int, body func(trx *txn.Transaction) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		trx := w.e.Begin()
		err := body(trx)
		if err == nil {
			trx.Commit()
			return nil
		}
		if errors.Is(err, txn.ErrWaitAbort) {
			trx.Abort()
			lastErr = err
			continue
		}
		trx.Abort()
		return err
	}
	return lastErr
}
