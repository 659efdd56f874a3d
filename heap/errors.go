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
package heap

import "errors"

// The user-visible heap outcomes besides success (a nil error) and
// WaitAbort (txn.ErrWaitAbort, returned verbatim by these operations when
// the transaction is already poisoned).
var (
	ErrReadRowNotUsed   = errors.New("heap: row not used")
	ErrNoVisibleVersion = errors.New("heap: no visible version")
	ErrUpdateConflict   = errors.New("heap: update conflict")
	ErrRowDeleted       = errors.New("heap: row deleted")
)
