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
	"os"
)

// logf is the engine's logging idiom: this codebase has no structured
// logging dependency of its own (storage/compute.go debug-prints with a
// commented-out fmt.Println rather than a logger), so this mirrors that
// plain-fmt style instead of reaching for an ecosystem logger the corpus
// never uses.
func logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "nvmdb: "+format+"\n", args...)
}
