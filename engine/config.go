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
Package engine is the top-level lifecycle and thread-local glue:
InitDB/BootStrap/ExitDBProcess, a Config with human-readable size fields,
and the per-thread state (RowId caches, NUMA group id, bound transaction)
kept as an explicit ThreadLocals struct rather than hidden globals. No undo
segment or index oplog buffer is kept per thread.
*/
package engine

import (
	"fmt"

	units "github.com/docker/go-units"

	"github.com/nvmdb/pmemstore/nvmtypes"
)

// Config is the engine's startup configuration: where the tablespace and
// undo segments live, how big their slices are, and how many of each
// background worker to run.
type Config struct {
	Name          string
	TablespaceDir string
	UndoDir       string
	NumShards     int
	NumUndoSegs   int
	MaxThreads    int
	Debug         bool

	// SpaceSliceSize and UndoSliceSize take human-readable sizes
	// ("1GiB", "10MiB", ...). BootStrap parses SpaceSliceSize and rejects
	// an unparsable value, but neither field changes the slice geometry,
	// which Debug alone selects; UndoSliceSize is not read.
	SpaceSliceSize string
	UndoSliceSize  string
}

// DefaultConfig returns a Config sized for local development: debug slice
// geometry, MinUndoSegments (1024) undo segments, one directory shard.
func DefaultConfig(name, dir string) Config {
	return Config{
		Name:          name,
		TablespaceDir: dir,
		UndoDir:       dir,
		NumShards:     1,
		NumUndoSegs:   nvmtypes.MinUndoSegments,
		MaxThreads:    64,
		Debug:         true,
	}
}

// resolvedSpaceSliceBytes and resolvedUndoSliceBytes parse the
// human-readable overrides, falling back to BuildMode's fixed constants.
func (c Config) resolvedSpaceSliceBytes() (uint64, error) {
	if c.SpaceSliceSize == "" {
		if c.Debug {
			return nvmtypes.SpaceSliceSizeDebug, nil
		}
		return nvmtypes.SpaceSliceSizeRelease, nil
	}
	return parseSize(c.SpaceSliceSize)
}

func (c Config) resolvedUndoSliceBytes() (uint64, error) {
	if c.UndoSliceSize == "" {
		if c.Debug {
			return nvmtypes.UndoSliceSizeDebug, nil
		}
		return nvmtypes.UndoSliceSizeRelease, nil
	}
	return parseSize(c.UndoSliceSize)
}

func parseSize(s string) (uint64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("engine: invalid size %q: %w", s, err)
	}
	return uint64(n), nil
}

// Validate rejects a config that would violate the engine's configured caps.
func (c Config) Validate() error {
	if c.NumUndoSegs < nvmtypes.MinUndoSegments {
		return fmt.Errorf("engine: NumUndoSegs must be >= %d", nvmtypes.MinUndoSegments)
	}
	if c.MaxThreads <= 0 || c.MaxThreads > nvmtypes.MaxThreads {
		return fmt.Errorf("engine: MaxThreads must be in (0, %d]", nvmtypes.MaxThreads)
	}
	if c.NumShards <= 0 {
		return fmt.Errorf("engine: NumShards must be positive")
	}
	return nil
}
