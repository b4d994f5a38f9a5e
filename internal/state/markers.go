/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// markerDirName is the per-workspace directory lifecycle markers live
// under.
const markerDirName = ".devcontainer-state"

// prebuildSubdir isolates prebuild-mode markers from normal runs;
// markers written there never satisfy a normal run's skip check.
const prebuildSubdir = "prebuild"

// Marker attests that one lifecycle phase completed. Its existence on
// disk is authoritative; the recorded fields exist for diagnostics.
type Marker struct {
	Phase      string `json:"phase"`
	Timestamp  int64  `json:"timestamp"`
	SourceHash string `json:"source_hash"`
}

// Markers manages the marker files for one workspace, in either
// normal or prebuild mode.
type Markers struct {
	dir      string
	prebuild bool
	lock     *dirLock
}

// OpenMarkers prepares (creating if needed) the marker directory for
// workspaceFolder and takes the single-writer lock on it. A second
// concurrent opener fails with State.Conflict.
func OpenMarkers(workspaceFolder string, prebuild bool) (*Markers, error) {
	dir := filepath.Join(workspaceFolder, markerDirName)
	if prebuild {
		dir = filepath.Join(dir, prebuildSubdir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}

	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}
	return &Markers{dir: dir, prebuild: prebuild, lock: lock}, nil
}

// Close releases the marker directory lock.
func (m *Markers) Close() error {
	if m.lock == nil {
		return nil
	}
	return m.lock.release()
}

// Dir reports the marker directory in use.
func (m *Markers) Dir() string { return m.dir }

// Prebuild reports whether this set is the isolated prebuild subtree.
func (m *Markers) Prebuild() bool { return m.prebuild }

// Exists reports whether phase has a completion marker.
func (m *Markers) Exists(phase string) bool {
	_, err := os.Stat(m.path(phase))
	return err == nil
}

// Write commits a completion marker for phase. It is only called
// after every command in the phase exited 0 (blocking phases) or the
// phase was dispatched (non-blocking phases).
func (m *Markers) Write(phase string, sourceHash string) error {
	raw, err := json.Marshal(Marker{
		Phase:      phase,
		Timestamp:  time.Now().UnixMilli(),
		SourceHash: sourceHash,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path(phase), raw, 0o644); err != nil {
		return &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	return nil
}

// Read loads a marker, reporting ok=false when none exists.
func (m *Markers) Read(phase string) (Marker, bool, error) {
	raw, err := os.ReadFile(m.path(phase))
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	var marker Marker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return Marker{}, false, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	return marker, true, nil
}

// Clear removes every marker in this set, for --remove-existing-container
// style fresh starts.
func (m *Markers) Clear() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err != nil {
			return &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
		}
	}
	return nil
}

func (m *Markers) path(phase string) string {
	return filepath.Join(m.dir, phase+".json")
}
