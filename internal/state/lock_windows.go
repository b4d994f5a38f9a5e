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

//go:build windows

package state

import (
	"os"
	"path/filepath"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// dirLock approximates the unix flock with an exclusively-created
// sentinel file; Windows has no advisory flock on plain files worth
// relying on across runtimes.
type dirLock struct {
	path string
}

func acquireDirLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &errtyp.StateError{Kind: "Conflict", Message: "another process is already operating on this workspace", Cause: err}
		}
		return nil, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	_ = f.Close()
	return &dirLock{path: path}, nil
}

func (l *dirLock) release() error {
	return os.Remove(l.path)
}
