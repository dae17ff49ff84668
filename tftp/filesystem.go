// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tftp

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirHandler serves transfers out of a single directory. Request names
// resolve relative to Root; absolute paths and any ".." component are
// rejected as access violations.
//
// Writes go to a file created exclusively, so a write request for an
// existing name fails with "file already exists" - including the case
// of two concurrent writes to the same name, where the loser of the
// create race is the one rejected. A transfer that fails partway
// removes the partial file.
type DirHandler struct {
	Root string
}

func (h *DirHandler) resolve(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fs.ErrPermission
	}
	for _, el := range strings.Split(name, "/") {
		if el == ".." {
			return "", fs.ErrPermission
		}
	}
	return filepath.Join(h.Root, filepath.FromSlash(name)), nil
}

// ReadFile implements Handler.
func (h *DirHandler) ReadFile(name string) (FileReader, error) {
	p, err := h.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, fs.ErrPermission
	}
	return &dirFileReader{File: f, size: uint64(fi.Size())}, nil
}

// WriteFile implements Handler.
func (h *DirHandler) WriteFile(name string, size uint64) (FileWriter, error) {
	p, err := h.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &dirFileWriter{File: f, path: p}, nil
}

type dirFileReader struct {
	*os.File
	size uint64
}

func (r *dirFileReader) Size() (uint64, error) {
	return r.size, nil
}

type dirFileWriter struct {
	*os.File
	path string
}

// Cancel discards the partially written file.
func (w *dirFileWriter) Cancel() error {
	w.File.Close()
	return os.Remove(w.path)
}
