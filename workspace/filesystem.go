// Copyright 2024 Humanitec
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Filesystem is the local-disk workspace. Change detection compares the
// remembered last-modified timestamp and length against a fresh stat;
// content hashing is intentionally not performed.
type Filesystem struct {
	mode Mode
}

var _ Workspace = (*Filesystem)(nil)

// NewFilesystem returns a workspace over the local filesystem in normal
// mode.
func NewFilesystem() *Filesystem {
	return &Filesystem{mode: ModeNormal}
}

// NewFilesystemWithMode returns a local filesystem workspace in the given
// mode. The filesystem itself has no change journal, so walks behave
// identically in every mode; delta semantics come from the remembered state
// the build context replays through ResourceStatus.
func NewFilesystemWithMode(mode Mode) *Filesystem {
	return &Filesystem{mode: mode}
}

func (w *Filesystem) Mode() Mode {
	return w.mode
}

func (w *Filesystem) Escalate() Workspace {
	return &Filesystem{mode: ModeEscalated}
}

func (w *Filesystem) Walk(basedir string, visit FileVisitor) error {
	if _, err := os.Stat(basedir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return filepath.WalkDir(basedir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk '%s': %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to stat '%s': %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return visit(path, info.ModTime().UnixMilli(), info.Size(), StatusNew)
	})
}

func (w *Filesystem) IsPresent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (w *Filesystem) ResourceStatus(path string, lastModified int64, length int64) ResourceStatus {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return StatusRemoved
	}
	if info.ModTime().UnixMilli() == lastModified && info.Size() == length {
		return StatusUnmodified
	}
	return StatusModified
}

func (w *Filesystem) NewOutputStream(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory for '%s': %w", path, err)
	}
	// write to a sibling temp file, the inode move on close makes the
	// replacement atomic
	temp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.temp")
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream for '%s': %w", path, err)
	}
	return &atomicFile{file: temp, target: path}, nil
}

func (w *Filesystem) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete '%s': %w", path, err)
	}
	return nil
}

type atomicFile struct {
	file   *os.File
	target string
	done   bool
	failed bool
}

func (a *atomicFile) Write(p []byte) (int, error) {
	n, err := a.file.Write(p)
	if err != nil {
		a.failed = true
	}
	return n, err
}

func (a *atomicFile) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	if err := a.file.Close(); err != nil {
		_ = os.Remove(a.file.Name())
		return fmt.Errorf("failed to close '%s': %w", a.file.Name(), err)
	}
	if a.failed {
		// a write failed, keep the previous content of the target
		_ = os.Remove(a.file.Name())
		return fmt.Errorf("failed to complete writing '%s': an earlier write failed", a.target)
	}
	if err := os.Rename(a.file.Name(), a.target); err != nil {
		_ = os.Remove(a.file.Name())
		return fmt.Errorf("failed to complete writing '%s': %w", a.target, err)
	}
	return nil
}
