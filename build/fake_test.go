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

package build

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/humanitec/incremental/workspace"
)

// fakeFile is the remembered shape of a file in the fake workspace.
type fakeFile struct {
	lastModified int64
	length       int64
}

// fakeWorkspace keeps an in-memory file view with caller-controlled
// timestamps, so change detection can be exercised deterministically. Output
// streams additionally write through to the real filesystem, which lets the
// persisted state survive between fake builds.
type fakeWorkspace struct {
	mode workspace.Mode
	// files maps path to its current shape; shared between a workspace and
	// its escalated copies.
	files map[string]*fakeFile
	// changed is the per-path report a delta walk gives out.
	changed map[string]workspace.ResourceStatus
	// streamOpens counts NewOutputStream calls per path.
	streamOpens map[string]int
	clock       *int64
}

var _ workspace.Workspace = (*fakeWorkspace)(nil)

func newFakeWorkspace() *fakeWorkspace {
	clock := int64(1000)
	return &fakeWorkspace{
		mode:        workspace.ModeNormal,
		files:       map[string]*fakeFile{},
		changed:     map[string]workspace.ResourceStatus{},
		streamOpens: map[string]int{},
		clock:       &clock,
	}
}

func (w *fakeWorkspace) put(path string, lastModified int64, length int64) {
	w.files[path] = &fakeFile{lastModified: lastModified, length: length}
}

func (w *fakeWorkspace) remove(path string) {
	delete(w.files, path)
}

func (w *fakeWorkspace) Mode() workspace.Mode {
	return w.mode
}

func (w *fakeWorkspace) Escalate() workspace.Workspace {
	out := *w
	out.mode = workspace.ModeEscalated
	return &out
}

func (w *fakeWorkspace) Walk(basedir string, visit workspace.FileVisitor) error {
	if f, ok := w.files[basedir]; ok {
		return visit(basedir, f.lastModified, f.length, workspace.StatusNew)
	}
	prefix := basedir + string(filepath.Separator)
	if w.mode == workspace.ModeDelta {
		for _, path := range sortedKeys(w.changed) {
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			var lastModified, length int64
			if f, ok := w.files[path]; ok {
				lastModified, length = f.lastModified, f.length
			}
			if err := visit(path, lastModified, length, w.changed[path]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, path := range sortedKeys(w.files) {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		f := w.files[path]
		if err := visit(path, f.lastModified, f.length, workspace.StatusNew); err != nil {
			return err
		}
	}
	return nil
}

func (w *fakeWorkspace) IsPresent(path string) bool {
	_, ok := w.files[path]
	return ok
}

func (w *fakeWorkspace) ResourceStatus(path string, lastModified int64, length int64) workspace.ResourceStatus {
	f, ok := w.files[path]
	if !ok {
		return workspace.StatusRemoved
	}
	if f.lastModified == lastModified && f.length == length {
		return workspace.StatusUnmodified
	}
	return workspace.StatusModified
}

func (w *fakeWorkspace) NewOutputStream(path string) (io.WriteCloser, error) {
	w.streamOpens[path]++
	return &fakeStream{ws: w, path: path}, nil
}

func (w *fakeWorkspace) Delete(path string) error {
	delete(w.files, path)
	_ = os.Remove(path)
	return nil
}

type fakeStream struct {
	bytes.Buffer
	ws   *fakeWorkspace
	path string
}

func (s *fakeStream) Close() error {
	*s.ws.clock++
	s.ws.files[s.path] = &fakeFile{lastModified: *s.ws.clock, length: int64(s.Len())}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, s.Bytes(), 0644)
}
