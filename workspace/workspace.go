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

// Package workspace defines the I/O and change-detection collaborator
// consumed by build contexts, together with a filesystem reference
// implementation. A host that wants different change detection or remote
// storage supplies its own implementation of the Workspace interface.
package workspace

import "io"

// Mode describes how the workspace wants the build to treat its view of the
// world.
type Mode string

const (
	// ModeNormal means the workspace enumerates every file on a walk.
	ModeNormal Mode = "normal"
	// ModeDelta means a walk only visits files that changed since the last
	// build; the engine reconciles unchanged files from its previous state.
	ModeDelta Mode = "delta"
	// ModeSuppressed suppresses escalation even when the configuration
	// changed.
	ModeSuppressed Mode = "suppressed"
	// ModeEscalated forces every known resource to be treated as modified.
	ModeEscalated Mode = "escalated"
)

// ResourceStatus classifies a resource relative to the previous build.
type ResourceStatus string

const (
	StatusNew        ResourceStatus = "new"
	StatusModified   ResourceStatus = "modified"
	StatusUnmodified ResourceStatus = "unmodified"
	StatusRemoved    ResourceStatus = "removed"
)

// FileVisitor receives one file per call during a walk. lastModified is in
// epoch milliseconds. Returning an error aborts the walk.
type FileVisitor func(path string, lastModified int64, length int64, status ResourceStatus) error

// Workspace performs all file I/O and change detection on behalf of a build
// context. Implementations shared between concurrent contexts are
// responsible for their own thread safety.
type Workspace interface {
	// Mode reports how walks behave and whether escalation is forced or
	// suppressed.
	Mode() Mode
	// Escalate returns a workspace equivalent to this one but in escalated
	// mode. The receiver is not modified.
	Escalate() Workspace
	// Walk enumerates files under basedir. basedir may also name a single
	// file, in which case just that file is visited. A basedir that does
	// not exist visits nothing. In normal mode every visited file carries
	// StatusNew; in delta mode only changed files are visited, with their
	// change status.
	Walk(basedir string, visit FileVisitor) error
	// IsPresent reports whether path exists as a regular file.
	IsPresent(path string) bool
	// ResourceStatus classifies path against the remembered last-modified
	// time (epoch milliseconds) and length from a previous build.
	ResourceStatus(path string, lastModified int64, length int64) ResourceStatus
	// NewOutputStream opens a stream that replaces the file at path when
	// closed, creating parent directories as needed. The replacement is
	// atomic: a failed write leaves any previous content intact.
	NewOutputStream(path string) (io.WriteCloser, error)
	// Delete removes the file at path. Deleting an absent file is not an
	// error.
	Delete(path string) error
}
