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
	"fmt"
	"io"

	"github.com/humanitec/incremental/state"
	"github.com/humanitec/incremental/workspace"
)

// ResourceMetadata is a read handle onto a registered resource. It carries
// the context it was created by and the state snapshot (previous or current)
// it reads attributes from; every operation validates that back-reference on
// entry.
type ResourceMetadata struct {
	ctx      *Context
	id       string
	previous bool
}

// Path returns the resource id, which for files is the absolute
// canonicalized path.
func (m *ResourceMetadata) Path() string {
	return m.id
}

// Status classifies the resource relative to the previous build.
func (m *ResourceMetadata) Status() workspace.ResourceStatus {
	return m.ctx.ResourceStatusOf(m.id)
}

// Process marks the resource as processed by this build and returns the
// writable handle. Any attributes, messages or output associations already
// recorded for it in the current state are discarded, so the new state
// reflects only what this build produces.
func (m *ResourceMetadata) Process() (*Resource, error) {
	return m.ctx.processResource(m)
}

// Attribute decodes the attribute value stored in this handle's state
// snapshot into out, which must be a pointer. It returns false when the key
// is not set.
func (m *ResourceMetadata) Attribute(key string, out interface{}) (bool, error) {
	return m.ctx.resourceAttribute(m.previous, m.id, key, out)
}

// Resource is the write handle returned by processing a resource.
type Resource struct {
	ResourceMetadata
}

// SetAttribute stores an attribute on the resource in the current state and
// returns the value the same key held in the previous build's state, or nil.
func (r *Resource) SetAttribute(key string, value interface{}) (interface{}, error) {
	return r.ctx.setResourceAttribute(r.id, key, value)
}

// AddMessage attaches a diagnostic to the resource and logs it immediately.
// cause may be nil.
func (r *Resource) AddMessage(line int, column int, text string, severity state.Severity, cause error) error {
	return r.ctx.addMessage(r.id, line, column, text, severity, cause)
}

// AssociateOutput records that this resource produced the output.
func (r *Resource) AssociateOutput(o *Output) error {
	return r.ctx.Associate(r, o)
}

// CreateOutput declares the file as an output produced by this resource and
// returns its handle.
func (r *Resource) CreateOutput(path string) (*Output, error) {
	o, err := r.ctx.ProcessOutput(path)
	if err != nil {
		return nil, err
	}
	if err := r.ctx.Associate(r, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Output is the handle for a resource declared as produced by this build.
type Output struct {
	ctx *Context
	id  string
}

// Path returns the output's absolute canonicalized path.
func (o *Output) Path() string {
	return o.id
}

// NewOutputStream opens the stream that writes the output file. The
// output's recorded holder is refreshed when the stream closes, so the next
// build sees the file as unmodified until it changes again.
func (o *Output) NewOutputStream() (io.WriteCloser, error) {
	return o.ctx.NewOutputStream(o)
}

func (c *Context) assertOwnedMetadata(m *ResourceMetadata) error {
	if m == nil {
		return fmt.Errorf("%w: metadata is nil", ErrInvalidArgument)
	}
	if m.ctx != c {
		return fmt.Errorf("%w: metadata for '%s' belongs to a different build context", ErrInvalidArgument, m.id)
	}
	return nil
}

func (c *Context) assertOwnedOutput(o *Output) error {
	if o == nil {
		return fmt.Errorf("%w: output is nil", ErrInvalidArgument)
	}
	if o.ctx != c {
		return fmt.Errorf("%w: output '%s' belongs to a different build context", ErrInvalidArgument, o.id)
	}
	return nil
}
