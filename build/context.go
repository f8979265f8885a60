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

// Package build implements the incremental build engine: contexts that
// track inputs and outputs across invocations, decide what must be
// re-processed, and carry forward metadata for everything that did not
// change. A context is owned by exactly one build execution and is not safe
// for concurrent use.
package build

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"

	"github.com/humanitec/incremental/matcher"
	"github.com/humanitec/incremental/state"
	"github.com/humanitec/incremental/workspace"
)

// Context is the engine shared by the concrete build context kinds. It owns
// the current state, the immutable previous state, and the workspace, and
// implements registration, processing, association and commit. The concrete
// kinds plug their carry-over policy in through the hook fields.
type Context struct {
	ws        workspace.Workspace
	stateFile string
	log       *slog.Logger

	state    *state.State
	oldState *state.State

	escalated bool
	skipped   bool
	closed    bool

	deletedResources   map[string]bool
	processedResources map[string]bool

	// outputUptodate decides whether a previous-build output that was not
	// re-declared this build is still good.
	outputUptodate func(id string) bool
	// carryOverOutput decides whether such an output is carried into the
	// new state at all; refusing it deletes the file.
	carryOverOutput func(id string) bool
	// assertAssociation may veto an input/output association.
	assertAssociation func(input string, output string) error
}

func newContext(ws workspace.Workspace, stateFile string, configuration map[string]interface{}, log *slog.Logger) (*Context, error) {
	if ws == nil {
		return nil, fmt.Errorf("%w: workspace is nil", ErrInvalidArgument)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for key, value := range configuration {
		if err := state.ValidateValue(value); err != nil {
			return nil, fmt.Errorf("%w: configuration key '%s': %s", ErrInvalidArgument, key, err)
		}
	}

	oldState := state.New(nil)
	if stateFile != "" {
		if loaded, ok, err := state.Load(stateFile); err != nil {
			log.Warn(fmt.Sprintf("Ignoring previous build state: %s", err))
		} else if ok {
			oldState = loaded
		}
	}

	c := &Context{
		ws:                 ws,
		stateFile:          stateFile,
		log:                log,
		state:              state.New(configuration),
		oldState:           oldState,
		deletedResources:   map[string]bool{},
		processedResources: map[string]bool{},
	}
	c.outputUptodate = c.defaultOutputUptodate
	c.carryOverOutput = func(string) bool { return true }

	changedKeys := configurationDiff(oldState.Configuration, configuration)
	switch ws.Mode() {
	case workspace.ModeEscalated:
		c.escalated = true
	case workspace.ModeSuppressed:
		c.escalated = false
	default:
		if len(changedKeys) > 0 {
			c.escalated = true
			c.ws = ws.Escalate()
		}
	}
	if len(changedKeys) > 0 {
		log.Debug(fmt.Sprintf("Build configuration changed, keys: %v", changedKeys))
	}
	return c, nil
}

// configurationDiff returns the sorted keys whose values differ between the
// two configurations. An empty previous configuration counts every key of
// the new one as changed, so a first build is always escalated.
func configurationDiff(previous map[string]interface{}, current map[string]interface{}) []string {
	keys := lo.Uniq(append(lo.Keys(previous), lo.Keys(current)...))
	if len(previous) == 0 {
		slices.Sort(keys)
		if len(keys) == 0 {
			// both maps empty still counts as a change when there is no
			// previous fingerprint at all
			return []string{"*"}
		}
		return keys
	}
	changed := lo.Filter(keys, func(key string, _ int) bool {
		previousValue, inPrevious := previous[key]
		currentValue, inCurrent := current[key]
		return inPrevious != inCurrent || !state.ValuesEqual(previousValue, currentValue)
	})
	slices.Sort(changed)
	return changed
}

// normalizePath turns a path into the absolute canonical resource id.
// Canonicalization falls back to the absolute path when symlink resolution
// fails.
func normalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is empty", ErrInvalidArgument)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot make '%s' absolute: %s", ErrInvalidArgument, path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

func (c *Context) mutable() error {
	if c.closed || c.skipped {
		return fmt.Errorf("%w: build context is closed", ErrInvalidState)
	}
	return nil
}

// Escalated reports whether every known resource is treated as modified
// this build.
func (c *Context) Escalated() bool {
	return c.escalated
}

// DeletedResources returns the ids reported removed by the workspace or
// deleted through this context so far, sorted.
func (c *Context) DeletedResources() []string {
	out := lo.Keys(c.deletedResources)
	slices.Sort(out)
	return out
}

// statThroughWalk stats a single file through the workspace walker.
func (c *Context) statThroughWalk(path string) (lastModified int64, length int64, present bool, err error) {
	err = c.ws.Walk(path, func(visited string, mtime int64, size int64, _ workspace.ResourceStatus) error {
		lastModified, length, present = mtime, size, true
		return nil
	})
	return
}

func (c *Context) registerHolder(id string, holder state.Holder, replace bool) error {
	if existing, ok := c.state.Resources[id]; ok && !existing.Equal(holder) {
		if !replace {
			return fmt.Errorf("%w: '%s' already registered with different metadata", ErrInconsistentResource, id)
		}
	}
	c.state.Resources[id] = holder
	return nil
}

// RegisterInputs walks the workspace under basedir and registers every file
// selected by the include and exclude globs. Files the walk no longer
// reports but that the previous build knew about are reconciled through the
// workspace's status check: still-present ones reappear with their
// remembered metadata, absent ones are recorded as deleted. Returns a
// handle per registered input, sorted by path.
func (c *Context) RegisterInputs(basedir string, includes []string, excludes []string) ([]*ResourceMetadata, error) {
	if err := c.mutable(); err != nil {
		return nil, err
	}
	base, err := normalizePath(basedir)
	if err != nil {
		return nil, err
	}
	m, err := matcher.New(base, includes, excludes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}

	registered := map[string]bool{}
	err = c.ws.Walk(base, func(path string, lastModified int64, length int64, status workspace.ResourceStatus) error {
		id, err := normalizePath(path)
		if err != nil {
			return err
		}
		if !m.Matches(id) {
			return nil
		}
		switch status {
		case workspace.StatusRemoved:
			c.deletedResources[id] = true
		case workspace.StatusNew, workspace.StatusModified:
			if err := c.registerHolder(id, state.FileHolder(id, lastModified, length), false); err != nil {
				return err
			}
			registered[id] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk inputs under '%s': %w", base, err)
	}

	// files known to the previous build that the walk did not report: in
	// delta mode the walk only visits changes, in normal mode a missing
	// visit means the file is gone. Either way the workspace's status
	// check settles it.
	for id, holder := range c.oldState.Resources {
		if holder.Kind != state.HolderKindFile || holder.File == nil {
			continue
		}
		if _, ok := c.state.Resources[id]; ok {
			continue
		}
		if c.deletedResources[id] || !m.Matches(id) {
			continue
		}
		switch c.ws.ResourceStatus(id, holder.File.LastModified, holder.File.Length) {
		case workspace.StatusRemoved:
			c.deletedResources[id] = true
		default:
			c.state.Resources[id] = holder
			registered[id] = true
		}
	}

	ids := lo.Keys(registered)
	slices.Sort(ids)
	return lo.Map(ids, func(id string, _ int) *ResourceMetadata {
		return &ResourceMetadata{ctx: c, id: id}
	}), nil
}

// RegisterInput registers a single file that must be present in the
// workspace.
func (c *Context) RegisterInput(path string) (*ResourceMetadata, error) {
	if err := c.mutable(); err != nil {
		return nil, err
	}
	id, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if !c.ws.IsPresent(id) {
		return nil, fmt.Errorf("%w: input '%s' is not present in the workspace", ErrInvalidArgument, id)
	}
	lastModified, length, present, err := c.statThroughWalk(id)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input '%s': %w", id, err)
	}
	if !present {
		return nil, fmt.Errorf("%w: input '%s' is not present in the workspace", ErrInvalidArgument, id)
	}
	if err := c.registerHolder(id, state.FileHolder(id, lastModified, length), false); err != nil {
		return nil, err
	}
	return &ResourceMetadata{ctx: c, id: id}, nil
}

// ResourceStatusOf classifies a resource id: deleted ones are removed, ones
// unknown to the previous build are new, under escalation everything else
// is modified, and otherwise the previous build's holder decides through
// the workspace.
func (c *Context) ResourceStatusOf(id string) workspace.ResourceStatus {
	if c.deletedResources[id] {
		return workspace.StatusRemoved
	}
	old, ok := c.oldState.Resources[id]
	if !ok {
		return workspace.StatusNew
	}
	if c.escalated {
		return workspace.StatusModified
	}
	if old.Kind == state.HolderKindFile && old.File != nil {
		return c.ws.ResourceStatus(old.File.Path, old.File.LastModified, old.File.Length)
	}
	// unknown holder variants cannot prove they are unchanged
	return workspace.StatusModified
}

func (c *Context) processResource(m *ResourceMetadata) (*Resource, error) {
	if err := c.assertOwnedMetadata(m); err != nil {
		return nil, err
	}
	if err := c.mutable(); err != nil {
		return nil, err
	}
	if _, ok := c.state.Resources[m.id]; !ok {
		return nil, fmt.Errorf("%w: resource '%s' is not registered with this build", ErrInvalidArgument, m.id)
	}
	c.processedResources[m.id] = true
	delete(c.state.ResourceAttributes, m.id)
	delete(c.state.ResourceMessages, m.id)
	delete(c.state.ResourceOutputs, m.id)
	return &Resource{ResourceMetadata{ctx: c, id: m.id}}, nil
}

// IsProcessingRequired reports whether anything at all changed since the
// previous build: escalation, a resource with a non-unmodified status, a
// removed resource, or a previous output that is no longer up to date.
func (c *Context) IsProcessingRequired() bool {
	if c.escalated || len(c.deletedResources) > 0 {
		return true
	}
	for id := range c.state.Resources {
		if c.ResourceStatusOf(id) != workspace.StatusUnmodified {
			return true
		}
	}
	for id := range c.oldState.Outputs {
		if !c.outputUptodate(id) {
			return true
		}
	}
	return false
}

func (c *Context) setResourceAttribute(id string, key string, value interface{}) (interface{}, error) {
	if err := c.mutable(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: attribute key is empty", ErrInvalidArgument)
	}
	if err := state.ValidateValue(value); err != nil {
		return nil, fmt.Errorf("%w: attribute '%s': %s", ErrInvalidArgument, key, err)
	}
	c.state.SetAttribute(id, key, value)
	previous, _ := c.oldState.Attribute(id, key)
	return previous, nil
}

func (c *Context) resourceAttribute(previous bool, id string, key string, out interface{}) (bool, error) {
	st := c.state
	if previous {
		st = c.oldState
	}
	value, ok := st.Attribute(id, key)
	if !ok {
		return false, nil
	}
	if err := mapstructure.Decode(value, out); err != nil {
		return false, fmt.Errorf("%w: attribute '%s' of '%s': %s", ErrInvalidArgument, key, id, err)
	}
	return true, nil
}

func (c *Context) addMessage(id string, line int, column int, text string, severity state.Severity, cause error) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: resource id is empty", ErrInvalidArgument)
	}
	switch severity {
	case state.SeverityError, state.SeverityWarning, state.SeverityInfo:
	default:
		return fmt.Errorf("%w: unknown message severity '%s'", ErrInvalidArgument, severity)
	}
	m := state.Message{Line: line, Column: column, Text: text, Severity: severity}
	if cause != nil {
		m.Cause = cause.Error()
	}
	c.state.AddMessage(id, m)
	c.logMessage(id, m)
	return nil
}

func (c *Context) logMessage(id string, m state.Message) {
	msg := fmt.Sprintf("%s:%s", id, m.String())
	switch m.Severity {
	case state.SeverityError:
		c.log.Error(msg)
	case state.SeverityWarning:
		c.log.Warn(msg)
	default:
		c.log.Info(msg)
	}
}

// ProcessOutput declares the file as an output of this build and returns
// its handle. Outputs may be re-declared, the holder is replaced.
func (c *Context) ProcessOutput(path string) (*Output, error) {
	if err := c.mutable(); err != nil {
		return nil, err
	}
	id, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	lastModified, length, _, err := c.statThroughWalk(id)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output '%s': %w", id, err)
	}
	if err := c.registerHolder(id, state.FileHolder(id, lastModified, length), true); err != nil {
		return nil, err
	}
	c.processedResources[id] = true
	c.state.Outputs[id] = true
	return &Output{ctx: c, id: id}, nil
}

// NewOutputStream opens the write stream for an output through the
// workspace and refreshes the output's holder once the stream is closed.
func (c *Context) NewOutputStream(o *Output) (io.WriteCloser, error) {
	if err := c.assertOwnedOutput(o); err != nil {
		return nil, err
	}
	if err := c.mutable(); err != nil {
		return nil, err
	}
	w, err := c.ws.NewOutputStream(o.id)
	if err != nil {
		return nil, err
	}
	return &outputStream{WriteCloser: w, ctx: c, id: o.id}, nil
}

type outputStream struct {
	io.WriteCloser
	ctx *Context
	id  string
}

func (s *outputStream) Close() error {
	if err := s.WriteCloser.Close(); err != nil {
		return err
	}
	if lastModified, length, present, err := s.ctx.statThroughWalk(s.id); err == nil && present {
		s.ctx.state.Resources[s.id] = state.FileHolder(s.id, lastModified, length)
	}
	return nil
}

// Associate records that the input resource produced the output. Both
// handles must belong to this context.
func (c *Context) Associate(r *Resource, o *Output) error {
	if err := c.assertOwnedMetadata(&r.ResourceMetadata); err != nil {
		return err
	}
	if err := c.assertOwnedOutput(o); err != nil {
		return err
	}
	if err := c.mutable(); err != nil {
		return err
	}
	if c.assertAssociation != nil {
		if err := c.assertAssociation(r.id, o.id); err != nil {
			return err
		}
	}
	c.state.AssociateOutput(r.id, o.id)
	return nil
}

// AssociatedOutputs returns handles for the outputs recorded against the
// resource in either the previous or the current state.
func (c *Context) AssociatedOutputs(previous bool, id string) []*ResourceMetadata {
	st := c.state
	if previous {
		st = c.oldState
	}
	return lo.Map(st.AssociatedOutputs(id), func(output string, _ int) *ResourceMetadata {
		return &ResourceMetadata{ctx: c, id: output, previous: previous}
	})
}

// DeleteOutput deletes an output file known to either build and forgets it
// in the current state.
func (c *Context) DeleteOutput(path string) error {
	if err := c.mutable(); err != nil {
		return err
	}
	id, err := normalizePath(path)
	if err != nil {
		return err
	}
	return c.deleteOutputLocked(id)
}

func (c *Context) deleteOutputLocked(id string) error {
	if !c.oldState.Outputs[id] && !c.state.Outputs[id] {
		return fmt.Errorf("%w: '%s' is not a known output", ErrInvalidArgument, id)
	}
	if err := c.ws.Delete(id); err != nil {
		return err
	}
	c.deletedResources[id] = true
	c.processedResources[id] = true
	c.state.RemoveResource(id)
	return nil
}

// MarkSkipExecution declares that this build will not process anything.
// Commit then carries over the previous state verbatim. It is an error to
// skip once processing has happened.
func (c *Context) MarkSkipExecution() error {
	if c.closed {
		return fmt.Errorf("%w: build context is closed", ErrInvalidState)
	}
	if len(c.processedResources) > 0 {
		return fmt.Errorf("%w: cannot skip execution, %d resource(s) already processed", ErrInvalidState, len(c.processedResources))
	}
	c.skipped = true
	return nil
}

func (c *Context) defaultOutputUptodate(id string) bool {
	holder, ok := c.oldState.Resources[id]
	if !ok || holder.Kind != state.HolderKindFile || holder.File == nil {
		return false
	}
	return c.ws.ResourceStatus(holder.File.Path, holder.File.LastModified, holder.File.Length) == workspace.StatusUnmodified
}
