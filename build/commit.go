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
	"fmt"
	"maps"
	"slices"

	"github.com/samber/lo"

	"github.com/humanitec/incremental/state"
)

// Commit reconciles the current state against the previous one, persists
// it, and reports the build's diagnostics. Resources neither processed nor
// deleted this build are carried over together with their attributes,
// messages and associations; previous outputs that are stale or refused by
// the context kind are deleted from disk. Carried-over messages are
// replayed through the logger so stale diagnostics stay visible.
//
// With no sink attached, recorded error-severity messages fail the commit
// after carry-over and persistence have completed, so the next build still
// sees this build's state. A second commit on a closed context is a no-op.
func (c *Context) Commit(sink MessageSink) error {
	if c.closed {
		return nil
	}
	c.closed = true

	// messages recorded by this build, snapshotted before carry-over mixes
	// the previous build's messages back in
	fresh := make(map[string][]state.Message, len(c.state.ResourceMessages))
	for id, messages := range c.state.ResourceMessages {
		fresh[id] = slices.Clone(messages)
	}

	if c.skipped {
		c.carryOverEverything()
	} else {
		if err := c.reconcile(); err != nil {
			return err
		}
	}

	if c.stateFile != "" {
		if err := c.persistState(); err != nil {
			return err
		}
	}

	// replay diagnostics that only survived through carry-over
	for _, id := range sortedKeys(c.state.ResourceMessages) {
		if _, ok := fresh[id]; ok {
			continue
		}
		for _, m := range c.state.ResourceMessages[id] {
			c.logMessage(id, m)
		}
	}

	if sink != nil {
		for _, id := range sortedKeys(c.processedResources) {
			sink.Clear(id)
		}
		all := make(map[string][]state.Message, len(c.state.ResourceMessages))
		for id, messages := range c.state.ResourceMessages {
			all[id] = slices.Clone(messages)
		}
		sink.Record(all, fresh)
		return nil
	}

	var summaries []string
	for _, id := range sortedKeys(c.state.ResourceMessages) {
		for _, m := range c.state.ResourceMessages[id] {
			if m.Severity == state.SeverityError {
				summaries = append(summaries, fmt.Sprintf("%s:%s", id, m.String()))
			}
		}
	}
	if len(summaries) > 0 {
		return &Error{Summaries: summaries}
	}
	return nil
}

func (c *Context) reconcile() error {
	for _, id := range sortedKeys(c.oldState.Resources) {
		if c.processedResources[id] || c.deletedResources[id] {
			continue
		}
		if _, ok := c.state.Resources[id]; !ok {
			if !c.oldState.Outputs[id] {
				// an old input that was not re-registered is gone from
				// this build's view
				continue
			}
			if !c.outputUptodate(id) || !c.carryOverOutput(id) {
				if err := c.deleteOutputLocked(id); err != nil {
					return fmt.Errorf("failed to delete stale output '%s': %w", id, err)
				}
				continue
			}
			c.state.Resources[id] = c.oldState.Resources[id]
			c.state.Outputs[id] = true
		}
		c.carryOverMetadata(id)
	}
	return nil
}

func (c *Context) carryOverMetadata(id string) {
	if messages := c.oldState.ResourceMessages[id]; len(messages) > 0 {
		c.state.ResourceMessages[id] = slices.Clone(messages)
	}
	if attrs := c.oldState.ResourceAttributes[id]; len(attrs) > 0 {
		c.state.ResourceAttributes[id] = maps.Clone(attrs)
	}
	if outputs := c.oldState.ResourceOutputs[id]; len(outputs) > 0 {
		c.state.ResourceOutputs[id] = slices.Clone(outputs)
	}
}

func (c *Context) carryOverEverything() {
	c.state.Resources = maps.Clone(c.oldState.Resources)
	c.state.Outputs = maps.Clone(c.oldState.Outputs)
	c.state.ResourceMessages = maps.Clone(c.oldState.ResourceMessages)
	c.state.ResourceAttributes = maps.Clone(c.oldState.ResourceAttributes)
	c.state.ResourceOutputs = maps.Clone(c.oldState.ResourceOutputs)
}

// persistState writes the current state through the workspace's atomic
// output stream. The state is serialized before the stream is opened, so a
// serialization failure never touches the previous state file, and the
// stream is released on every exit path.
func (c *Context) persistState() error {
	var content bytes.Buffer
	if err := c.state.Persist(&content); err != nil {
		return fmt.Errorf("failed to persist state to '%s': %w", c.stateFile, err)
	}
	w, err := c.ws.NewOutputStream(c.stateFile)
	if err != nil {
		return fmt.Errorf("failed to open state file '%s': %w", c.stateFile, err)
	}
	if _, err := w.Write(content.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to persist state to '%s': %w", c.stateFile, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to persist state to '%s': %w", c.stateFile, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
