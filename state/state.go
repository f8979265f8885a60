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

package state

import (
	"fmt"
	"maps"
	"slices"
)

// Severity of a diagnostic message attached to a resource.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Message is a diagnostic recorded against a resource. Messages stay in the
// state until the resource they were recorded against is processed again, so
// they can be replayed on builds that skip the resource.
type Message struct {
	Line     int      `yaml:"line"`
	Column   int      `yaml:"column"`
	Text     string   `yaml:"text"`
	Severity Severity `yaml:"severity"`
	// Cause is the rendered error that produced the message, if any.
	Cause string `yaml:"cause,omitempty"`
}

// String renders the message in the path-less form used by build summaries,
// prefix it with the resource id to get a location.
func (m Message) String() string {
	return fmt.Sprintf("[%d:%d] %s", m.Line, m.Column, m.Text)
}

// HolderKind tags the concrete variant stored in a Holder. New holder
// variants extend this tag.
type HolderKind string

const HolderKindFile HolderKind = "file"

// FileState remembers the last observed shape of a file. Timestamps are
// epoch milliseconds so that equality and serialization are exact.
type FileState struct {
	Path         string `yaml:"path"`
	LastModified int64  `yaml:"last_modified"`
	Length       int64  `yaml:"length"`
}

// Holder records the information needed to decide whether a resource has
// changed since the build that recorded it.
type Holder struct {
	Kind HolderKind `yaml:"kind"`
	File *FileState `yaml:"file,omitempty"`
}

// FileHolder builds the holder for a tracked file.
func FileHolder(path string, lastModified int64, length int64) Holder {
	return Holder{Kind: HolderKindFile, File: &FileState{Path: path, LastModified: lastModified, Length: length}}
}

// Equal returns true when both holders are of the same variant and all of
// the variant's fields match.
func (h Holder) Equal(other Holder) bool {
	if h.Kind != other.Kind {
		return false
	}
	switch h.Kind {
	case HolderKindFile:
		return h.File != nil && other.File != nil && *h.File == *other.File
	}
	return false
}

// State is the snapshot that survives between builds. Both the previous and
// the current build share this shape: the previous state is decoded once and
// never mutated, the current state starts empty apart from the configuration
// fingerprint and is mutated only through build context operations.
type State struct {
	// Configuration is the build's identity fingerprint. Any difference
	// between two builds' configurations escalates the second one.
	Configuration map[string]interface{} `yaml:"configuration"`
	// Resources maps each tracked resource id to its holder.
	Resources map[string]Holder `yaml:"resources"`
	// Outputs is the set of resource ids declared as build outputs.
	Outputs map[string]bool `yaml:"outputs,omitempty"`
	// ResourceAttributes carries arbitrary key/value attributes per resource.
	ResourceAttributes map[string]map[string]interface{} `yaml:"resource_attributes,omitempty"`
	// ResourceMessages carries the ordered diagnostics per resource.
	ResourceMessages map[string][]Message `yaml:"resource_messages,omitempty"`
	// ResourceOutputs records which outputs each input produced.
	ResourceOutputs map[string][]string `yaml:"resource_outputs,omitempty"`
}

// New returns an empty state carrying the given configuration fingerprint.
func New(configuration map[string]interface{}) *State {
	return &State{
		Configuration:      maps.Clone(configuration),
		Resources:          map[string]Holder{},
		Outputs:            map[string]bool{},
		ResourceAttributes: map[string]map[string]interface{}{},
		ResourceMessages:   map[string][]Message{},
		ResourceOutputs:    map[string][]string{},
	}
}

// normalize ensures all maps are non-nil after a yaml decode built the struct
// with missing sections.
func (s *State) normalize() {
	if s.Configuration == nil {
		s.Configuration = map[string]interface{}{}
	}
	if s.Resources == nil {
		s.Resources = map[string]Holder{}
	}
	if s.Outputs == nil {
		s.Outputs = map[string]bool{}
	}
	if s.ResourceAttributes == nil {
		s.ResourceAttributes = map[string]map[string]interface{}{}
	}
	if s.ResourceMessages == nil {
		s.ResourceMessages = map[string][]Message{}
	}
	if s.ResourceOutputs == nil {
		s.ResourceOutputs = map[string][]string{}
	}
}

// SetAttribute stores an attribute value for the resource. The value must
// already be validated against the value grammar.
func (s *State) SetAttribute(id string, key string, value interface{}) {
	attrs, ok := s.ResourceAttributes[id]
	if !ok {
		attrs = map[string]interface{}{}
		s.ResourceAttributes[id] = attrs
	}
	attrs[key] = value
}

// Attribute returns the stored attribute value for the resource, if any.
func (s *State) Attribute(id string, key string) (interface{}, bool) {
	attrs, ok := s.ResourceAttributes[id]
	if !ok {
		return nil, false
	}
	v, ok := attrs[key]
	return v, ok
}

// AddMessage appends a diagnostic to the resource's ordered message list.
func (s *State) AddMessage(id string, m Message) {
	s.ResourceMessages[id] = append(s.ResourceMessages[id], m)
}

// AssociateOutput records that the input produced the output. The edge set
// per input is ordered and duplicate-free.
func (s *State) AssociateOutput(input string, output string) {
	existing := s.ResourceOutputs[input]
	if slices.Contains(existing, output) {
		return
	}
	s.ResourceOutputs[input] = append(existing, output)
}

// AssociatedOutputs returns the outputs recorded against the input.
func (s *State) AssociatedOutputs(input string) []string {
	return slices.Clone(s.ResourceOutputs[input])
}

// RemoveResource drops the resource and everything recorded against it,
// including its membership in other resources' output sets.
func (s *State) RemoveResource(id string) {
	delete(s.Resources, id)
	delete(s.Outputs, id)
	delete(s.ResourceAttributes, id)
	delete(s.ResourceMessages, id)
	delete(s.ResourceOutputs, id)
	for input, outputs := range s.ResourceOutputs {
		if i := slices.Index(outputs, id); i >= 0 {
			outputs = slices.Delete(outputs, i, i+1)
			if len(outputs) == 0 {
				delete(s.ResourceOutputs, input)
			} else {
				s.ResourceOutputs[input] = outputs
			}
		}
	}
}
