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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a previously persisted state file. A missing file returns
// (nil, false, nil). A file that exists but cannot be read or decoded also
// yields no state, with the reason in the error, so callers can fall back to
// a full build instead of failing.
func Load(path string) (*State, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state file couldn't be read: %w", err)
	}
	out, err := Decode(bytes.NewReader(content))
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Decode reads a state record from the reader. Unknown fields are rejected
// so that a state file written by a newer incompatible version reads as
// undecodable rather than as a silently truncated record.
func Decode(r io.Reader) (*State, error) {
	var out State
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("state file couldn't be decoded: %w", err)
	}
	out.normalize()
	return &out, nil
}

// Persist writes the state record to the writer. Output ids with no
// recorded holder are pruned so that the persisted outputs set is always a
// subset of the persisted resources.
func (s *State) Persist(w io.Writer) error {
	snapshot := *s
	snapshot.Outputs = map[string]bool{}
	for id := range s.Outputs {
		if _, ok := s.Resources[id]; ok {
			snapshot.Outputs[id] = true
		}
	}
	if len(snapshot.Outputs) == 0 {
		snapshot.Outputs = nil
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&snapshot); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return enc.Close()
}
