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

// Package matcher selects files under a base directory by include and
// exclude glob patterns. It is pure path logic and performs no I/O.
package matcher

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileMatcher decides whether an absolute path is selected by a set of
// include and exclude globs evaluated relative to a base directory.
// Patterns support '**', '*' and '?'. A file matches iff the include set is
// empty or any include matches, and no exclude matches.
type FileMatcher struct {
	basedir  string
	includes []string
	excludes []string
	foldCase bool
}

// New compiles the include and exclude patterns for the given base
// directory. Invalid patterns are rejected here rather than silently never
// matching. Matching is case-insensitive on filesystems that are.
func New(basedir string, includes []string, excludes []string) (*FileMatcher, error) {
	m := &FileMatcher{
		basedir:  filepath.Clean(basedir),
		foldCase: runtime.GOOS == "windows" || runtime.GOOS == "darwin",
	}
	var err error
	if m.includes, err = m.compile(includes); err != nil {
		return nil, err
	}
	if m.excludes, err = m.compile(excludes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *FileMatcher) compile(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		p := filepath.ToSlash(pattern)
		if m.foldCase {
			p = strings.ToLower(p)
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern '%s'", pattern)
		}
		out = append(out, p)
	}
	return out, nil
}

// Matches reports whether the absolute path is under the base directory and
// selected by the pattern sets.
func (m *FileMatcher) Matches(path string) bool {
	rel, err := filepath.Rel(m.basedir, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	rel = filepath.ToSlash(rel)
	if m.foldCase {
		rel = strings.ToLower(rel)
	}
	if len(m.includes) > 0 {
		included := false
		for _, pattern := range m.includes {
			if doublestar.MatchUnvalidated(pattern, rel) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, pattern := range m.excludes {
		if doublestar.MatchUnvalidated(pattern, rel) {
			return false
		}
	}
	return true
}

// Basedir returns the cleaned base directory the matcher evaluates against.
func (m *FileMatcher) Basedir() string {
	return m.basedir
}
