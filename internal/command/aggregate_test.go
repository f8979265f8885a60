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

package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humanitec/incremental/state"
)

type aggregateSandbox struct {
	dir       string
	stateFile string
	src       string
	output    string
}

func newAggregateSandbox(t *testing.T) *aggregateSandbox {
	t.Helper()
	dir := t.TempDir()
	return &aggregateSandbox{
		dir:       dir,
		stateFile: filepath.Join(dir, ".incremental", "state.yaml"),
		src:       filepath.Join(dir, "src"),
		output:    filepath.Join(dir, "out", "all.txt"),
	}
}

func (s *aggregateSandbox) write(t *testing.T, name string, content string) {
	t.Helper()
	path := filepath.Join(s.src, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (s *aggregateSandbox) run(t *testing.T, extra ...string) (string, string, error) {
	t.Helper()
	args := append([]string{
		"aggregate",
		"--state-file", s.stateFile,
		"--basedir", s.src,
		"--include", "**/*.txt",
		"--output", s.output,
	}, extra...)
	return executeAndResetCommand(context.Background(), rootCmd, args)
}

func TestAggregateFlow(t *testing.T) {
	s := newAggregateSandbox(t)
	s.write(t, "a.txt", "alpha\n")
	s.write(t, "b.txt", "beta\n")

	t.Run("first run regenerates", func(t *testing.T) {
		stdout, _, err := s.run(t, "--label", "team=docs")
		require.NoError(t, err)
		assert.Contains(t, stdout, "regenerated")

		content, err := os.ReadFile(s.output)
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbeta\n", string(content))

		persisted, ok, err := state.Load(s.stateFile)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, persisted.Resources, 3)
		found := false
		for id, attrs := range persisted.ResourceAttributes {
			if filepath.Base(id) == "a.txt" {
				assert.Equal(t, "docs", attrs["team"])
				found = true
			}
		}
		assert.True(t, found, "label attribute missing from state")
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		stdout, _, err := s.run(t, "--label", "team=docs")
		require.NoError(t, err)
		assert.Contains(t, stdout, "is up to date")
	})

	t.Run("a modified input regenerates", func(t *testing.T) {
		s.write(t, "b.txt", "betabeta\n")
		stdout, _, err := s.run(t, "--label", "team=docs")
		require.NoError(t, err)
		assert.Contains(t, stdout, "regenerated")
		content, err := os.ReadFile(s.output)
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbetabeta\n", string(content))
	})

	t.Run("a configuration override escalates", func(t *testing.T) {
		stdout, _, err := s.run(t, "--label", "team=docs", "--set", "flavor=v2")
		require.NoError(t, err)
		assert.Contains(t, stdout, "regenerated")

		persisted, ok, err := state.Load(s.stateFile)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v2", persisted.Configuration["flavor"])
	})

	t.Run("a removed input regenerates", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(s.src, "a.txt")))
		stdout, _, err := s.run(t, "--label", "team=docs", "--set", "flavor=v2")
		require.NoError(t, err)
		assert.Contains(t, stdout, "regenerated")
		content, err := os.ReadFile(s.output)
		require.NoError(t, err)
		assert.Equal(t, "betabeta\n", string(content))
	})
}

func TestAggregateCustomTemplate(t *testing.T) {
	s := newAggregateSandbox(t)
	s.write(t, "a.txt", "alpha\n")
	templatePath := filepath.Join(s.dir, "index.tmpl")
	require.NoError(t, os.WriteFile(templatePath, []byte(`{{ range .Inputs }}{{ .RelPath }}: {{ .Content | trim | upper }}
{{ end }}`), 0644))

	stdout, _, err := s.run(t, "--template", templatePath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "regenerated")
	content, err := os.ReadFile(s.output)
	require.NoError(t, err)
	assert.Equal(t, "a.txt: ALPHA\n", string(content))
}

func TestBuildConfiguration(t *testing.T) {
	t.Run("set override parses scalars", func(t *testing.T) {
		cmd := aggregateCmd
		require.NoError(t, cmd.Flags().Set(aggregateCmdSetFlag, "flavor=v2"))
		require.NoError(t, cmd.Flags().Set(aggregateCmdSetFlag, "retries=3"))
		require.NoError(t, cmd.Flags().Set(aggregateCmdSetFlag, "strict=true"))
		defer func() {
			f := cmd.Flags().Lookup(aggregateCmdSetFlag)
			_ = f.Value.(pflag.SliceValue).Replace(nil)
		}()

		cfg, err := buildConfiguration(cmd, []string{"**"}, nil, "/p/out", "")
		require.NoError(t, err)
		assert.Equal(t, "v2", cfg["flavor"])
		assert.Equal(t, 3, cfg["retries"])
		assert.Equal(t, true, cfg["strict"])
		assert.Equal(t, "/p/out", cfg["output"])
		assert.Equal(t, "builtin", cfg["template"])
	})
}
