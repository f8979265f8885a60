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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humanitec/incremental/state"
	"github.com/humanitec/incremental/workspace"
)

// listCreator writes one line per input through the output stream.
type listCreator struct {
	calls int
}

func (l *listCreator) Create(o *Output, inputs []AggregateInput) error {
	l.calls++
	w, err := o.NewOutputStream()
	if err != nil {
		return err
	}
	for _, input := range inputs {
		if _, err := io.WriteString(w, fmt.Sprintf("%s\n", input.RelPath())); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func (f *fixture) newAggregator(t *testing.T, configuration map[string]interface{}) *AggregatorBuildContext {
	t.Helper()
	a, err := NewAggregatorContext(f.ws, f.stateFile, configuration, quietLogger())
	require.NoError(t, err)
	return a
}

// runAggregation is one full aggregator build: declare the output, feed it
// the txt files under src, create if necessary, commit.
func runAggregation(t *testing.T, f *fixture, configuration map[string]interface{}, creator OutputCreator) bool {
	t.Helper()
	a := f.newAggregator(t, configuration)
	out, err := a.RegisterOutput(filepath.Join(f.out, "ab.bin"))
	require.NoError(t, err)
	require.NoError(t, a.AssociateInputs(out, f.src, []string{"**/*.txt"}, nil))
	created, err := a.CreateIfNecessary(out, creator)
	require.NoError(t, err)
	require.NoError(t, a.Commit(nil))
	return created
}

func TestAggregatorScenarios(t *testing.T) {
	cfg := map[string]interface{}{"v": "1"}
	f := newFixture(t)
	aPath := filepath.Join(f.src, "a.txt")
	bPath := filepath.Join(f.src, "b.txt")
	outPath := filepath.Join(f.out, "ab.bin")
	f.ws.put(aPath, 100, 3)
	f.ws.put(bPath, 200, 5)
	creator := &listCreator{}

	t.Run("first build creates the aggregate", func(t *testing.T) {
		assert.True(t, runAggregation(t, f, cfg, creator))
		assert.Equal(t, 1, creator.calls)
		assert.True(t, f.ws.IsPresent(outPath))

		persisted, ok, err := state.Load(f.stateFile)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, persisted.Resources, aPath)
		assert.Contains(t, persisted.Resources, bPath)
		assert.Contains(t, persisted.Resources, outPath)
		assert.Equal(t, map[string]bool{outPath: true}, persisted.Outputs)
		assert.Equal(t, []string{outPath}, persisted.ResourceOutputs[aPath])
		assert.Equal(t, []string{outPath}, persisted.ResourceOutputs[bPath])
	})

	t.Run("no-op rebuild leaves everything alone", func(t *testing.T) {
		a := f.newAggregator(t, cfg)
		assert.False(t, a.Escalated())
		out, err := a.RegisterOutput(outPath)
		require.NoError(t, err)
		require.NoError(t, a.AssociateInputs(out, f.src, []string{"**/*.txt"}, nil))
		assert.False(t, a.IsProcessingRequired())
		created, err := a.CreateIfNecessary(out, creator)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, creator.calls)
		require.NoError(t, a.Commit(nil))
		assert.True(t, f.ws.IsPresent(outPath))

		persisted, ok, err := state.Load(f.stateFile)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, persisted.Resources, outPath)
		assert.Equal(t, []string{outPath}, persisted.ResourceOutputs[aPath])
	})

	t.Run("modified input regenerates", func(t *testing.T) {
		f.ws.put(aPath, 150, 4)
		assert.True(t, runAggregation(t, f, cfg, creator))
		assert.Equal(t, 2, creator.calls)
	})

	t.Run("removed input regenerates", func(t *testing.T) {
		f.ws.remove(bPath)
		assert.True(t, runAggregation(t, f, cfg, creator))
		assert.Equal(t, 3, creator.calls)

		persisted, ok, err := state.Load(f.stateFile)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotContains(t, persisted.Resources, bPath)
		assert.NotContains(t, persisted.ResourceOutputs, bPath)
		assert.Equal(t, []string{outPath}, persisted.ResourceOutputs[aPath])
	})

	t.Run("added input regenerates", func(t *testing.T) {
		f.ws.put(bPath, 210, 6)
		assert.True(t, runAggregation(t, f, cfg, creator))
		assert.Equal(t, 4, creator.calls)
	})

	t.Run("configuration change escalates and regenerates", func(t *testing.T) {
		a := f.newAggregator(t, map[string]interface{}{"v": "2"})
		assert.True(t, a.Escalated())
		out, err := a.RegisterOutput(outPath)
		require.NoError(t, err)
		require.NoError(t, a.AssociateInputs(out, f.src, []string{"**/*.txt"}, nil))
		for _, id := range []string{aPath, bPath} {
			assert.Equal(t, workspace.StatusModified, a.ResourceStatusOf(id))
		}
		created, err := a.CreateIfNecessary(out, creator)
		require.NoError(t, err)
		assert.True(t, created)
		require.NoError(t, a.Commit(nil))
	})

	t.Run("orphan output is deleted", func(t *testing.T) {
		require.True(t, f.ws.IsPresent(outPath))
		a := f.newAggregator(t, map[string]interface{}{"v": "2"})
		require.NoError(t, a.Commit(nil))
		assert.False(t, f.ws.IsPresent(outPath))

		persisted, ok, err := state.Load(f.stateFile)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotContains(t, persisted.Resources, outPath)
		assert.NotContains(t, persisted.Outputs, outPath)
	})
}

func TestAggregatorInputProcessors(t *testing.T) {
	cfg := map[string]interface{}{"v": "1"}
	f := newFixture(t)
	aPath := filepath.Join(f.src, "a.txt")
	f.ws.put(aPath, 100, 3)

	a := f.newAggregator(t, cfg)
	out, err := a.RegisterOutput(filepath.Join(f.out, "index.txt"))
	require.NoError(t, err)
	var processed []string
	require.NoError(t, a.AssociateInputs(out, f.src, []string{"**/*.txt"}, nil, func(r *Resource) error {
		processed = append(processed, r.Path())
		_, err := r.SetAttribute("seen", true)
		return err
	}))
	assert.Equal(t, []string{aPath}, processed)
	created, err := a.CreateIfNecessary(out, &listCreator{})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, a.Commit(nil))

	t.Run("unmodified inputs skip the processors", func(t *testing.T) {
		a := f.newAggregator(t, cfg)
		out, err := a.RegisterOutput(filepath.Join(f.out, "index.txt"))
		require.NoError(t, err)
		called := false
		require.NoError(t, a.AssociateInputs(out, f.src, []string{"**/*.txt"}, nil, func(r *Resource) error {
			called = true
			return nil
		}))
		assert.False(t, called)
	})
}

func TestAggregatorInputViews(t *testing.T) {
	cfg := map[string]interface{}{"v": "1"}
	f := newFixture(t)
	aPath := filepath.Join(f.src, "sub", "a.txt")
	f.ws.put(aPath, 100, 3)

	a := f.newAggregator(t, cfg)
	out, err := a.RegisterOutput(filepath.Join(f.out, "index.txt"))
	require.NoError(t, err)
	require.NoError(t, a.AssociateInputs(out, f.src, []string{"**/*.txt"}, nil))
	var views []AggregateInput
	created, err := a.CreateIfNecessary(out, OutputCreatorFunc(func(o *Output, inputs []AggregateInput) error {
		views = inputs
		w, err := o.NewOutputStream()
		if err != nil {
			return err
		}
		return w.Close()
	}))
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, views, 1)
	assert.Equal(t, aPath, views[0].Path())
	assert.Equal(t, f.src, views[0].Basedir())
	assert.Equal(t, filepath.Join("sub", "a.txt"), views[0].RelPath())
}

func TestAggregatorValidation(t *testing.T) {
	cfg := map[string]interface{}{"v": "1"}
	f := newFixture(t)

	a := f.newAggregator(t, cfg)
	out, err := a.RegisterOutput(filepath.Join(f.out, "x.bin"))
	require.NoError(t, err)

	t.Run("nil creator", func(t *testing.T) {
		_, err := a.CreateIfNecessary(out, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("foreign output handle", func(t *testing.T) {
		other := f.newAggregator(t, cfg)
		err := other.AssociateInputs(out, f.src, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = other.CreateIfNecessary(out, &listCreator{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}
