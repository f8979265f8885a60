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
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/samber/lo"

	"github.com/humanitec/incremental/workspace"
)

// AggregatorBuildContext folds many inputs into one output under a uniform
// "create only if necessary" contract. An aggregate that is not re-asserted
// during a build has no reason to remain, so unlike the base context it
// never carries over outputs: they are either marked up to date explicitly
// or deleted at commit.
type AggregatorBuildContext struct {
	*Context

	// inputBasedir remembers the base directory each input was registered
	// under, to build relative views for creators.
	inputBasedir map[string]string
	// outputInputs collects the inputs declared to feed each output during
	// this build.
	outputInputs map[string][]string
}

// NewAggregatorContext constructs an aggregator build context.
func NewAggregatorContext(ws workspace.Workspace, stateFile string, configuration map[string]interface{}, log *slog.Logger) (*AggregatorBuildContext, error) {
	ctx, err := newContext(ws, stateFile, configuration, log)
	if err != nil {
		return nil, err
	}
	a := &AggregatorBuildContext{
		Context:      ctx,
		inputBasedir: map[string]string{},
		outputInputs: map[string][]string{},
	}
	// outputs not recreated this build are deleted at commit; the ones
	// marked up to date already sit in the current state and never reach
	// the carry-over decision
	ctx.carryOverOutput = func(string) bool { return false }
	// any input/output association is acceptable to an aggregator
	ctx.assertAssociation = nil
	return a, nil
}

// AggregateOutput is the handle for an output that aggregates a set of
// inputs.
type AggregateOutput struct {
	actx *AggregatorBuildContext
	id   string
}

// Path returns the output's absolute canonicalized path.
func (o *AggregateOutput) Path() string {
	return o.id
}

// AggregateInput is the read view handed to output creators: an input bound
// to the base directory it was registered under.
type AggregateInput struct {
	path    string
	basedir string
}

// Path returns the input's absolute path.
func (in AggregateInput) Path() string {
	return in.path
}

// Basedir returns the base directory the input was registered under.
func (in AggregateInput) Basedir() string {
	return in.basedir
}

// RelPath returns the input's path relative to its base directory ('..'
// elements included when it does not sit under it), or the absolute path
// when no relative path can be computed.
func (in AggregateInput) RelPath() string {
	if rel, err := filepath.Rel(in.basedir, in.path); err == nil {
		return rel
	}
	return in.path
}

// InputProcessor runs against each changed input while it is being
// associated, typically to attach attributes or diagnostics.
type InputProcessor func(r *Resource) error

// OutputCreator generates the aggregate output file from its input views.
type OutputCreator interface {
	Create(o *Output, inputs []AggregateInput) error
}

// OutputCreatorFunc adapts a function to the OutputCreator interface.
type OutputCreatorFunc func(o *Output, inputs []AggregateInput) error

func (f OutputCreatorFunc) Create(o *Output, inputs []AggregateInput) error {
	return f(o, inputs)
}

// RegisterOutput declares an aggregate output. Inputs are attached
// separately through AssociateInputs.
func (a *AggregatorBuildContext) RegisterOutput(path string) (*AggregateOutput, error) {
	if err := a.mutable(); err != nil {
		return nil, err
	}
	id, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	a.state.Outputs[id] = true
	if _, ok := a.outputInputs[id]; !ok {
		a.outputInputs[id] = nil
	}
	return &AggregateOutput{actx: a, id: id}, nil
}

func (a *AggregatorBuildContext) assertOwnedAggregate(o *AggregateOutput) error {
	if o == nil {
		return fmt.Errorf("%w: output is nil", ErrInvalidArgument)
	}
	if o.actx != a {
		return fmt.Errorf("%w: output '%s' belongs to a different build context", ErrInvalidArgument, o.id)
	}
	return nil
}

// AssociateInputs registers the files selected by the globs under basedir
// and declares them as feeding the output. Inputs whose status is not
// unmodified are processed immediately and run through the given processors
// in order.
func (a *AggregatorBuildContext) AssociateInputs(o *AggregateOutput, basedir string, includes []string, excludes []string, processors ...InputProcessor) error {
	if err := a.assertOwnedAggregate(o); err != nil {
		return err
	}
	base, err := normalizePath(basedir)
	if err != nil {
		return err
	}
	inputs, err := a.RegisterInputs(base, includes, excludes)
	if err != nil {
		return err
	}
	for _, input := range inputs {
		if input.Status() != workspace.StatusUnmodified {
			r, err := input.Process()
			if err != nil {
				return err
			}
			for _, processor := range processors {
				if err := processor(r); err != nil {
					return fmt.Errorf("input processor failed on '%s': %w", r.Path(), err)
				}
			}
		}
		a.inputBasedir[input.id] = base
		if !slices.Contains(a.outputInputs[o.id], input.id) {
			a.outputInputs[o.id] = append(a.outputInputs[o.id], input.id)
		}
	}
	return nil
}

// CreateIfNecessary regenerates the output through the creator when the
// output itself changed, any declared input changed, or the declared input
// set differs from the previous build's. It returns true iff the output was
// (re)generated; otherwise the output is marked up to date so commit
// preserves it.
func (a *AggregatorBuildContext) CreateIfNecessary(o *AggregateOutput, creator OutputCreator) (bool, error) {
	if err := a.assertOwnedAggregate(o); err != nil {
		return false, err
	}
	if err := a.mutable(); err != nil {
		return false, err
	}
	if creator == nil {
		return false, fmt.Errorf("%w: creator is nil", ErrInvalidArgument)
	}

	inputs := slices.Clone(a.outputInputs[o.id])
	slices.Sort(inputs)

	if !a.aggregateStale(o.id, inputs) {
		// holder reappears in the current state, so commit carries the
		// output and its metadata like any other untouched resource
		if holder, ok := a.oldState.Resources[o.id]; ok {
			a.state.Resources[o.id] = holder
		}
		a.log.Debug(fmt.Sprintf("Aggregate '%s' is up to date", o.id))
		return false, nil
	}

	out, err := a.ProcessOutput(o.id)
	if err != nil {
		return false, err
	}
	views := make([]AggregateInput, 0, len(inputs))
	for _, input := range inputs {
		if !a.processedResources[input] {
			if _, err := a.processResource(&ResourceMetadata{ctx: a.Context, id: input}); err != nil {
				return false, err
			}
		}
		a.state.AssociateOutput(input, o.id)
		views = append(views, AggregateInput{path: input, basedir: a.inputBasedir[input]})
	}
	if err := creator.Create(out, views); err != nil {
		return false, fmt.Errorf("failed to create aggregate '%s': %w", o.id, err)
	}
	a.log.Debug(fmt.Sprintf("Aggregate '%s' regenerated from %d input(s)", o.id, len(inputs)))
	return true, nil
}

// aggregateStale decides whether the aggregate must be regenerated: its own
// status, any declared input's status, or a change in the declared input
// membership relative to the previous build all count.
func (a *AggregatorBuildContext) aggregateStale(output string, inputs []string) bool {
	if a.ResourceStatusOf(output) != workspace.StatusUnmodified {
		return true
	}
	for _, input := range inputs {
		if a.ResourceStatusOf(input) != workspace.StatusUnmodified {
			return true
		}
	}
	previousInputs := lo.Filter(lo.Keys(a.oldState.ResourceOutputs), func(input string, _ int) bool {
		return slices.Contains(a.oldState.ResourceOutputs[input], output)
	})
	slices.Sort(previousInputs)
	return !slices.Equal(previousInputs, inputs)
}
