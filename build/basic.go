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
	"log/slog"

	"github.com/humanitec/incremental/workspace"
)

// BasicBuildContext is the minimal context kind: callers register inputs
// one by one, ask whether anything changed, and declare outputs. Outputs of
// a basic build are presumed good once produced, so previous outputs are
// always carried over; callers typically rebuild everything or nothing.
type BasicBuildContext struct {
	ctx *Context
}

// NewBasicContext constructs a basic build context. stateFile may be empty
// to run without persisted state, which makes every build a full build.
func NewBasicContext(ws workspace.Workspace, stateFile string, configuration map[string]interface{}, log *slog.Logger) (*BasicBuildContext, error) {
	ctx, err := newContext(ws, stateFile, configuration, log)
	if err != nil {
		return nil, err
	}
	ctx.outputUptodate = func(string) bool { return true }
	ctx.carryOverOutput = func(string) bool { return true }
	return &BasicBuildContext{ctx: ctx}, nil
}

// RegisterInput registers a single file for status tracking.
func (b *BasicBuildContext) RegisterInput(path string) (*ResourceMetadata, error) {
	return b.ctx.RegisterInput(path)
}

// IsProcessingRequired reports whether any registered input changed since
// the previous build.
func (b *BasicBuildContext) IsProcessingRequired() bool {
	return b.ctx.IsProcessingRequired()
}

// ProcessOutput declares a single output produced by this build.
func (b *BasicBuildContext) ProcessOutput(path string) (*Output, error) {
	return b.ctx.ProcessOutput(path)
}

// MarkSkipExecution declares that this build will not run; see
// Context.MarkSkipExecution.
func (b *BasicBuildContext) MarkSkipExecution() error {
	return b.ctx.MarkSkipExecution()
}

// Commit reconciles and persists the build state; see Context.Commit.
func (b *BasicBuildContext) Commit(sink MessageSink) error {
	return b.ctx.Commit(sink)
}
