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
	"fmt"
	"io"
	"slices"

	"github.com/fatih/color"
	"github.com/samber/lo"

	"github.com/humanitec/incremental/build"
	"github.com/humanitec/incremental/state"
)

// consoleSink prints the build's diagnostics colour-coded by severity.
// Carried-over messages print alongside fresh ones so stale problems stay
// visible build after build.
type consoleSink struct {
	w io.Writer
}

func newConsoleSink(w io.Writer) *consoleSink {
	return &consoleSink{w: w}
}

func (s *consoleSink) Clear(id string) {
	// the terminal has no retained diagnostics to clear
}

func (s *consoleSink) Record(all map[string][]state.Message, fresh map[string][]state.Message) {
	ids := lo.Keys(all)
	slices.Sort(ids)
	for _, id := range ids {
		for _, m := range all[id] {
			paint := color.CyanString
			switch m.Severity {
			case state.SeverityError:
				paint = color.RedString
			case state.SeverityWarning:
				paint = color.YellowString
			}
			_, _ = fmt.Fprintf(s.w, "%s %s:%s\n", paint("%-7s", string(m.Severity)), id, m.String())
		}
	}
}

var _ build.MessageSink = (*consoleSink)(nil)
