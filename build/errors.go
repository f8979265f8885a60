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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument wraps caller mistakes: nil required arguments,
	// handles from a different context, unknown resources.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState wraps operations performed at the wrong point in the
	// context lifecycle, such as mutations after commit.
	ErrInvalidState = errors.New("invalid state")
	// ErrInconsistentResource is returned when an input is re-registered
	// with a holder that differs from the one already recorded this build.
	ErrInconsistentResource = errors.New("inconsistent resource")
)

// Error is the failure raised at commit when error-severity messages were
// recorded and no message sink is attached to report them instead.
type Error struct {
	// Summaries holds one formatted 'path:[line:col] text' entry per
	// error-severity message, in resource order.
	Summaries []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("build failed with %d error(s)\n%s", len(e.Summaries), strings.Join(e.Summaries, "\n"))
}
