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

import "github.com/humanitec/incremental/state"

// MessageSink receives the build's diagnostics at commit time. When a sink
// is attached, error-severity messages are reported through it instead of
// failing the commit.
type MessageSink interface {
	// Clear tells the host to forget diagnostics previously reported for
	// the resource; called once per resource processed this build.
	Clear(id string)
	// Record delivers every message known after carry-over, plus the subset
	// that was newly recorded this build.
	Record(all map[string][]state.Message, fresh map[string][]state.Message)
}
