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

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// LineHandler is a minimal slog handler writing one "LEVEL: message" line
// per record, with any attributes appended in parentheses. The CLI installs
// it so output stays plain and diffable; hosts embedding the engine bring
// their own handler.
type LineHandler struct {
	Writer io.Writer
	Level  slog.Leveler

	attrs []slog.Attr
	mu    *sync.Mutex
}

// NewLineHandler returns a handler emitting records at or above level.
func NewLineHandler(w io.Writer, level slog.Leveler) *LineHandler {
	return &LineHandler{Writer: w, Level: level, mu: &sync.Mutex{}}
}

func (h *LineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.Level.Level()
}

func (h *LineHandler) Handle(ctx context.Context, record slog.Record) error {
	parts := make([]string, 0, len(h.attrs)+record.NumAttrs())
	for _, attr := range h.attrs {
		parts = append(parts, attr.String())
	}
	record.Attrs(func(attr slog.Attr) bool {
		parts = append(parts, attr.String())
		return true
	})
	suffix := ""
	if len(parts) > 0 {
		suffix = fmt.Sprintf(" (%s)", strings.Join(parts, ", "))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.Writer, "%s: %s%s\n", record.Level.String(), record.Message, suffix)
	return err
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	// groups are flattened
	return h
}

var _ slog.Handler = (*LineHandler)(nil)
