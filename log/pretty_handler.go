// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package log

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type (
	// PrettyHandler is a slog.Handler writing one colored line per
	// record, meant for a terminal during development.
	PrettyHandler struct {
		prefix string
		attrs  []slog.Attr
		level  slog.Leveler

		mu  *sync.Mutex
		out io.Writer
	}
)

var (
	_ slog.Handler = (*PrettyHandler)(nil)

	levelColors = map[slog.Level]*color.Color{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold),
		slog.LevelError: color.New(color.FgRed, color.Bold),
	}

	faint     = color.New(color.Faint)
	faintBold = color.New(color.Faint, color.Bold)
	message   = color.New(color.FgHiWhite)
	value     = color.New(color.FgWhite)
	errorKey  = color.New(color.FgRed)

	bufPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}
)

// NewPrettyHandler returns a handler writing to out. Records below
// opts.Level are dropped; a nil opts or level means info.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}

	return &PrettyHandler{
		level: level,
		mu:    &sync.Mutex{},
		out:   out,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	defer bufPool.Put(bf)

	bf.WriteString(faint.Sprint(r.Time.Format(time.RFC3339)))
	bf.WriteByte(' ')
	bf.WriteString(levelTag(r.Level))
	bf.WriteByte(' ')

	var (
		name  string
		attrs = make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	)

	for _, a := range h.attrs {
		if a.Key == "name" {
			name = a.Value.String()
			continue
		}
		attrs = append(attrs, a)
	}

	r.Attrs(
		func(a slog.Attr) bool {
			a.Key = h.prefix + a.Key
			attrs = append(attrs, a)
			return true
		},
	)

	if name != "" {
		bf.WriteString(faintBold.Sprint(name))
		bf.WriteByte(' ')
	}

	bf.WriteString(message.Sprint(r.Message))

	for _, a := range attrs {
		writeAttr(bf, "", a)
	}

	bf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.out.Write(bf.Bytes())
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if a.Key != "name" {
			a.Key = h.prefix + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}

	return &h2
}

func levelTag(l slog.Level) string {
	if c, ok := levelColors[l]; ok {
		return c.Sprint(l.String())
	}

	return l.String()
}

func writeAttr(bf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := prefix + a.Key

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(bf, key+".", ga)
		}
		return
	}

	bf.WriteByte(' ')
	if strings.Contains(key, "err") {
		bf.WriteString(errorKey.Sprint(key + "="))
	} else {
		bf.WriteString(faint.Sprint(key + "="))
	}
	bf.WriteString(value.Sprint(a.Value.String()))
}
