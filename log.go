// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"context"
	"io"
	"log/slog"

	"github.com/minio/lwdir/internal/api"
	"github.com/minio/lwdir/internal/cache"
	"github.com/minio/lwdir/internal/log"
)

// logHandler handles the Server log records. Records at or
// above its level are passed to the Config.ErrorLog handler
// and, formatted as text, to every client streaming the
// ErrorLog API. Each streamed record is counted as error
// event.
type logHandler struct {
	h     slog.Handler
	level slog.Leveler

	stream *logStream
	text   slog.Handler // writes to stream
}

func newLogHandler(h slog.Handler, level slog.Leveler, counter io.Writer) *logHandler {
	stream := &logStream{counter: counter}
	return &logHandler{
		h:      h,
		level:  level,
		stream: stream,
		text:   slog.NewTextHandler(stream, &slog.HandlerOptions{Level: level}),
	}
}

// newFormattedLogHandler returns a text or JSON log handler
// writing to w.
func newFormattedLogHandler(w io.Writer, f log.Format, opts *slog.HandlerOptions) slog.Handler {
	if f == log.JSONFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *logHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.level.Level() {
		return nil
	}

	var err error
	if h.h.Enabled(ctx, r.Level) {
		err = h.h.Handle(ctx, r)
	}
	if tErr := h.text.Handle(ctx, r); err == nil {
		err = tErr
	}
	return err
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.h, c.text = h.h.WithAttrs(attrs), h.text.WithAttrs(attrs)
	return &c
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.h, c.text = h.h.WithGroup(name), h.text.WithGroup(name)
	return &c
}

// Subscribe adds w to the clients receiving log records.
// The returned function removes w again.
func (h *logHandler) Subscribe(w *api.LogWriter) (cancel func()) {
	h.stream.clients.Set(w, struct{}{})
	return func() { h.stream.clients.Delete(w) }
}

// logStream is the io.Writer behind the text handler of
// a logHandler. Every write is one formatted record.
type logStream struct {
	counter io.Writer
	clients cache.Cow[*api.LogWriter, struct{}]
}

func (s *logStream) Write(p []byte) (int, error) {
	if s.counter != nil {
		s.counter.Write(p)
	}
	for _, w := range s.clients.Keys() {
		w.Write(p) // A failing client is removed once its request returns
	}
	return len(p), nil
}
