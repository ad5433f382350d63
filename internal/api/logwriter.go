// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// LogWriter converts log lines into a stream of
// ErrorLogEvents. Each Write must contain exactly
// one log line. After writing an event, the stream
// is flushed if the underlying io.Writer is an
// http.Flusher.
type LogWriter struct {
	encoder *json.Encoder
	flusher http.Flusher
}

// NewLogWriter returns a new LogWriter wrapping w.
func NewLogWriter(w io.Writer) *LogWriter {
	lw := &LogWriter{encoder: json.NewEncoder(w)}
	lw.flusher, _ = w.(http.Flusher)
	return lw
}

// Write encodes p, without its trailing newline,
// as ErrorLogEvent.
func (w *LogWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	event := ErrorLogEvent{Message: string(bytes.TrimSuffix(p, []byte{'\n'}))}
	if err := w.encoder.Encode(event); err != nil {
		return 0, err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return len(p), nil
}
