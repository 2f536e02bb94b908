package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"skytrack/pkg/protocol"
)

// JSONLWriter records hub events as one JSON object per line. Frames are
// logged by sequence number and size only.
type JSONLWriter struct {
	enc       *json.Encoder
	skipFrame bool
}

type jsonRecord struct {
	TS    string `json:"ts"`
	Kind  string `json:"kind"`
	Data  any    `json:"data,omitempty"`
	Text  string `json:"text,omitempty"`
	Level string `json:"level,omitempty"`
}

type frameRecord struct {
	Seq  uint64 `json:"seq"`
	Size int    `json:"size"`
}

type Option func(*JSONLWriter)

// WithoutFrames drops frame events from the log.
func WithoutFrames() Option {
	return func(j *JSONLWriter) {
		j.skipFrame = true
	}
}

func NewJSONLWriter(w io.Writer, opts ...Option) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	j := &JSONLWriter{enc: enc}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.Kind == protocol.EventFrame && j.skipFrame {
				continue
			}
			_ = j.Write(ev)
		}
	}
}

func (j *JSONLWriter) Write(ev protocol.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := jsonRecord{
		TS:   ts.UTC().Format(time.RFC3339Nano),
		Kind: ev.Kind.String(),
		Data: ev.Data,
	}
	switch data := ev.Data.(type) {
	case protocol.Frame:
		rec.Data = frameRecord{Seq: data.Seq, Size: len(data.Data)}
	case protocol.CommandRecord:
		rec.Data = struct {
			RunID      string           `json:"run_id,omitempty"`
			Command    protocol.Command `json:"command"`
			DurationMS int64            `json:"duration_ms"`
		}{data.RunID, data.Command, data.Duration.Milliseconds()}
	case protocol.Notice:
		rec.Data = nil
		rec.Text = data.Text
		rec.Level = data.Level.String()
	}
	return j.enc.Encode(rec)
}
