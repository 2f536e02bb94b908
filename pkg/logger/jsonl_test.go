package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"skytrack/pkg/logger"
	"skytrack/pkg/protocol"
)

func consumeAll(t *testing.T, w *logger.JSONLWriter, events ...protocol.Event) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan protocol.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Consume(ctx, ch)
	}()
	wg.Wait()
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("json unmarshal failed: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestJSONLWriterRecordsEvents(t *testing.T) {
	var buf bytes.Buffer
	writer := logger.NewJSONLWriter(&buf)

	ts := time.Date(2026, 2, 5, 16, 0, 0, 0, time.UTC)
	consumeAll(t, writer,
		protocol.Event{Kind: protocol.EventFrame, Timestamp: ts, Data: protocol.Frame{Seq: 3, Data: make([]byte, 128)}},
		protocol.Event{Kind: protocol.EventSignal, Timestamp: ts, Data: protocol.TrackingSignal{Present: true, ErrorX: 60, Seq: 3}},
		protocol.Event{Kind: protocol.EventCommand, Timestamp: ts, Data: protocol.CommandRecord{
			RunID:    "run-1",
			Command:  protocol.Command{Roll: -4, Pitch: 0.5, Thrust: 45000},
			Duration: 185 * time.Millisecond,
		}},
		protocol.Event{Kind: protocol.EventNotice, Timestamp: ts, Data: protocol.Notice{Level: protocol.NoticeError, Text: "Lost connection with the camera."}},
	)

	recs := decodeLines(t, &buf)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}

	frame := recs[0]
	if frame["kind"] != "frame" {
		t.Fatalf("unexpected kind: %v", frame["kind"])
	}
	data := frame["data"].(map[string]any)
	if data["seq"] != float64(3) || data["size"] != float64(128) {
		t.Fatalf("unexpected frame record: %v", data)
	}
	if _, err := time.Parse(time.RFC3339Nano, frame["ts"].(string)); err != nil {
		t.Fatalf("invalid ts format: %v", err)
	}

	sig := recs[1]["data"].(map[string]any)
	if sig["error_x"] != float64(60) || sig["present"] != true {
		t.Fatalf("unexpected signal record: %v", sig)
	}

	cmd := recs[2]["data"].(map[string]any)
	if cmd["duration_ms"] != float64(185) || cmd["run_id"] != "run-1" {
		t.Fatalf("unexpected command record: %v", cmd)
	}
	if cmd["command"].(map[string]any)["thrust"] != float64(45000) {
		t.Fatalf("unexpected command payload: %v", cmd["command"])
	}

	notice := recs[3]
	if notice["text"] != "Lost connection with the camera." || notice["level"] != "error" {
		t.Fatalf("unexpected notice record: %v", notice)
	}
	if _, ok := notice["data"]; ok {
		t.Fatalf("notice should not carry data: %v", notice)
	}
}

func TestJSONLWriterWithoutFrames(t *testing.T) {
	var buf bytes.Buffer
	writer := logger.NewJSONLWriter(&buf, logger.WithoutFrames())
	consumeAll(t, writer,
		protocol.FrameEvent(protocol.Frame{Seq: 1}),
		protocol.Event{Kind: protocol.EventState, Data: protocol.StateChange{State: "landing"}},
	)

	recs := decodeLines(t, &buf)
	if len(recs) != 1 || recs[0]["kind"] != "state" {
		t.Fatalf("unexpected records: %v", recs)
	}
}
