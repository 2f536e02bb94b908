package foxglove

import (
	"encoding/json"
	"testing"
	"time"

	"skytrack/pkg/protocol"
)

func TestAdvertiseListsAllChannels(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil, nil)
	msg := srv.advertise()
	if msg.Op != OpAdvertise {
		t.Fatalf("unexpected op: %s", msg.Op)
	}
	if len(msg.Channels) != 6 {
		t.Fatalf("expected 6 channels, got %d", len(msg.Channels))
	}
	seen := make(map[uint64]bool)
	for _, ch := range msg.Channels {
		if seen[ch.ID] {
			t.Fatalf("duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = true
		if ch.Encoding != "json" {
			t.Fatalf("unexpected encoding for %s: %s", ch.Topic, ch.Encoding)
		}
	}
	if msg.Channels[0].SchemaName != "foxglove.CompressedImage" {
		t.Fatalf("unexpected camera schema: %s", msg.Channels[0].SchemaName)
	}
}

func TestNormalizeFillsEmptyFields(t *testing.T) {
	srv := NewServer(Config{}, nil, nil)
	def := DefaultConfig()
	if srv.cfg.WSAddr != def.WSAddr || srv.cfg.CameraTopic != def.CameraTopic {
		t.Fatalf("expected defaults, got %+v", srv.cfg)
	}
	if srv.cfg.SendBuf <= 0 {
		t.Fatalf("expected positive send buffer, got %d", srv.cfg.SendBuf)
	}
}

func TestServerInfoCarriesSessionID(t *testing.T) {
	a := NewServer(DefaultConfig(), nil, nil).serverInfo()
	b := NewServer(DefaultConfig(), nil, nil).serverInfo()
	if a.SessionID == "" || a.SessionID == b.SessionID {
		t.Fatalf("expected distinct session ids, got %q and %q", a.SessionID, b.SessionID)
	}
}

func TestCompressedImageCarriesFrameBytes(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil, nil)
	raw := []byte{0xFF, 0xD8, 1, 2, 0xFF, 0xD9}
	ts := time.Unix(123, 456)

	msg := srv.compressedImage(protocol.Frame{Seq: 1, Timestamp: ts, Data: raw}, ts)
	if msg.FrameID != srv.cfg.ImageFrameID || msg.Format != "jpeg" {
		t.Fatalf("unexpected image header: %+v", msg)
	}
	if msg.Timestamp.Sec != 123 || msg.Timestamp.Nsec != 456 {
		t.Fatalf("unexpected timestamp: %+v", msg.Timestamp)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded.Data) != string(raw) {
		t.Fatalf("unexpected image payload: %v", decoded.Data)
	}
}

func TestTargetAnnotations(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil, nil)
	ts := time.Unix(1, 0)

	empty := srv.targetAnnotations(protocol.TrackingSignal{Present: false, Width: 320, Height: 240}, ts)
	if len(empty.Circles) != 0 || len(empty.Points) != 0 {
		t.Fatalf("expected no annotations without target, got %+v", empty)
	}

	sig := protocol.TrackingSignal{
		Present: true,
		Width:   320,
		Height:  240,
		Target:  protocol.Detection{CenterX: 100, CenterY: 80, Extent: 40},
	}
	msg := srv.targetAnnotations(sig, ts)
	if len(msg.Circles) != 1 {
		t.Fatalf("expected one circle, got %d", len(msg.Circles))
	}
	c := msg.Circles[0]
	if c.Position.X != 100 || c.Position.Y != 80 || c.Diameter != 40 {
		t.Fatalf("unexpected circle: %+v", c)
	}
	if len(msg.Points) != 1 || msg.Points[0].Points[0].X != 160 {
		t.Fatalf("expected center line at x=160, got %+v", msg.Points)
	}
}

func TestLogMessageLevels(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil, nil)
	cases := map[protocol.NoticeLevel]uint8{
		protocol.NoticeInfo:    LogLevelInfo,
		protocol.NoticeWarning: LogLevelWarning,
		protocol.NoticeError:   LogLevelError,
	}
	for level, want := range cases {
		msg := srv.logMessage(protocol.Notice{Level: level, Text: "x"}, time.Now())
		if msg.Level != want {
			t.Fatalf("level %s: expected %d, got %d", level, want, msg.Level)
		}
		if msg.Name != srv.cfg.LogName {
			t.Fatalf("unexpected log name: %s", msg.Name)
		}
	}
}

func TestMessageDataRoundTrip(t *testing.T) {
	frame := EncodeMessageData(7, 99, []byte("hi"))
	sub, logTime, payload, ok := DecodeMessageData(frame)
	if !ok || sub != 7 || logTime != 99 || string(payload) != "hi" {
		t.Fatalf("unexpected decode: sub=%d time=%d payload=%q ok=%v", sub, logTime, payload, ok)
	}
	if _, _, _, ok := DecodeMessageData([]byte{0x02, 0, 0}); ok {
		t.Fatalf("expected short frame to be rejected")
	}
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: make(map[uint32]uint64), send: make(chan []byte, 1)}
	c.addSub(1, channelCamera)
	c.addSub(2, channelCamera)
	c.addSub(3, channelLog)
	if ids := c.subIDsForChannel(channelCamera); len(ids) != 2 {
		t.Fatalf("expected 2 camera subscriptions, got %v", ids)
	}
	c.removeSub(1)
	if ids := c.subIDsForChannel(channelCamera); len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("unexpected subscriptions after remove: %v", ids)
	}

	c.trySend([]byte{1})
	c.trySend([]byte{2})
	if len(c.send) != 1 {
		t.Fatalf("expected full queue to drop, got %d queued", len(c.send))
	}
	close(c.send)
	c.trySend([]byte{3})
}
