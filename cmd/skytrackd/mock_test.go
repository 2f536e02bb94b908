package main

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"skytrack/pkg/protocol"
	"skytrack/pkg/vision"
)

func TestMockTargetStaysInFrame(t *testing.T) {
	for i := 0; i < 200; i++ {
		x, y := mockTargetPosition(float64(i)*0.1, 320, 240)
		if x < 0 || x >= 320 || y < 0 || y >= 240 {
			t.Fatalf("target left the frame at t=%v: (%v, %v)", float64(i)*0.1, x, y)
		}
	}
	x, y := mockTargetPosition(0, 320, 240)
	if x != 160 {
		t.Fatalf("expected target centered horizontally at t=0, got %v", x)
	}
	if want := 120 + 0.15*240*math.Sin(math.Pi/3); math.Abs(y-want) > 1e-9 {
		t.Fatalf("unexpected y at t=0: %v want %v", y, want)
	}
}

func TestMockFrameIsDetectable(t *testing.T) {
	frame, err := mockFrame(1.3, 320, 240)
	if err != nil {
		t.Fatalf("mock frame: %v", err)
	}
	det, ok, err := vision.NewSpotDetector(200).Detect(frame)
	if err != nil || !ok {
		t.Fatalf("expected detection, ok=%v err=%v", ok, err)
	}
	x, y := mockTargetPosition(1.3, 320, 240)
	if math.Abs(det.CenterX-x) > 2 || math.Abs(det.CenterY-y) > 2 {
		t.Fatalf("detection (%v, %v) far from target (%v, %v)", det.CenterX, det.CenterY, x, y)
	}
}

func TestServeMockCameraStreamsFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	go func() {
		done <- serveMockCamera(ctx, ln, 50, 64, 48, log)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	framer := protocol.NewSynchronizer()
	var frames []protocol.Frame
	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for len(frames) < 3 && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		frames = append(frames, framer.Write(buf[:n])...)
	}
	if len(frames) < 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve mock camera: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("mock camera did not stop")
	}
}
