package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"time"

	"skytrack/pkg/vision"
)

const (
	mockSwingFreqHz = 0.23
	mockBobFreqHz   = 0.31
	mockBobPhaseRad = math.Pi / 3.0
	// Fractions of the frame size swept by the target.
	mockSwingAmplitude = 0.35
	mockBobAmplitude   = 0.15
	mockTargetRadius   = 0.05
)

// mockTargetPosition moves the target on a slow Lissajous path around the
// frame center.
func mockTargetPosition(t float64, w, h int) (x float64, y float64) {
	x = float64(w)/2 + mockSwingAmplitude*float64(w)*math.Sin(2.0*math.Pi*mockSwingFreqHz*t)
	y = float64(h)/2 + mockBobAmplitude*float64(h)*math.Sin(2.0*math.Pi*mockBobFreqHz*t+mockBobPhaseRad)
	return
}

func mockFrame(t float64, w, h int) ([]byte, error) {
	x, y := mockTargetPosition(t, w, h)
	r := mockTargetRadius * float64(min(w, h))
	return vision.SyntheticFrame(w, h, x, y, max(r, 2))
}

// serveMockCamera streams synthetic frames to every connection at fps until
// ctx ends. Frames are written back to back with no framing, like the camera.
func serveMockCamera(ctx context.Context, ln net.Listener, fps, w, h int, log *slog.Logger) error {
	if fps <= 0 {
		fps = 20
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		log.Info("mock camera client connected", "remote", conn.RemoteAddr())
		go streamMockFrames(ctx, conn, fps, w, h, log)
	}
}

func streamMockFrames(ctx context.Context, conn net.Conn, fps, w, h int, log *slog.Logger) {
	defer conn.Close()
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := mockFrame(time.Since(start).Seconds(), w, h)
			if err != nil {
				log.Error("mock frame encode failed", "error", err)
				return
			}
			if _, err := conn.Write(frame); err != nil {
				log.Info("mock camera client gone", "remote", conn.RemoteAddr(), "error", err)
				return
			}
		}
	}
}

func runMockCamera(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("mock-camera", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:8081", "listen address")
	fps := fs.Int("fps", 20, "frames per second")
	width := fs.Int("width", 320, "frame width")
	height := fs.Int("height", 240, "frame height")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *width <= 0 || *height <= 0 {
		fmt.Fprintln(stderr, "invalid frame size")
		return 2
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintln(stderr, "listen:", err)
		return 1
	}
	fmt.Fprintln(stdout, "mock camera listening on", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log := slog.New(slog.NewTextHandler(stderr, nil))
	if err := serveMockCamera(ctx, ln, *fps, *width, *height, log); err != nil {
		fmt.Fprintln(stderr, "mock camera:", err)
		return 1
	}
	return 0
}
