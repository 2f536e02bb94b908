package client_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytrack/pkg/client"
	"skytrack/pkg/control"
	"skytrack/pkg/engine"
	"skytrack/pkg/flight"
	"skytrack/pkg/link/linktest"
	"skytrack/pkg/protocol"
	"skytrack/pkg/transport"
	"skytrack/pkg/vision"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// camera serves JPEG frames to the first connection. It writes frames every
// interval until count frames are sent, then either closes or goes silent.
type camera struct {
	ln     net.Listener
	frame  []byte
	closed atomic.Int32
}

func startCamera(t *testing.T, frame []byte, count int, interval time.Duration, hangUp bool) *camera {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cam := &camera{ln: ln, frame: frame}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < count; i++ {
			if _, err := conn.Write(frame); err != nil {
				return
			}
			time.Sleep(interval)
		}
		if hangUp {
			cam.closed.Add(1)
			return
		}
		// Stay silent until the client gives up.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()
	return cam
}

func (c *camera) addr() string { return c.ln.Addr().String() }

func fastFlight() flight.Config {
	cfg := flight.DefaultConfig()
	cfg.Takeoff = []flight.Step{{Thrust: 47000, Duration: 20 * time.Millisecond}}
	cfg.Landing = []flight.Step{
		{Thrust: 30000, Duration: 20 * time.Millisecond},
		{Thrust: 5000, Duration: 20 * time.Millisecond},
	}
	cfg.AdvanceFace = 20 * time.Millisecond
	cfg.TargetWait = 500 * time.Millisecond
	return cfg
}

type harness struct {
	client   *client.Client
	hub      *engine.Hub
	recorder *linktest.Recorder
	events   chan protocol.Event
}

func newHarness(t *testing.T, addr string, detector vision.Detector) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := engine.NewHub()
	go hub.Run(ctx)
	events := hub.SubscribeWithBuffer(1024)

	rec := linktest.NewRecorder()
	c, err := client.New(client.Config{
		Addr:           addr,
		Stream:         []transport.Option{transport.WithReadTimeout(150 * time.Millisecond)},
		SampleInterval: 100 * time.Millisecond,
		Law:            control.DefaultConfig(),
		Flight:         fastFlight(),
	}, detector, rec, hub)
	require.NoError(t, err)
	return &harness{client: c, hub: hub, recorder: rec, events: events}
}

func (h *harness) notices() []protocol.Notice {
	var out []protocol.Notice
	for {
		select {
		case ev := <-h.events:
			if n, ok := ev.Data.(protocol.Notice); ok {
				out = append(out, n)
			}
		default:
			return out
		}
	}
}

func offCenter(px float64) vision.Detector {
	return vision.DetectorFunc(func(frame []byte) (protocol.Detection, bool, error) {
		return protocol.Detection{CenterX: 160 - px, CenterY: 120, Extent: 30}, true, nil
	})
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := client.New(client.Config{Law: control.DefaultConfig(), Flight: fastFlight()}, nil, nil, engine.NewHub())
	assert.Error(t, err)
	_, err = client.New(client.Config{Law: control.DefaultConfig(), Flight: fastFlight()}, nil, linktest.NewRecorder(), nil)
	assert.Error(t, err)
}

func TestRunReportsConnectionLoss(t *testing.T) {
	cam := startCamera(t, encodeJPEG(t, 320, 240), 3, 10*time.Millisecond, false)
	h := newHarness(t, cam.addr(), nil)

	var rendered atomic.Int32
	renderCtx, stopRender := context.WithCancel(context.Background())
	defer stopRender()
	go h.client.OnFrameRendered(renderCtx, func(protocol.Frame) { rendered.Add(1) })
	time.Sleep(20 * time.Millisecond)

	err := h.client.Run(context.Background())

	var connErr *transport.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "read", connErr.Op)
	assert.False(t, h.client.CameraEnabled())

	require.Eventually(t, func() bool { return rendered.Load() == 3 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	notices := h.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, protocol.NoticeError, notices[0].Level)
	assert.Equal(t, client.LostCameraNotice, notices[0].Text)
}

func TestRunCancelIsClean(t *testing.T) {
	cam := startCamera(t, encodeJPEG(t, 64, 48), 1000, 5*time.Millisecond, false)
	h := newHarness(t, cam.addr(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.client.Run(ctx) }()

	require.Eventually(t, h.client.CameraEnabled, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Empty(t, h.notices())
}

func TestWaypointRunWithoutCamera(t *testing.T) {
	h := newHarness(t, "127.0.0.1:1", nil)

	assert.False(t, h.client.CancelAutonomous())
	_, err := h.client.StartAutonomous("barrel-roll")
	require.Error(t, err)

	runID, err := h.client.StartAutonomous("waypoint")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.True(t, h.client.IsAutonomousEnabled())

	_, err = h.client.StartAutonomous("waypoint")
	assert.ErrorIs(t, err, flight.ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.client.Wait(ctx))
	assert.False(t, h.client.IsAutonomousEnabled())

	cmds := h.recorder.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, uint16(47000), cmds[0].Thrust)
	assert.Equal(t, uint16(5000), cmds[len(cmds)-1].Thrust)

	status := h.client.Status()
	assert.Equal(t, "idle", status["state"])
	assert.Equal(t, false, status["autonomous"])
	assert.Equal(t, runID, status["run_id"])
}

func TestLiveRunCorrectsThenLandsWhenCameraHangsUp(t *testing.T) {
	cam := startCamera(t, encodeJPEG(t, 320, 240), 40, 20*time.Millisecond, true)
	h := newHarness(t, cam.addr(), offCenter(60))

	var turnSeen sync.Once
	turned := make(chan struct{})
	h.recorder.OnSend(func(cmd protocol.Command) {
		if cmd.Roll == -4 {
			turnSeen.Do(func() { close(turned) })
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- h.client.Run(context.Background()) }()
	require.Eventually(t, h.client.CameraEnabled, time.Second, 5*time.Millisecond)

	_, err := h.client.StartAutonomous("live")
	require.NoError(t, err)

	select {
	case <-turned:
	case <-time.After(2 * time.Second):
		t.Fatal("no correction turn was sent")
	}

	select {
	case err := <-runErr:
		assert.True(t, errors.Is(err, transport.ErrEndOfStream), "unexpected run error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("camera session did not end")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.client.Wait(ctx))
	assert.False(t, h.client.IsAutonomousEnabled())

	cmds := h.recorder.Commands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, uint16(5000), last.Thrust, "run should finish on the landing ramp")
	for _, cmd := range cmds {
		if cmd.Roll != 0 {
			assert.Equal(t, float32(-4), cmd.Roll)
			assert.Equal(t, uint16(45000), cmd.Thrust)
		}
	}
}
