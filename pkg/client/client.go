package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"skytrack/pkg/control"
	"skytrack/pkg/engine"
	"skytrack/pkg/flight"
	"skytrack/pkg/link"
	"skytrack/pkg/protocol"
	"skytrack/pkg/transport"
	"skytrack/pkg/vision"
)

const LostCameraNotice = "Lost connection with the camera."

type Config struct {
	Addr           string
	Stream         []transport.Option
	SampleInterval time.Duration
	Law            control.Config
	Flight         flight.Config
	Tick           time.Duration
	// FrameBuffer is the queue between ingestion and tracking.
	FrameBuffer int
}

// Client supervises one camera session and the autonomous flight surface
// built on top of it.
type Client struct {
	cfg        Config
	hub        *engine.Hub
	logger     *slog.Logger
	stream     *transport.Stream
	slot       *vision.SignalSlot
	tracker    *vision.Tracker
	dispatcher *link.Dispatcher
	law        *control.Law
	seq        *flight.Sequencer

	camera atomic.Bool

	mu      sync.Mutex
	baseCtx context.Context
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(cfg Config, detector vision.Detector, lk link.Link, hub *engine.Hub, opts ...Option) (*Client, error) {
	if lk == nil {
		return nil, errors.New("client: nil link")
	}
	if hub == nil {
		return nil, errors.New("client: nil hub")
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 8
	}
	c := &Client{
		cfg:     cfg,
		hub:     hub,
		logger:  slog.Default(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	law, err := control.NewLaw(cfg.Law)
	if err != nil {
		return nil, err
	}
	c.law = law

	streamOpts := append([]transport.Option{transport.WithLogger(c.logger)}, cfg.Stream...)
	c.stream = transport.NewStream(cfg.Addr, streamOpts...)
	c.slot = vision.NewSignalSlot()
	c.slot.Close()
	c.tracker = vision.NewTracker(detector,
		vision.WithSampleInterval(cfg.SampleInterval),
		vision.WithPublisher(hub),
		vision.WithSlot(c.slot),
		vision.WithTrackerLogger(c.logger),
	)

	dispOpts := []link.Option{link.WithLimits(cfg.Flight.Limits), link.WithLogger(c.logger)}
	if cfg.Tick > 0 {
		dispOpts = append(dispOpts, link.WithTick(cfg.Tick))
	}
	c.dispatcher = link.NewDispatcher(lk, dispOpts...)

	seq, err := flight.NewSequencer(cfg.Flight, c.dispatcher, law, c.slot,
		flight.WithPublisher(hub),
		flight.WithLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.seq = seq
	return c, nil
}

// Run serves one camera session: ingestion feeds tracking until ctx ends or
// the connection drops. A dropped connection is announced to the operator,
// ends vision for any active run and is returned as *transport.ConnectionError.
// Autonomous runs started while Run is active end with ctx.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	c.slot.Reopen()
	c.camera.Store(true)
	defer c.camera.Store(false)

	frames := make(chan protocol.Frame, c.cfg.FrameBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.tracker.Run(gctx, frames)
		return nil
	})
	g.Go(func() error {
		defer close(frames)
		return c.stream.Run(gctx, frames)
	})
	err := g.Wait()

	var connErr *transport.ConnectionError
	switch {
	case errors.As(err, &connErr):
		c.logger.Error("camera session lost", "addr", c.cfg.Addr, "error", err)
		c.hub.Publish(protocol.NoticeEvent(protocol.NoticeError, LostCameraNotice))
	case errors.Is(err, transport.ErrEndOfStream):
		c.hub.Publish(protocol.NoticeEvent(protocol.NoticeWarning, "Camera closed the stream."))
	}
	return err
}

// StartAutonomous begins a flight in the given mode ("target", "live" or
// "waypoint") and returns its run id.
func (c *Client) StartAutonomous(mode string) (string, error) {
	m, err := flight.ParseMode(mode)
	if err != nil {
		return "", err
	}
	if m != flight.ModeWaypoint && !c.camera.Load() {
		c.logger.Warn("starting vision run without camera session", "mode", m)
	}
	c.mu.Lock()
	ctx := c.baseCtx
	c.mu.Unlock()
	return c.seq.Start(ctx, m)
}

func (c *Client) CancelAutonomous() bool {
	return c.seq.Cancel()
}

func (c *Client) IsAutonomousEnabled() bool {
	return c.seq.AutonomousEnabled()
}

// CameraEnabled reports whether a camera session is active.
func (c *Client) CameraEnabled() bool {
	return c.camera.Load()
}

// OnFrameRendered calls cb with every frame from a dedicated hub
// subscription, off the ingestion path. It returns when ctx ends.
func (c *Client) OnFrameRendered(ctx context.Context, cb func(protocol.Frame)) {
	sub := c.hub.Subscribe()
	defer c.hub.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if f, isFrame := ev.Data.(protocol.Frame); isFrame {
				cb(f)
			}
		}
	}
}

// Wait blocks until the current autonomous run, if any, has finished.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.seq.Done():
		return c.seq.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Sequencer() *flight.Sequencer {
	return c.seq
}

func (c *Client) Status() map[string]any {
	ts := c.tracker.Stats()
	ls := c.dispatcher.Stats()
	status := map[string]any{
		"state":          c.seq.State().String(),
		"autonomous":     c.seq.AutonomousEnabled(),
		"run_id":         c.seq.RunID(),
		"mode":           string(c.seq.Mode()),
		"camera":         c.camera.Load(),
		"frames":         c.stream.Frames(),
		"tracked":        ts.Tracked,
		"found":          ts.Found,
		"decode_errors":  ts.DecodeErrors,
		"commands_sent":  ls.Sent,
		"link_failures":  ls.Failures,
		"signal_dropped": c.slot.Dropped(),
		"hub_dropped":    c.hub.Dropped(),
	}
	if err := c.seq.Err(); err != nil {
		status["last_error"] = err.Error()
	}
	if sig, ok := c.slot.Latest(); ok {
		status["signal"] = fmt.Sprintf("present=%t error_x=%.0f", sig.Present, sig.ErrorX)
	}
	return status
}
