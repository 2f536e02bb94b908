package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"skytrack/pkg/protocol"
)

const DefaultSampleInterval = 100 * time.Millisecond

// DecodeError marks a frame whose image header could not be read.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type Publisher interface {
	Publish(protocol.Event)
}

type Stats struct {
	Frames       uint64 `json:"frames"`
	Tracked      uint64 `json:"tracked"`
	Found        uint64 `json:"found"`
	DecodeErrors uint64 `json:"decode_errors"`
	DetectErrors uint64 `json:"detect_errors"`
}

// Tracker turns frames into tracking signals. Every frame is forwarded for
// rendering; only frames passing the sampling gate are tracked.
type Tracker struct {
	detector Detector
	limiter  *rate.Limiter
	now      func() time.Time
	pub      Publisher
	slot     *SignalSlot
	logger   *slog.Logger

	frames       atomic.Uint64
	tracked      atomic.Uint64
	found        atomic.Uint64
	decodeErrors atomic.Uint64
	detectErrors atomic.Uint64
}

type TrackerOption func(*Tracker)

func WithSampleInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithPublisher(p Publisher) TrackerOption {
	return func(t *Tracker) {
		t.pub = p
	}
}

func WithSlot(slot *SignalSlot) TrackerOption {
	return func(t *Tracker) {
		t.slot = slot
	}
}

func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewTracker(detector Detector, opts ...TrackerOption) *Tracker {
	if detector == nil {
		detector = noDetector{}
	}
	t := &Tracker{
		detector: detector,
		limiter:  rate.NewLimiter(rate.Every(DefaultSampleInterval), 1),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track decodes the frame header, runs the detector and derives the error
// signal. It never fails: decode and detector errors yield Present=false.
func (t *Tracker) Track(f protocol.Frame) protocol.TrackingSignal {
	t.tracked.Add(1)
	sig := protocol.TrackingSignal{Seq: f.Seq, Timestamp: f.Timestamp}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		t.decodeErrors.Add(1)
		t.logger.Debug("frame skipped", "error", &DecodeError{Seq: f.Seq, Err: err})
		return sig
	}
	sig.Width, sig.Height = cfg.Width, cfg.Height

	det, ok, err := t.detector.Detect(f.Data)
	if err != nil {
		t.detectErrors.Add(1)
		switch {
		case errors.Is(err, ErrNoDetector):
		case errors.Is(err, ErrDetectorRestarting):
			t.logger.Debug("frame dropped while detector restarts", "seq", f.Seq)
		default:
			t.logger.Warn("detector failed", "seq", f.Seq, "error", err)
		}
		return sig
	}
	if !ok {
		return sig
	}

	t.found.Add(1)
	sig.Present = true
	sig.Target = det
	sig.ErrorX = float64(cfg.Width)/2 - det.CenterX
	sig.ErrorY = float64(cfg.Height)/2 - det.CenterY
	return sig
}

// Process forwards f for rendering and, when the sampling gate is open,
// tracks it and publishes the signal. The bool reports whether f was tracked.
func (t *Tracker) Process(f protocol.Frame) (protocol.TrackingSignal, bool) {
	t.frames.Add(1)
	if t.pub != nil {
		t.pub.Publish(protocol.FrameEvent(f))
	}
	if !t.limiter.AllowN(t.now(), 1) {
		return protocol.TrackingSignal{}, false
	}

	sig := t.Track(f)
	if t.slot != nil {
		t.slot.Put(sig)
	}
	if t.pub != nil {
		t.pub.Publish(protocol.SignalEvent(sig))
	}
	return sig, true
}

// Run processes frames in arrival order until in closes or ctx ends. The
// slot, if any, is closed on return so waiting consumers see end of vision.
func (t *Tracker) Run(ctx context.Context, in <-chan protocol.Frame) {
	if t.slot != nil {
		defer t.slot.Close()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			t.Process(f)
		}
	}
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Frames:       t.frames.Load(),
		Tracked:      t.tracked.Load(),
		Found:        t.found.Load(),
		DecodeErrors: t.decodeErrors.Load(),
		DetectErrors: t.detectErrors.Load(),
	}
}
