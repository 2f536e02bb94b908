package flight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"skytrack/pkg/control"
	"skytrack/pkg/link"
	"skytrack/pkg/protocol"
	"skytrack/pkg/vision"
)

var ErrAlreadyRunning = errors.New("flight: autonomous run already in progress")

// Holder is the slice of the dispatcher the sequencer drives.
type Holder interface {
	Hold(ctx context.Context, cmd protocol.Command, dur time.Duration) error
	Neutral() error
}

// SignalSource yields fresh tracking signals. Poll returns vision.ErrClosed
// once the camera session has ended.
type SignalSource interface {
	Poll() (protocol.TrackingSignal, bool, error)
}

type Corrector interface {
	Correction(sig protocol.TrackingSignal) (control.LateralCommand, bool)
	TurnCommand(lat control.LateralCommand) protocol.Command
}

type Publisher interface {
	Publish(protocol.Event)
}

// Sequencer runs one autonomous flight at a time in its own goroutine.
// Callers only request Start and Cancel; state is owned by the run.
type Sequencer struct {
	cfg     Config
	holder  Holder
	law     Corrector
	signals SignalSource
	pub     Publisher
	logger  *slog.Logger

	state      atomic.Int32
	run        atomic.Bool
	autonomous atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runID   string
	mode    Mode
	lastErr error
}

type Option func(*Sequencer)

func WithPublisher(p Publisher) Option {
	return func(s *Sequencer) {
		s.pub = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSequencer(cfg Config, holder Holder, law Corrector, signals SignalSource, opts ...Option) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	close(done)
	s := &Sequencer{
		cfg:     cfg,
		holder:  holder,
		law:     law,
		signals: signals,
		logger:  slog.Default(),
		done:    done,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sequencer) State() State {
	return State(s.state.Load())
}

// Running reports the loop-continuation flag of the current run.
func (s *Sequencer) Running() bool {
	return s.run.Load()
}

func (s *Sequencer) AutonomousEnabled() bool {
	return s.autonomous.Load()
}

// Done is closed when the current or last run has returned to Idle.
func (s *Sequencer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err is the failure of the last run. Completion and cancellation are nil.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Sequencer) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *Sequencer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start launches a run in the background. ctx bounds the whole run, not just
// the call. A second Start while a run is active returns ErrAlreadyRunning.
func (s *Sequencer) Start(ctx context.Context, mode Mode) (string, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return "", err
	}

	// The flag and the cancel func change together so Cancel never sees one
	// without the other.
	s.mu.Lock()
	if !s.autonomous.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	runID := uuid.NewString()
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.runID = runID
	s.mode = mode
	s.lastErr = nil
	s.mu.Unlock()

	s.run.Store(true)
	s.logger.Info("autonomous run started", "run_id", runID, "mode", mode, "policy", s.cfg.Policy)

	go func() {
		defer close(done)
		s.execute(runCtx, cancel, runID, mode)
	}()
	return runID, nil
}

// Cancel interrupts the active run. It reports whether a run was active.
func (s *Sequencer) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	active := s.autonomous.Load()
	s.mu.Unlock()
	if cancel == nil || !active {
		return false
	}
	cancel()
	return true
}

func (s *Sequencer) execute(ctx context.Context, cancel context.CancelFunc, runID string, mode Mode) {
	err := s.fly(ctx, runID, mode)
	cancel()

	cancelled := errors.Is(err, link.ErrCancelled) || errors.Is(err, context.Canceled)
	if err != nil {
		if nerr := s.holder.Neutral(); nerr != nil {
			s.logger.Error("neutral command after abort failed", "run_id", runID, "error", nerr)
		}
	}

	s.mu.Lock()
	if err != nil && !cancelled {
		s.lastErr = err
	}
	s.cancel = nil
	s.mu.Unlock()

	s.enter(runID, mode, Idle)
	s.run.Store(false)
	s.autonomous.Store(false)

	switch {
	case err == nil:
		s.logger.Info("autonomous run finished", "run_id", runID)
	case cancelled:
		s.logger.Info("autonomous run cancelled", "run_id", runID, "state", s.State())
	default:
		s.logger.Error("autonomous run failed", "run_id", runID, "error", err)
		s.notice(protocol.NoticeError, fmt.Sprintf("Autonomous flight aborted: %v", err))
	}
}

func (s *Sequencer) fly(ctx context.Context, runID string, mode Mode) error {
	if err := s.takeoff(ctx, runID, mode); err != nil {
		return err
	}

	switch mode {
	case ModeTarget:
		if err := s.transition(ctx, runID, mode, Turning); err != nil {
			return err
		}
		sig, ok, err := s.awaitSignal(ctx, runID, time.Time{}, s.cfg.TargetWait)
		if err != nil {
			return err
		}
		if ok {
			if err := s.correct(ctx, runID, sig); err != nil {
				return err
			}
		}
		if err := s.advance(ctx, runID, mode); err != nil {
			return err
		}
	case ModeLive:
		if err := s.track(ctx, runID, mode); err != nil {
			return err
		}
	case ModeWaypoint:
		if err := s.advance(ctx, runID, mode); err != nil {
			return err
		}
	}

	return s.land(ctx, runID, mode)
}

func (s *Sequencer) takeoff(ctx context.Context, runID string, mode Mode) error {
	if err := s.transition(ctx, runID, mode, TakingOff); err != nil {
		return err
	}
	for _, step := range s.cfg.Takeoff {
		if err := s.hold(ctx, runID, s.cfg.takeoffCommand(step), step.Duration); err != nil {
			return err
		}
	}
	return nil
}

// track re-enters Turning for every fresh signal until vision ends.
func (s *Sequencer) track(ctx context.Context, runID string, mode Mode) error {
	since := time.Time{}
	for {
		if err := s.transition(ctx, runID, mode, Turning); err != nil {
			return err
		}
		sig, ok, err := s.awaitSignal(ctx, runID, since, 0)
		if errors.Is(err, vision.ErrClosed) {
			s.logger.Warn("vision ended during live tracking, landing", "run_id", runID)
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.correct(ctx, runID, sig); err != nil {
			return err
		}
		since = time.Now()
	}
}

func (s *Sequencer) advance(ctx context.Context, runID string, mode Mode) error {
	if err := s.transition(ctx, runID, mode, Advancing); err != nil {
		return err
	}
	return s.hold(ctx, runID, s.cfg.advanceCommand(), s.cfg.Advance())
}

func (s *Sequencer) land(ctx context.Context, runID string, mode Mode) error {
	if err := s.transition(ctx, runID, mode, Landing); err != nil {
		return err
	}
	for _, step := range s.cfg.Landing {
		if err := s.hold(ctx, runID, s.cfg.landingCommand(step), step.Duration); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) correct(ctx context.Context, runID string, sig protocol.TrackingSignal) error {
	lat, ok := s.law.Correction(sig)
	if !ok {
		return nil
	}
	s.logger.Debug("lateral correction", "run_id", runID, "seq", sig.Seq, "error_x", sig.ErrorX, "roll", lat.Roll, "duration", lat.Duration)
	return s.hold(ctx, runID, s.law.TurnCommand(lat), lat.Duration)
}

// awaitSignal hovers in PollInterval slices until a signal newer than since
// arrives. wait bounds the search when positive; running out of time is not
// an error. In target mode a closed source means no correction.
func (s *Sequencer) awaitSignal(ctx context.Context, runID string, since time.Time, wait time.Duration) (protocol.TrackingSignal, bool, error) {
	if s.signals == nil {
		return protocol.TrackingSignal{}, false, nil
	}
	start := time.Now()
	for {
		sig, ok, err := s.signals.Poll()
		if err != nil {
			if errors.Is(err, vision.ErrClosed) && wait > 0 {
				return protocol.TrackingSignal{}, false, nil
			}
			return protocol.TrackingSignal{}, false, err
		}
		if ok && !sig.Timestamp.Before(since) {
			return sig, true, nil
		}
		if wait > 0 && time.Since(start) >= wait {
			s.logger.Info("no target signal, proceeding straight", "run_id", runID, "waited", time.Since(start))
			return protocol.TrackingSignal{}, false, nil
		}
		if err := s.hold(ctx, runID, s.cfg.hoverCommand(), s.cfg.PollInterval); err != nil {
			return protocol.TrackingSignal{}, false, err
		}
	}
}

func (s *Sequencer) hold(ctx context.Context, runID string, cmd protocol.Command, dur time.Duration) error {
	if s.pub != nil {
		s.pub.Publish(protocol.Event{
			Kind:      protocol.EventCommand,
			Timestamp: time.Now(),
			Data:      protocol.CommandRecord{RunID: runID, Command: cmd, Duration: dur},
		})
	}
	return s.holder.Hold(ctx, cmd, dur)
}

// transition checks for cancellation before entering the next state.
func (s *Sequencer) transition(ctx context.Context, runID string, mode Mode, next State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", link.ErrCancelled, err)
	}
	s.enter(runID, mode, next)
	return nil
}

func (s *Sequencer) enter(runID string, mode Mode, next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.logger.Debug("flight state", "run_id", runID, "from", prev, "to", next)
	if s.pub != nil {
		s.pub.Publish(protocol.Event{
			Kind:      protocol.EventState,
			Timestamp: time.Now(),
			Data: protocol.StateChange{
				RunID: runID,
				Mode:  string(mode),
				From:  prev.String(),
				State: next.String(),
			},
		})
	}
}

func (s *Sequencer) notice(level protocol.NoticeLevel, text string) {
	if s.pub != nil {
		s.pub.Publish(protocol.NoticeEvent(level, text))
	}
}
