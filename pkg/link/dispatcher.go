package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"skytrack/pkg/protocol"
)

var (
	// ErrCancelled wraps the context error when a hold or send is interrupted.
	ErrCancelled   = errors.New("link: cancelled")
	ErrOutOfBounds = errors.New("link: command out of bounds")
)

const DefaultTick = 10 * time.Millisecond

// Link delivers one command packet to the vehicle.
type Link interface {
	Send(cmd protocol.Command) error
}

// SendError is a link failure that aborted a hold.
type SendError struct {
	Command protocol.Command
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("link send %+v: %v", e.Command, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type Stats struct {
	Sent     uint64 `json:"sent"`
	Holds    uint64 `json:"holds"`
	Failures uint64 `json:"failures"`
}

// Dispatcher is the only writer on a Link. Holds and sends from concurrent
// callers queue on a one-slot semaphore; a waiting caller gives up when its
// context ends.
type Dispatcher struct {
	link   Link
	limits protocol.Limits
	tick   time.Duration
	logger *slog.Logger
	sem    chan struct{}

	sent     atomic.Uint64
	holds    atomic.Uint64
	failures atomic.Uint64
}

type Option func(*Dispatcher)

func WithTick(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.tick = d
		}
	}
}

func WithLimits(l protocol.Limits) Option {
	return func(dp *Dispatcher) {
		dp.limits = l
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if logger != nil {
			dp.logger = logger
		}
	}
}

func NewDispatcher(link Link, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		link:   link,
		limits: protocol.DefaultLimits(),
		tick:   DefaultTick,
		logger: slog.Default(),
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Tick() time.Duration {
	return d.tick
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:     d.sent.Load(),
		Holds:    d.holds.Load(),
		Failures: d.failures.Load(),
	}
}

// Send transmits cmd exactly once.
func (d *Dispatcher) Send(ctx context.Context, cmd protocol.Command) error {
	if err := d.check(cmd); err != nil {
		return err
	}
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	if err := d.send(cmd); err != nil {
		d.neutral()
		return err
	}
	return nil
}

// Hold transmits cmd once per tick until at least dur has elapsed since the
// first send, measured on the monotonic clock. A zero dur sends once. On
// cancellation or a failed send the remaining hold is abandoned and a neutral
// command goes out before returning.
func (d *Dispatcher) Hold(ctx context.Context, cmd protocol.Command, dur time.Duration) error {
	if err := d.check(cmd); err != nil {
		return err
	}
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()
	d.holds.Add(1)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			d.neutral()
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if err := d.send(cmd); err != nil {
			d.neutral()
			return err
		}
		if time.Since(start) >= dur {
			return nil
		}
		select {
		case <-ctx.Done():
			d.neutral()
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Neutral sends the all-zero command once, waiting for any hold in progress.
func (d *Dispatcher) Neutral() error {
	d.sem <- struct{}{}
	defer d.release()
	return d.send(protocol.Neutral)
}

func (d *Dispatcher) check(cmd protocol.Command) error {
	if !d.limits.Contains(cmd) {
		return fmt.Errorf("%w: %+v", ErrOutOfBounds, cmd)
	}
	return nil
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

func (d *Dispatcher) release() {
	<-d.sem
}

func (d *Dispatcher) send(cmd protocol.Command) error {
	if err := d.link.Send(cmd); err != nil {
		d.failures.Add(1)
		return &SendError{Command: cmd, Err: err}
	}
	d.sent.Add(1)
	return nil
}

// neutral must be called with the semaphore held.
func (d *Dispatcher) neutral() {
	if err := d.send(protocol.Neutral); err != nil {
		d.logger.Error("neutral command failed", "error", err)
	}
}
