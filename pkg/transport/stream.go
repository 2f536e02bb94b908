package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"skytrack/pkg/protocol"
)

const (
	DefaultChunkSize   = 512
	DefaultReadTimeout = 3000 * time.Millisecond
	DefaultDialTimeout = 5 * time.Second
)

// ErrEndOfStream is returned when the camera closes its side of the connection.
var ErrEndOfStream = errors.New("transport: end of stream")

// ConnectionError reports a failed dial or read on the video socket. It ends
// the session; the stream never retries on its own.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("camera %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error was caused by the read deadline.
func (e *ConnectionError) Timeout() bool {
	var nerr net.Error
	return errors.As(e.Err, &nerr) && nerr.Timeout()
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Stream is a single camera session: one TCP connection read in fixed chunks
// and reassembled into JPEG frames.
type Stream struct {
	addr         string
	chunkSize    int
	readTimeout  time.Duration
	dialTimeout  time.Duration
	maxBuffer    int
	dial         DialFunc
	errorHandler func(error)
	logger       *slog.Logger

	running atomic.Bool
	frames  atomic.Uint64

	mu   sync.Mutex
	stop context.CancelFunc
}

type Option func(*Stream)

func WithChunkSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

func WithMaxBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxBuffer = n
		}
	}
}

func WithDialer(dial DialFunc) Option {
	return func(s *Stream) {
		if dial != nil {
			s.dial = dial
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(s *Stream) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStream(addr string, opts ...Option) *Stream {
	s := &Stream{
		addr:        addr,
		chunkSize:   DefaultChunkSize,
		readTimeout: DefaultReadTimeout,
		dialTimeout: DefaultDialTimeout,
		maxBuffer:   protocol.DefaultMaxBuffer,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		d := &net.Dialer{Timeout: s.dialTimeout}
		s.dial = d.DialContext
	}
	return s
}

// Running reports whether the ingestion loop is active.
func (s *Stream) Running() bool {
	return s.running.Load()
}

func (s *Stream) Frames() uint64 {
	return s.frames.Load()
}

func (s *Stream) Addr() string {
	return s.addr
}

// Stop asks the ingestion loop to tear the session down. The loop itself
// closes the socket.
func (s *Stream) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Run dials the camera and delivers every reconstructed frame to out, in
// arrival order, until ctx is cancelled, Stop is called, the peer closes
// (ErrEndOfStream) or a read fails (*ConnectionError). Cancellation returns nil.
func (s *Stream) Run(ctx context.Context, out chan<- protocol.Frame) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("transport: stream already running")
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	conn, err := s.dial(runCtx, "tcp", s.addr)
	if err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		return s.fail(&ConnectionError{Op: "dial", Addr: s.addr, Err: err})
	}
	defer conn.Close()
	s.logger.Info("camera connected", "addr", s.addr)

	// Unblock a pending Read on cancellation; the socket is still closed here.
	unblock := context.AfterFunc(runCtx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer unblock()

	err = s.readLoop(runCtx, conn, out)
	if runCtx.Err() != nil {
		return nil
	}
	if errors.Is(err, ErrEndOfStream) {
		s.logger.Info("camera closed stream", "addr", s.addr)
		return err
	}
	return s.fail(err)
}

func (s *Stream) readLoop(ctx context.Context, conn net.Conn, out chan<- protocol.Frame) error {
	framer := protocol.NewSynchronizer(protocol.WithMaxBuffer(s.maxBuffer))
	defer framer.Reset()

	chunk := make([]byte, s.chunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			for _, frame := range framer.Write(chunk[:n]) {
				s.frames.Add(1)
				select {
				case out <- frame:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrEndOfStream
			}
			return &ConnectionError{Op: "read", Addr: s.addr, Err: err}
		}
		if n == 0 {
			return ErrEndOfStream
		}
	}
}

func (s *Stream) fail(err error) error {
	s.logger.Error("camera connection lost", "addr", s.addr, "error", err)
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
	return err
}
