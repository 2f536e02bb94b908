package vision

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"skytrack/pkg/protocol"
)

const maxMessageSize = 16 << 20

// DetectRequest is sent to an external detector for every tracked frame.
type DetectRequest struct {
	Policy string `msgpack:"policy"`
	Frame  []byte `msgpack:"frame"`
}

type DetectResponse struct {
	Found   bool    `msgpack:"found"`
	CenterX float64 `msgpack:"center_x"`
	CenterY float64 `msgpack:"center_y"`
	Extent  float64 `msgpack:"extent"`
	Error   string  `msgpack:"error,omitempty"`
}

// WriteMessage frames v as a 4-byte big-endian length followed by msgpack.
func WriteMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}

type ProcessConfig struct {
	Command string
	Args    []string
	Env     []string
	Policy  string
	Timeout time.Duration
	// RestartBackoff is the first delay before a failed child is respawned.
	// It doubles on every consecutive failure up to MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	Logger            *slog.Logger
}

// ProcessDetector runs detection in a child process, one request at a time.
// A request that fails or times out kills the child and drops that frame;
// the next Detect after the backoff starts a fresh child.
type ProcessDetector struct {
	ctx    context.Context
	cfg    ProcessConfig
	logger *slog.Logger

	mu        sync.Mutex
	proc      *detectorProc
	closed    bool
	backoff   time.Duration
	restartAt time.Time
	now       func() time.Time
}

type detectorProc struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	inflight   sync.WaitGroup
	stderrDone chan struct{}
	exited     chan struct{}
}

func StartProcessDetector(ctx context.Context, cfg ProcessConfig) (*ProcessDetector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("process detector: empty command")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRestartBackoff < cfg.RestartBackoff {
		cfg.MaxRestartBackoff = max(10*time.Second, cfg.RestartBackoff)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &ProcessDetector{
		ctx:     ctx,
		cfg:     cfg,
		logger:  logger,
		backoff: cfg.RestartBackoff,
		now:     time.Now,
	}
	proc, err := d.spawn()
	if err != nil {
		return nil, err
	}
	d.proc = proc
	return d, nil
}

func (d *ProcessDetector) spawn() (*detectorProc, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorClosed, err)
	}
	cmd := exec.CommandContext(d.ctx, d.cfg.Command, d.cfg.Args...)
	if len(d.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), d.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start detector %s: %w", d.cfg.Command, err)
	}

	p := &detectorProc{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go d.logStderr(p, stderr)
	go d.wait(p)

	d.logger.Info("detector process started", "command", d.cfg.Command, "pid", cmd.Process.Pid)
	return p, nil
}

func (d *ProcessDetector) Detect(frame []byte) (protocol.Detection, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return protocol.Detection{}, false, ErrDetectorClosed
	}
	if d.proc == nil {
		if d.now().Before(d.restartAt) {
			return protocol.Detection{}, false, ErrDetectorRestarting
		}
		proc, err := d.spawn()
		if err != nil {
			d.fail(nil, err)
			return protocol.Detection{}, false, fmt.Errorf("%w: %w", ErrDetectorRestarting, err)
		}
		d.proc = proc
	}
	p := d.proc

	type result struct {
		resp DetectResponse
		err  error
	}
	done := make(chan result, 1)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		var r result
		if r.err = WriteMessage(p.stdin, DetectRequest{Policy: d.cfg.Policy, Frame: frame}); r.err == nil {
			r.err = ReadMessage(p.stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			err := fmt.Errorf("detector request failed: %w", r.err)
			d.fail(p, err)
			return protocol.Detection{}, false, err
		}
		d.backoff = d.cfg.RestartBackoff
		if r.resp.Error != "" {
			return protocol.Detection{}, false, fmt.Errorf("detector: %s", r.resp.Error)
		}
		if !r.resp.Found {
			return protocol.Detection{}, false, nil
		}
		return protocol.Detection{
			CenterX: r.resp.CenterX,
			CenterY: r.resp.CenterY,
			Extent:  r.resp.Extent,
		}, true, nil
	case <-timer.C:
		err := fmt.Errorf("%w after %v", ErrDetectorTimeout, d.cfg.Timeout)
		d.fail(p, err)
		return protocol.Detection{}, false, err
	}
}

// fail kills p and schedules the next spawn. Callers hold d.mu.
func (d *ProcessDetector) fail(p *detectorProc, err error) {
	if p != nil {
		p.kill()
	}
	d.proc = nil
	d.restartAt = d.now().Add(d.backoff)
	d.logger.Warn("detector process failed, restarting", "error", err, "backoff", d.backoff)
	d.backoff = min(2*d.backoff, d.cfg.MaxRestartBackoff)
}

// Close ends the child by closing its stdin and waits for it to exit.
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	d.closed = true
	p := d.proc
	d.proc = nil
	d.mu.Unlock()

	if p == nil {
		return nil
	}
	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(d.cfg.Timeout):
		p.kill()
		<-p.exited
	}
	return nil
}

func (p *detectorProc) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// wait reaps the child once its pipe readers have drained.
func (d *ProcessDetector) wait(p *detectorProc) {
	defer close(p.exited)
	<-p.stderrDone
	p.inflight.Wait()
	if err := p.cmd.Wait(); err != nil {
		d.logger.Debug("detector process exited", "error", err)
		return
	}
	d.logger.Info("detector process exited cleanly")
}

func (d *ProcessDetector) logStderr(p *detectorProc, r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			d.logger.Error("detector process error", "line", line)
		case strings.Contains(line, "[WARN"):
			d.logger.Warn("detector process warning", "line", line)
		default:
			d.logger.Debug("detector process log", "line", line)
		}
	}
}
