// Package linktest provides a recording link for tests.
package linktest

import (
	"sync"
	"time"

	"skytrack/pkg/protocol"
)

type Sent struct {
	Command protocol.Command
	At      time.Time
}

// Recorder is a link that remembers every command it accepted.
type Recorder struct {
	mu     sync.Mutex
	sent   []Sent
	fail   func(protocol.Command) bool
	err    error
	onSend func(protocol.Command)
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWhen makes every send for which fn returns true fail with err. fn runs
// under the recorder lock.
func (r *Recorder) FailWhen(fn func(protocol.Command) bool, err error) {
	r.mu.Lock()
	r.fail = fn
	r.err = err
	r.mu.Unlock()
}

// OnSend registers a hook run outside the lock after each successful send.
func (r *Recorder) OnSend(fn func(protocol.Command)) {
	r.mu.Lock()
	r.onSend = fn
	r.mu.Unlock()
}

func (r *Recorder) Send(cmd protocol.Command) error {
	r.mu.Lock()
	if r.fail != nil && r.fail(cmd) {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, Sent{Command: cmd, At: time.Now()})
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

func (r *Recorder) Commands() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Command, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.Command
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}
