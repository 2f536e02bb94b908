package protocol

import (
	"bytes"
	"time"
)

var (
	markerSOI = []byte{0xFF, 0xD8}
	markerEOI = []byte{0xFF, 0xD9}
)

const DefaultMaxBuffer = 1 << 20

// Ingest appends chunk to buf and cuts out every complete SOI..EOI frame, in
// order. The returned buffer starts at the earliest unresolved SOI, or holds
// at most a trailing 0xFF when no SOI is pending. Frames are copies; buf's
// backing array may be reused.
func Ingest(buf, chunk []byte) ([]byte, [][]byte) {
	buf = append(buf, chunk...)
	var frames [][]byte
	for {
		start := bytes.Index(buf, markerSOI)
		if start < 0 {
			return keepPartialMarker(buf), frames
		}
		// Anything ahead of the SOI, stale EOI included, cannot belong to a frame.
		buf = buf[start:]

		end := bytes.Index(buf[len(markerSOI):], markerEOI)
		if end < 0 {
			return buf, frames
		}
		end += len(markerSOI) + len(markerEOI)
		frames = append(frames, bytes.Clone(buf[:end]))
		buf = buf[end:]
	}
}

func keepPartialMarker(buf []byte) []byte {
	if n := len(buf); n > 0 && buf[n-1] == markerSOI[0] {
		return buf[n-1:]
	}
	return buf[:0]
}

// Synchronizer turns arbitrary chunks of a JPEG byte pipe into ordered frames.
// It is not safe for concurrent use; the ingestion goroutine owns it.
type Synchronizer struct {
	buf       []byte
	maxBuffer int
	seq       uint64
	overflows uint64
	now       func() time.Time
}

type SyncOption func(*Synchronizer)

func WithMaxBuffer(n int) SyncOption {
	return func(s *Synchronizer) {
		if n > 0 {
			s.maxBuffer = n
		}
	}
}

func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSynchronizer(opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		maxBuffer: DefaultMaxBuffer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write feeds one read into the synchronizer and returns every frame it completed.
func (s *Synchronizer) Write(chunk []byte) []Frame {
	var raw [][]byte
	s.buf, raw = Ingest(s.buf, chunk)

	if len(s.buf) > s.maxBuffer {
		s.overflows++
		if last := bytes.LastIndex(s.buf, markerSOI); last > 0 {
			s.buf = append(s.buf[:0], s.buf[last:]...)
		} else {
			s.buf = s.buf[:0]
		}
	}

	if len(raw) == 0 {
		return nil
	}
	ts := s.now()
	frames := make([]Frame, 0, len(raw))
	for _, data := range raw {
		s.seq++
		frames = append(frames, Frame{Seq: s.seq, Timestamp: ts, Data: data})
	}
	return frames
}

// Reset drops any partial frame, as on connection teardown.
func (s *Synchronizer) Reset() {
	s.buf = nil
}

func (s *Synchronizer) Buffered() int {
	return len(s.buf)
}

func (s *Synchronizer) Overflows() uint64 {
	return s.overflows
}
