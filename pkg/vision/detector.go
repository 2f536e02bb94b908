package vision

import (
	"errors"

	"skytrack/pkg/protocol"
)

var (
	ErrNoDetector         = errors.New("vision: no detector configured")
	ErrOpenCVUnavailable  = errors.New("vision: built without gocv support (build with -tags gocv)")
	ErrDetectorClosed     = errors.New("vision: detector closed")
	ErrDetectorTimeout    = errors.New("vision: detector request timed out")
	ErrDetectorRestarting = errors.New("vision: detector restarting")
)

// Detector localizes at most one target in an encoded frame.
type Detector interface {
	Detect(frame []byte) (protocol.Detection, bool, error)
}

type DetectorFunc func(frame []byte) (protocol.Detection, bool, error)

func (f DetectorFunc) Detect(frame []byte) (protocol.Detection, bool, error) {
	return f(frame)
}

type noDetector struct{}

func (noDetector) Detect([]byte) (protocol.Detection, bool, error) {
	return protocol.Detection{}, false, ErrNoDetector
}
