//go:build !gocv

package vision

import (
	"skytrack/pkg/control"
	"skytrack/pkg/protocol"
)

type OpenCVDetector struct{}

func NewOpenCVDetector(control.Policy, string) (*OpenCVDetector, error) {
	return nil, ErrOpenCVUnavailable
}

func (*OpenCVDetector) Detect([]byte) (protocol.Detection, bool, error) {
	return protocol.Detection{}, false, ErrOpenCVUnavailable
}

func (*OpenCVDetector) Close() error {
	return nil
}
