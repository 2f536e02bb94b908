//go:build gocv

package vision

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"skytrack/pkg/control"
	"skytrack/pkg/protocol"
)

// OpenCVDetector finds the largest face (Haar cascade) or the largest circle
// (Hough transform) in a frame.
type OpenCVDetector struct {
	policy     control.Policy
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	hasCascade bool
}

func NewOpenCVDetector(policy control.Policy, cascadePath string) (*OpenCVDetector, error) {
	d := &OpenCVDetector{policy: policy}
	if policy == control.PolicyFace {
		if cascadePath == "" {
			return nil, fmt.Errorf("face policy needs a cascade file")
		}
		d.classifier = gocv.NewCascadeClassifier()
		if !d.classifier.Load(cascadePath) {
			_ = d.classifier.Close()
			return nil, fmt.Errorf("load cascade %s", cascadePath)
		}
		d.hasCascade = true
	}
	return d, nil
}

func (d *OpenCVDetector) Detect(frame []byte) (protocol.Detection, bool, error) {
	img, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return protocol.Detection{}, false, err
	}
	defer img.Close()
	if img.Empty() {
		return protocol.Detection{}, false, fmt.Errorf("empty image")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	if d.policy == control.PolicyFace {
		return d.detectFace(gray)
	}
	return detectCircle(gray)
}

func (d *OpenCVDetector) detectFace(gray gocv.Mat) (protocol.Detection, bool, error) {
	d.mu.Lock()
	rects := d.classifier.DetectMultiScale(gray)
	d.mu.Unlock()

	var best image.Rectangle
	for _, r := range rects {
		if r.Dx()*r.Dy() > best.Dx()*best.Dy() {
			best = r
		}
	}
	if best.Empty() {
		return protocol.Detection{}, false, nil
	}
	return protocol.Detection{
		CenterX: float64(best.Min.X+best.Max.X) / 2,
		CenterY: float64(best.Min.Y+best.Max.Y) / 2,
		Extent:  float64(best.Dx()),
	}, true, nil
}

func detectCircle(gray gocv.Mat) (protocol.Detection, bool, error) {
	gocv.MedianBlur(gray, &gray, 5)

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(gray, &circles, gocv.HoughGradient, 1, float64(gray.Rows())/8, 100, 30, 5, 0)

	var (
		best  []float32
		found bool
	)
	for i := 0; i < circles.Cols(); i++ {
		v := circles.GetVecfAt(0, i)
		if len(v) < 3 {
			continue
		}
		if !found || v[2] > best[2] {
			best, found = v, true
		}
	}
	if !found {
		return protocol.Detection{}, false, nil
	}
	return protocol.Detection{
		CenterX: float64(best[0]),
		CenterY: float64(best[1]),
		Extent:  2 * float64(best[2]),
	}, true, nil
}

func (d *OpenCVDetector) Close() error {
	if d.hasCascade {
		return d.classifier.Close()
	}
	return nil
}
