package vision

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"skytrack/pkg/protocol"
)

// SpotDetector finds the centroid of pixels at or above a luminance
// threshold. It needs no native dependencies and pairs with the synthetic
// camera of skytrackd.
type SpotDetector struct {
	Threshold uint8
	// MinPixels is the smallest bright area accepted as a target.
	MinPixels int
}

func NewSpotDetector(threshold uint8) *SpotDetector {
	return &SpotDetector{Threshold: threshold, MinPixels: 16}
}

func (d *SpotDetector) Detect(frame []byte) (protocol.Detection, bool, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return protocol.Detection{}, false, err
	}

	b := img.Bounds()
	var sumX, sumY float64
	var n int
	minX, maxX := b.Max.X, b.Min.X
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y < d.Threshold {
				continue
			}
			sumX += float64(x - b.Min.X)
			sumY += float64(y - b.Min.Y)
			n++
			minX = min(minX, x)
			maxX = max(maxX, x)
		}
	}
	if n < max(d.MinPixels, 1) {
		return protocol.Detection{}, false, nil
	}
	return protocol.Detection{
		CenterX: math.Round(sumX / float64(n)),
		CenterY: math.Round(sumY / float64(n)),
		Extent:  float64(maxX - minX + 1),
	}, true, nil
}

// SyntheticFrame renders a dark w x h frame with a bright disk of radius r
// centered at (cx, cy).
func SyntheticFrame(w, h int, cx, cy, r float64) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r*r {
				img.SetGray(x, y, color.Gray{Y: 250})
			} else {
				img.SetGray(x, y, color.Gray{Y: 20})
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
